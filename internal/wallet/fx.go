package wallet

import (
	"github.com/smallbiznis/simvault/internal/wallet/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("wallet",
	fx.Provide(repository.Provide),
)

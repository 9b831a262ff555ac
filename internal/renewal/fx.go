package renewal

import (
	"github.com/smallbiznis/simvault/internal/renewal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("renewal.engine",
	fx.Provide(service.NewEngine),
)

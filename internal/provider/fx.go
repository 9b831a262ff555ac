package provider

import (
	"github.com/smallbiznis/simvault/internal/provider/client"
	"go.uber.org/fx"
)

var Module = fx.Module("provider",
	fx.Provide(client.New),
)

package esim

import (
	"github.com/smallbiznis/simvault/internal/esim/repository"
	"github.com/smallbiznis/simvault/internal/esim/service"
	"go.uber.org/fx"
)

var Module = fx.Module("esim.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)

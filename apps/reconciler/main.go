package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/simvault/internal/clock"
	"github.com/smallbiznis/simvault/internal/config"
	"github.com/smallbiznis/simvault/internal/esim"
	"github.com/smallbiznis/simvault/internal/events"
	"github.com/smallbiznis/simvault/internal/locks"
	"github.com/smallbiznis/simvault/internal/logger"
	"github.com/smallbiznis/simvault/internal/migration"
	"github.com/smallbiznis/simvault/internal/owner"
	"github.com/smallbiznis/simvault/internal/plan"
	"github.com/smallbiznis/simvault/internal/provider"
	"github.com/smallbiznis/simvault/internal/reconciler"
	"github.com/smallbiznis/simvault/internal/renewal"
	"github.com/smallbiznis/simvault/internal/tracing"
	"github.com/smallbiznis/simvault/internal/wallet"
	"github.com/smallbiznis/simvault/pkg/db"
	"go.uber.org/fx"
)

// Standalone sweep worker: runs the reconciliation jobs and the renewal
// engine without the HTTP surface. Deploy alongside API replicas whose
// tuning.yml sets reconciler.enabledJobs to a sentinel such as [none].
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		tracing.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		esim.Module,
		owner.Module,
		plan.Module,
		wallet.Module,
		provider.Module,
		renewal.Module,
		events.Module,
		locks.Module,

		// No server module.
		reconciler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

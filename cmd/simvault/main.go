package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/simvault/internal/clock"
	"github.com/smallbiznis/simvault/internal/config"
	"github.com/smallbiznis/simvault/internal/logger"
	"github.com/smallbiznis/simvault/internal/migration"
	"github.com/smallbiznis/simvault/internal/server"
	"github.com/smallbiznis/simvault/internal/tracing"
	"github.com/smallbiznis/simvault/pkg/db"
	"go.uber.org/fx"
)

// The monolith: HTTP API, webhook sink, reconciliation sweeps and the
// renewal engine in one process.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		tracing.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
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

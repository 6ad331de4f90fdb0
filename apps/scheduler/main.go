package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/dojoflow/dojoflow/internal/audit"
	"github.com/dojoflow/dojoflow/internal/clock"
	"github.com/dojoflow/dojoflow/internal/config"
	"github.com/dojoflow/dojoflow/internal/credit"
	"github.com/dojoflow/dojoflow/internal/migration"
	"github.com/dojoflow/dojoflow/internal/observability"
	"github.com/dojoflow/dojoflow/internal/scheduler"
	"github.com/dojoflow/dojoflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services required by the period reset job
		credit.Module,
		audit.Module,

		// No server module: this binary only runs the reset loop.
		scheduler.Module,
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

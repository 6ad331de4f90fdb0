package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/dojoflow/dojoflow/internal/clock"
	"github.com/dojoflow/dojoflow/internal/config"
	"github.com/dojoflow/dojoflow/internal/migration"
	"github.com/dojoflow/dojoflow/internal/observability"
	"github.com/dojoflow/dojoflow/internal/scheduler"
	"github.com/dojoflow/dojoflow/internal/server"
	"github.com/dojoflow/dojoflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP surface plus the domain modules it wires in
		server.Module,

		// Billing period reset worker runs in-process in the monolith
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

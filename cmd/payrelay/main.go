package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrelay/internal/clock"
	"github.com/smallbiznis/payrelay/internal/config"
	"github.com/smallbiznis/payrelay/internal/lock"
	"github.com/smallbiznis/payrelay/internal/migration"
	"github.com/smallbiznis/payrelay/internal/observability"
	"github.com/smallbiznis/payrelay/internal/payment"
	"github.com/smallbiznis/payrelay/internal/server"
	"github.com/smallbiznis/payrelay/pkg/db"
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
		lock.Module,
		migration.Module,

		// Checkout and notifications
		payment.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientdesk/internal/clock"
	"github.com/smallbiznis/clientdesk/internal/config"
	"github.com/smallbiznis/clientdesk/internal/invoice"
	"github.com/smallbiznis/clientdesk/internal/migration"
	"github.com/smallbiznis/clientdesk/internal/notification"
	"github.com/smallbiznis/clientdesk/internal/observability"
	"github.com/smallbiznis/clientdesk/internal/payment"
	"github.com/smallbiznis/clientdesk/internal/providers"
	"github.com/smallbiznis/clientdesk/internal/ratelimit"
	"github.com/smallbiznis/clientdesk/internal/reconciliation"
	"github.com/smallbiznis/clientdesk/internal/scheduler"
	"github.com/smallbiznis/clientdesk/internal/server"
	"github.com/smallbiznis/clientdesk/pkg/db"
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

		ratelimit.Module,
		providers.Module,

		reconciliation.Module,
		payment.Module,
		invoice.Module,
		notification.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaengine/internal/aggregate"
	"github.com/smallbiznis/quotaengine/internal/clock"
	"github.com/smallbiznis/quotaengine/internal/config"
	"github.com/smallbiznis/quotaengine/internal/entitlement"
	"github.com/smallbiznis/quotaengine/internal/grant"
	"github.com/smallbiznis/quotaengine/internal/migration"
	"github.com/smallbiznis/quotaengine/internal/notification"
	"github.com/smallbiznis/quotaengine/internal/observability"
	"github.com/smallbiznis/quotaengine/internal/plan"
	"github.com/smallbiznis/quotaengine/internal/quota"
	"github.com/smallbiznis/quotaengine/internal/reconciler"
	"github.com/smallbiznis/quotaengine/internal/server"
	"github.com/smallbiznis/quotaengine/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		plan.Module,
		grant.Module,
		aggregate.Module,
		entitlement.Module,
		quota.Module,
		notification.Module,
		reconciler.Module,
		reconciler.Scheduled,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

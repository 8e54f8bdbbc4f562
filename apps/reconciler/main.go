// Command reconciler runs the expiry sweep without the HTTP surface. With
// -once it performs a single sweep and exits non-zero when grants were left
// pending, which suits an external cron.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaengine/internal/aggregate"
	"github.com/smallbiznis/quotaengine/internal/clock"
	"github.com/smallbiznis/quotaengine/internal/config"
	"github.com/smallbiznis/quotaengine/internal/entitlement"
	"github.com/smallbiznis/quotaengine/internal/grant"
	"github.com/smallbiznis/quotaengine/internal/notification"
	"github.com/smallbiznis/quotaengine/internal/observability"
	"github.com/smallbiznis/quotaengine/internal/plan"
	"github.com/smallbiznis/quotaengine/internal/reconciler"
	"github.com/smallbiznis/quotaengine/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	options := []fx.Option{
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by the reconciler
		plan.Module,
		grant.Module,
		aggregate.Module,
		entitlement.Module,
		notification.Module,
		reconciler.Module,
	}

	if !*once {
		app := fx.New(append(options, reconciler.Scheduled)...)
		app.Run()
		return
	}

	os.Exit(runOnce(options))
}

func runOnce(options []fx.Option) int {
	var (
		rec *reconciler.Reconciler
		log *zap.Logger
	)
	app := fx.New(append(options, fx.Populate(&rec, &log))...)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return 1
	}

	_, err := rec.RunOnce(context.Background())
	if err != nil {
		log.Error("reconciler.once.failed", zap.Error(err))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = app.Stop(stopCtx)

	if err != nil {
		return 1
	}
	return 0
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

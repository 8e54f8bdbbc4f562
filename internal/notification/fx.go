package notification

import (
	"context"

	"github.com/smallbiznis/quotaengine/internal/config"
	"github.com/smallbiznis/quotaengine/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(
		fx.Annotate(NewLogSink, fx.As(new(Sink))),
		provideDispatcher,
		func(d *Dispatcher) Publisher { return d },
	),
)

func provideDispatcher(lc fx.Lifecycle, cfg config.Config, sink Sink, log *zap.Logger, m *metrics.EngineMetrics) *Dispatcher {
	d := NewDispatcher(sink, cfg.Notification.BufferSize, log, m)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: d.Stop,
	})
	return d
}

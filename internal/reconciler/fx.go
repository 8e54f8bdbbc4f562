package reconciler

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quotaengine/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reconciler",
	fx.Provide(ProvideConfig),
	fx.Provide(provideLocker),
	fx.Provide(New),
)

// Scheduled starts the sweep loop with the application lifecycle.
var Scheduled = fx.Invoke(StartScheduler)

func StartScheduler(lc fx.Lifecycle, cfg Config, rec *Reconciler) {
	if !cfg.Enabled {
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				rec.RunForever(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

// provideLocker returns a redis-backed sweep lock when REDIS_ADDR is set.
// Without redis, exclusion between sweeps relies on deactivation ownership.
func provideLocker(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) SweepLocker {
	if !cfg.Redis.Enabled() {
		log.Info("reconciler.lock.disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("reconciler.lock.ping_failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewRedisLocker(client)
}

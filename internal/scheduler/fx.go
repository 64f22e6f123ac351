package scheduler

import (
	"context"

	"github.com/smallbiznis/clientdesk/internal/config"
	"github.com/smallbiznis/clientdesk/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	Components,
	fx.Invoke(Start),
)

// Components builds the scheduler without starting its loop.
var Components = fx.Options(
	fx.Provide(ProvideConfig),
	fx.Provide(provideLocker),
	fx.Provide(New),
)

// provideLocker adapts the Redis lease; a nil lease leaves jobs unguarded.
func provideLocker(locker *ratelimit.Locker) Locker {
	if locker == nil {
		return nil
	}
	return locker
}

func Start(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.SchedulerEnabled {
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}

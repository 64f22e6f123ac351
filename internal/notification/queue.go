package notification

import (
	"context"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/smallbiznis/clientdesk/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func redisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewClient returns nil when Redis is not configured.
func NewClient(lc fx.Lifecycle, cfg config.Config) *asynq.Client {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil
	}
	client := asynq.NewClient(redisOpt(cfg.Redis))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideNotifier(client *asynq.Client, log *zap.Logger, p notifierDeps) *Notifier {
	var queue Enqueuer
	if client != nil {
		queue = client
	}
	return NewNotifier(queue, log, p.ObsMetrics)
}

// StartWorker runs the task server alongside the HTTP server.
func StartWorker(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, worker *Worker) {
	if !cfg.WorkerEnabled || strings.TrimSpace(cfg.Redis.Addr) == "" {
		return
	}
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	log = log.Named("notification.server")

	srv := asynq.NewServer(redisOpt(cfg.Redis), asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueDefault: 3,
			QueueLow:     1,
		},
		Logger: log.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("task failed",
				zap.String("task_type", task.Type()),
				zap.Error(err),
			)
		}),
	})
	mux := asynq.NewServeMux()
	worker.Register(mux)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return srv.Start(mux)
		},
		OnStop: func(context.Context) error {
			srv.Shutdown()
			return nil
		},
	})
}

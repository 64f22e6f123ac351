package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientdesk/internal/clock"
	"github.com/smallbiznis/clientdesk/internal/config"
	"github.com/smallbiznis/clientdesk/internal/invoice"
	"github.com/smallbiznis/clientdesk/internal/jobmetrics"
	"github.com/smallbiznis/clientdesk/internal/observability"
	"github.com/smallbiznis/clientdesk/internal/ratelimit"
	"github.com/smallbiznis/clientdesk/internal/reconciliation"
	"github.com/smallbiznis/clientdesk/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "clientdeskctl",
		Short:         "Operate invoice payment state from the command line",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(sweepOverdueCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp starts a graph without the HTTP server, worker or scheduler loop,
// populates targets and stops it once run returns. Each run's outcome is
// pushed when a metrics exporter is configured.
func withApp(ctx context.Context, command string, extra fx.Option, run func(context.Context, *jobmetrics.Run) error, targets ...interface{}) error {
	var (
		cfg config.Config
		log *zap.Logger
		clk clock.Clock
	)
	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(func(cfg config.Config) (*snowflake.Node, error) {
			return snowflake.NewNode(cfg.NodeID)
		}),
		db.Module,
		clock.Module,
		ratelimit.Module,
		invoice.Module,
		reconciliation.Module,
		extra,
		fx.Populate(&cfg, &log, &clk),
		fx.Populate(targets...),
	)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	jobRun := jobmetrics.NewRun(command, clk.Now())
	runErr := run(ctx, jobRun)
	jobRun.Finish(clk.Now(), runErr)
	pushRun(ctx, cfg, log, jobRun)

	if err := app.Stop(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func pushRun(ctx context.Context, cfg config.Config, log *zap.Logger, run *jobmetrics.Run) {
	pusher := jobmetrics.NewPusher(cfg.Push, cfg.AppName+"-ctl", map[string]string{
		"environment": cfg.Environment,
	}, log)
	if pusher == nil {
		return
	}
	if err := pusher.Push(ctx, run.Registry()); err != nil {
		log.Warn("metrics push failed", zap.Error(err))
	}
}

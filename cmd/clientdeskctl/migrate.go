package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/clientdesk/internal/config"
	"github.com/smallbiznis/clientdesk/internal/jobmetrics"
	"github.com/smallbiznis/clientdesk/internal/migration"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg  config.Config
				conn *gorm.DB
			)
			return withApp(cmd.Context(), "migrate", fx.Options(), func(context.Context, *jobmetrics.Run) error {
				if !strings.EqualFold(cfg.DBType, "postgres") {
					return fmt.Errorf("migrations require postgres, got %q", cfg.DBType)
				}
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				if err := migration.RunMigrations(sqlDB); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			}, &cfg, &conn)
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientdesk/internal/jobmetrics"
	reconciliationdomain "github.com/smallbiznis/clientdesk/internal/reconciliation/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <invoice-id>",
		Short: "Recompute one invoice's payment state from its recorded payments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := snowflake.ParseString(args[0])
			if err != nil || invoiceID <= 0 {
				return fmt.Errorf("invalid invoice id %q", args[0])
			}

			var reconciler reconciliationdomain.Service
			return withApp(cmd.Context(), "reconcile", fx.Options(), func(ctx context.Context, run *jobmetrics.Run) error {
				ctx = reconciliationdomain.WithTrigger(ctx, reconciliationdomain.TriggerCLI)
				result, err := reconciler.Reconcile(ctx, invoiceID)
				if err != nil {
					return err
				}
				if result.StatusChanged() {
					run.SetItems("changed", 1)
				} else {
					run.SetItems("unchanged", 1)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}, &reconciler)
		},
	}
}

package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/clientdesk/internal/jobmetrics"
	"github.com/smallbiznis/clientdesk/internal/scheduler"
	"github.com/spf13/cobra"
)

func sweepOverdueCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep-overdue",
		Short: "Reconcile one batch of invoices that passed their due date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched *scheduler.Scheduler
			return withApp(cmd.Context(), "sweep-overdue", scheduler.Components, func(ctx context.Context, run *jobmetrics.Run) error {
				report, err := sched.SweepOverdue(ctx, dryRun)
				if err != nil {
					return err
				}
				run.SetItems("candidates", len(report.Candidates))
				run.SetItems("changed", report.Changed)
				run.SetItems("failed", report.Failed)
				out := cmd.OutOrStdout()
				if report.Skipped {
					fmt.Fprintln(out, "sweep skipped: another run holds the lock")
					return nil
				}
				for _, id := range report.Candidates {
					fmt.Fprintln(out, id.String())
				}
				if dryRun {
					fmt.Fprintf(out, "%d candidates (dry run)\n", len(report.Candidates))
					return nil
				}
				fmt.Fprintf(out, "%d candidates, %d changed, %d failed\n", len(report.Candidates), report.Changed, report.Failed)
				return nil
			}, &sched)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List candidates without reconciling them")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newSweepCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile pending and stuck orders once, then exit",
		Long: "Re-verifies payment for every pending order with an invoice and reclaims stale " +
			"provisioning locks. Prints the sweep report as JSON. Intended for cron.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, root)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			report, err := rt.service.ProcessPending(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			rt.purgeIdempotency(ctx)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Summary.Failed > 0 {
				return fmt.Errorf("%d of %d orders failed", report.Summary.Failed, report.Summary.Total)
			}
			return nil
		},
	}
}

// purgeIdempotency drops expired replay records from PostgreSQL.
func (rt *runtime) purgeIdempotency(ctx context.Context) {
	if rt.idemStore == nil {
		return
	}
	removed, err := rt.idemStore.Purge(ctx)
	if err != nil {
		rt.logger.WarnContext(ctx, "idempotency purge failed", "error", err)
		return
	}
	if removed > 0 {
		rt.logger.InfoContext(ctx, "purged expired idempotency records", "removed", removed)
	}
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quarrydocs/quarry/internal/control"
)

func newMaintainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Index maintenance: verify, clean, rebuild",
	}

	cmd.AddCommand(
		newMaintainOp("verify", "Reconcile derived indexes against the store",
			func(ctx context.Context, svc *control.Service, dryRun bool) (any, error) {
				return svc.VerifyIntegrity(ctx, dryRun)
			}),
		newMaintainOp("cleanup", "Remove phantom progress and orphaned index entries",
			func(ctx context.Context, svc *control.Service, dryRun bool) (any, error) {
				return svc.CleanupOrphans(ctx, dryRun)
			}),
		newMaintainOp("rebuild-vectors", "Rebuild the k-NN index from stored vectors",
			func(ctx context.Context, svc *control.Service, dryRun bool) (any, error) {
				return svc.RebuildVectorIndex(ctx, dryRun)
			}),
		newMaintainOp("rebuild-fts", "Reindex every chunk into the keyword index",
			func(ctx context.Context, svc *control.Service, dryRun bool) (any, error) {
				return svc.RebuildFTSIndex(ctx, dryRun)
			}),
		newMaintainOp("repair", "Rebuild both derived indexes",
			func(ctx context.Context, svc *control.Service, dryRun bool) (any, error) {
				return svc.RepairIndexes(ctx, dryRun)
			}),
		newReindexFailedCmd(),
	)
	return cmd
}

func newReindexFailedCmd() *cobra.Command {
	var issueTypes []string

	cmd := newMaintainOp("reindex-failed", "Re-enqueue documents whose last attempt failed",
		func(ctx context.Context, svc *control.Service, dryRun bool) (any, error) {
			if !dryRun {
				// Re-enqueued paths need a pipeline to land in; Close
				// drains it before the command returns.
				if err := svc.StartPipeline(ctx); err != nil {
					return nil, err
				}
			}
			return svc.ReindexFailedDocuments(ctx, issueTypes, dryRun)
		})
	cmd.Flags().StringSliceVar(&issueTypes, "issue-type", nil,
		"Only retry failures with this error code (repeatable)")
	return cmd
}

// newMaintainOp builds one maintenance subcommand; every operation takes
// --dry-run and prints its report as JSON.
func newMaintainOp(use, short string, run func(context.Context, *control.Service, bool) (any, error)) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			svc, err := control.Bootstrap(ctx, cfg, slog.Default())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			report, err := run(ctx, svc, dryRun)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without changing anything")
	return cmd
}

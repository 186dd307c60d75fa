package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quarrydocs/quarry/internal/control"
	"github.com/quarrydocs/quarry/internal/queue"
)

func newIngestCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "ingest [path...]",
		Short: "Index files and exit",
		Long: `Index the given paths (relative to the root) and wait for the pipeline
to drain. With no arguments, the healing scan picks up every eligible
file under the root that is not indexed yet.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, args, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Reindex even when unchanged")
	return cmd
}

func runIngest(cmd *cobra.Command, args []string, force bool) error {
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

	// Start runs the healing pass, which enqueues unindexed files; that
	// covers the no-argument form.
	if err := svc.Start(ctx); err != nil {
		return err
	}

	for _, path := range args {
		res, ierr := svc.Ingest(ctx, path, queue.PriorityHigh, force)
		if ierr != nil {
			return ierr
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.Path, res.Outcome)
	}

	// Close drains gracefully before returning.
	return nil
}

package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarrydocs/quarry/internal/control"
)

func newServeCmd() *cobra.Command {
	var dryRunHeal bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the root directory and keep the index current",
		Long: `Start the ingest pipeline, run a self-healing pass over the existing
index, and watch the root for changes until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, dryRunHeal)
		},
	}

	cmd.Flags().BoolVar(&dryRunHeal, "dry-run-heal", false, "Report healing actions without applying them")
	return cmd
}

func runServe(cmd *cobra.Command, dryRunHeal bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := control.Bootstrap(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			slog.Warn("shutdown error", slog.Any("error", cerr))
		}
	}()

	if dryRunHeal {
		report, herr := svc.VerifyIntegrity(ctx, true)
		if herr != nil {
			return herr
		}
		fmt.Fprintf(cmd.OutOrStdout(), "healing dry run: orphan_vectors=%d orphan_fts=%d missing_vectors=%d\n",
			report.OrphanVectors, report.OrphanFTS, report.MissingVectors)
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	slog.Info("quarry serving", slog.String("root", cfg.Paths.Root))

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

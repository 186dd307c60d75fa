package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quarrydocs/quarry/internal/control"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index health and counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, jsonOutput bool) error {
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

	health, err := svc.Health(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(health)
	}

	fmt.Fprintf(out, "root:       %s\n", cfg.Paths.Root)
	fmt.Fprintf(out, "documents:  %d\n", health.DocumentCount)
	fmt.Fprintf(out, "chunks:     %d\n", health.ChunkCount)
	fmt.Fprintf(out, "vectors:    %d\n", health.VectorCount)
	fmt.Fprintf(out, "model:      %s\n", health.ModelName)
	if !health.EmbedderAvailable {
		fmt.Fprintln(out, "embedder:   unavailable")
	}
	return nil
}

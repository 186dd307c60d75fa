package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarrydocs/quarry/internal/control"
	"github.com/quarrydocs/quarry/internal/search"
)

func newSearchCmd() *cobra.Command {
	var (
		topK       int
		threshold  float64
		decompose  bool
		rerank     bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid search against the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, strings.Join(args, " "), search.Options{
				TopK:      topK,
				Threshold: threshold,
				Decompose: decompose,
				Rerank:    rerank,
			}, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&topK, "top", "k", 5, "Number of results")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum fused score in [0,1]")
	cmd.Flags().BoolVar(&decompose, "decompose", true, "Split conjunction queries")
	cmd.Flags().BoolVar(&rerank, "rerank", false, "Rerank top candidates")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	return cmd
}

func runSearch(cmd *cobra.Command, query string, opts search.Options, jsonOutput bool) error {
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

	results, err := svc.Query(ctx, query, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "no results")
		return nil
	}
	for i, r := range results {
		loc := r.Path
		if r.Page > 0 {
			loc = fmt.Sprintf("%s (p. %d)", r.Path, r.Page)
		}
		fmt.Fprintf(out, "%d. %s  [%.3f]\n", i+1, loc, r.Score)
		fmt.Fprintf(out, "   %s\n", excerpt(r.Content, 200))
	}
	return nil
}

// excerpt truncates text to max runes on a word boundary.
func excerpt(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "..."
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarrydocs/quarry/internal/config"
	"github.com/quarrydocs/quarry/internal/embed"
)

// checkResult is one diagnostic outcome.
type checkResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
	Warning bool   `json:"warning,omitempty"`
}

func newDoctorCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system requirements and diagnose issues",
		Long: `Run diagnostics to ensure quarry can operate on this root.

Checks:
  - Configuration validity
  - Data directory write access
  - External converters (pdftotext, pandoc)
  - Embedding provider reachability

Converter and embedder checks are warnings: missing converters only
disable their formats, and an unreachable Ollama falls back to static
embeddings.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runDoctor(cmd *cobra.Command, jsonOutput bool) error {
	var checks []checkResult

	cfg, err := loadConfig()
	if err != nil {
		checks = append(checks, checkResult{Name: "config", Detail: err.Error()})
		return printDoctor(cmd, checks, jsonOutput)
	}
	checks = append(checks, checkResult{Name: "config", OK: true, Detail: cfg.Paths.Root})

	checks = append(checks, checkDataDir(cfg))
	checks = append(checks, checkConverter("pdftotext", "PDF extraction disabled")...)
	checks = append(checks, checkConverter("pandoc", "DOCX/EPUB extraction disabled")...)
	checks = append(checks, checkEmbedder(cmd.Context(), cfg))

	return printDoctor(cmd, checks, jsonOutput)
}

func checkDataDir(cfg *config.Config) checkResult {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return checkResult{Name: "data_dir", Detail: err.Error()}
	}
	probe := filepath.Join(cfg.Paths.DataDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return checkResult{Name: "data_dir", Detail: "not writable: " + err.Error()}
	}
	_ = os.Remove(probe)
	return checkResult{Name: "data_dir", OK: true, Detail: cfg.Paths.DataDir}
}

func checkConverter(binary, consequence string) []checkResult {
	path, err := exec.LookPath(binary)
	if err != nil {
		return []checkResult{{Name: binary, Warning: true, Detail: consequence}}
	}
	return []checkResult{{Name: binary, OK: true, Detail: path}}
}

func checkEmbedder(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.Embed.Provider == "static" {
		return checkResult{Name: "embedder", OK: true, Detail: "static"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	probeCfg := cfg.Embed
	embedder, err := embed.NewOllamaEmbedder(ctx, embed.OllamaConfig{
		Host:          probeCfg.OllamaHost,
		Model:         probeCfg.Model,
		Dimensions:    probeCfg.Dimensions,
		SkipPreflight: true,
	})
	if err != nil {
		return checkResult{Name: "embedder", Warning: true,
			Detail: "ollama unavailable, static fallback will be used"}
	}
	defer func() { _ = embedder.Close() }()
	if !embedder.Available(ctx) {
		return checkResult{Name: "embedder", Warning: true,
			Detail: "ollama unreachable at " + probeCfg.OllamaHost}
	}
	return checkResult{Name: "embedder", OK: true,
		Detail: probeCfg.Model + " via " + probeCfg.OllamaHost}
}

func printDoctor(cmd *cobra.Command, checks []checkResult, jsonOutput bool) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(checks)
	}

	failed := false
	for _, c := range checks {
		mark := "ok"
		switch {
		case c.Warning:
			mark = "warn"
		case !c.OK:
			mark = "FAIL"
			failed = true
		}
		fmt.Fprintf(out, "%-12s %-5s %s\n", c.Name, mark, c.Detail)
	}
	if failed {
		return fmt.Errorf("diagnostics failed")
	}
	return nil
}

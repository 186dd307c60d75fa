// Package cmd provides the CLI commands for quarry.
package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/quarrydocs/quarry/internal/config"
	"github.com/quarrydocs/quarry/internal/logging"
	"github.com/quarrydocs/quarry/pkg/version"
)

var (
	rootFlag  string
	debugMode bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the quarry CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarry",
		Short: "Local-first semantic search over a directory of documents",
		Long: `Quarry watches a directory of notes, papers, books, and code, and keeps
a hybrid semantic + keyword index over it. Everything runs locally:
extraction, chunking, embedding, and search.

Run 'quarry serve' in a directory to start indexing it.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogging(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if loggingCleanup != nil {
				loggingCleanup()
			}
		},
	}

	cmd.SetVersionTemplate("quarry version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&rootFlag, "root", "r", ".", "Watched root directory")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newSearchCmd(),
		newStatusCmd(),
		newMaintainCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		return err
	}
	return nil
}

// loadConfig resolves the watched root and loads its configuration.
func loadConfig() (*config.Config, error) {
	root, err := filepath.Abs(rootFlag)
	if err != nil {
		return nil, err
	}
	return config.Load(root)
}

// setupLogging configures slog: JSON to the data-dir log file when it
// exists, human-readable text on an interactive terminal.
func setupLogging(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig(cfg.Paths.DataDir)
	logCfg.Level = cfg.LogLevel
	if debugMode {
		logCfg.Level = "debug"
	}
	// One-shot commands on a TTY log to stderr, not the file.
	if cmd.Name() != "serve" && isatty.IsTerminal(os.Stderr.Fd()) {
		logCfg.FilePath = ""
	}

	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	return nil
}

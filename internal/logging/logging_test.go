package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), tt.in)
	}
}

func TestSetup_WritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "quarry.log")

	logger, cleanup, err := Setup(Config{
		Level:    "info",
		FilePath: logPath,
	})
	require.NoError(t, err)

	logger.Info("indexing started", slog.String("path", "notes/a.md"))
	cleanup()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"indexing started"`)
	assert.Contains(t, string(data), `"path":"notes/a.md"`)
}

func TestSetup_DebugFiltered(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "quarry.log")

	logger, cleanup, err := Setup(Config{Level: "warn", FilePath: logPath})
	require.NoError(t, err)

	logger.Debug("noise")
	logger.Warn("signal")
	cleanup()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "noise")
	assert.Contains(t, string(data), "signal")
}

func TestRotatingWriter_RotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "quarry.log")

	w, err := NewRotatingWriter(logPath, 1, 3)
	require.NoError(t, err)
	defer w.Close()

	// Force the limit low so the test doesn't write megabytes.
	w.maxSize = 128

	line := strings.Repeat("x", 100) + "\n"
	for i := 0; i < 5; i++ {
		_, err := w.Write([]byte(line))
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(logPath + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, matches, "expected at least one rotated file")
}

func TestRotatingWriter_KeepsAtMostMaxFiles(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "quarry.log")

	w, err := NewRotatingWriter(logPath, 1, 2)
	require.NoError(t, err)
	defer w.Close()
	w.maxSize = 64

	for i := 0; i < 20; i++ {
		_, err := w.Write([]byte(strings.Repeat("y", 60) + "\n"))
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(logPath + ".*")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 2)
}

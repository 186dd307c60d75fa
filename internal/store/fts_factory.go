package store

import (
	"path/filepath"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

// FTSBackend selects the full-text index implementation.
type FTSBackend string

const (
	// FTSBackendBleve is the default: bleve v2 with BM25 scoring.
	// BoltDB holds an exclusive lock, so it is single-process.
	FTSBackendBleve FTSBackend = "bleve"

	// FTSBackendSQLite uses SQLite FTS5 with WAL, allowing concurrent
	// multi-process readers.
	FTSBackendSQLite FTSBackend = "sqlite"
)

// NewFTSIndex creates the configured FTS backend under dataDir. An empty
// dataDir creates an in-memory index for tests.
func NewFTSIndex(dataDir string, backend string) (FTSIndex, error) {
	switch FTSBackend(backend) {
	case FTSBackendBleve, "":
		path := ""
		if dataDir != "" {
			path = filepath.Join(dataDir, "fts.bleve")
		}
		return NewBleveFTSIndex(path)

	case FTSBackendSQLite:
		path := ""
		if dataDir != "" {
			path = filepath.Join(dataDir, "fts.db")
		}
		return NewSQLiteFTSIndex(path)

	default:
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid,
			"unknown fts backend: "+backend+" (valid: bleve, sqlite)", nil)
	}
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

// SQLiteFTSIndex implements FTSIndex over SQLite FTS5. Unlike bleve's
// BoltDB lock it allows concurrent multi-process readers via WAL.
type SQLiteFTSIndex struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ FTSIndex = (*SQLiteFTSIndex)(nil)

// NewSQLiteFTSIndex opens or creates the FTS5 database at path. Empty
// path makes an in-memory index. Corrupt databases are cleared.
func NewSQLiteFTSIndex(path string) (*SQLiteFTSIndex, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "creating index directory", err)
		}

		if validErr := validateFTS5Integrity(path); validErr != nil {
			slog.Warn("fts5 index corrupt, clearing",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, qerrors.New(qerrors.ErrCodeIndexCorrupt,
					"fts5 index corrupt and cannot be cleared", removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "opening fts database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, qerrors.New(qerrors.ErrCodeIO, "setting pragma", err)
		}
	}

	idx := &SQLiteFTSIndex{db: db, path: path}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, qerrors.New(qerrors.ErrCodeIndexCorrupt, "initializing fts schema", err)
	}
	return idx, nil
}

func validateFTS5Integrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func (s *SQLiteFTSIndex) initSchema() error {
	schema := `
	-- chunk_id is stored but not searchable; unicode61 does lowercase
	-- word-break tokenization, matching the bleve backend.
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
		chunk_id UNINDEXED,
		content,
		tokenize='unicode61'
	);

	-- FTS5 does not expose rowids reliably; track IDs separately.
	CREATE TABLE IF NOT EXISTS fts_ids (
		chunk_id TEXT PRIMARY KEY
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Index adds or replaces one chunk.
func (s *SQLiteFTSIndex) Index(ctx context.Context, chunkID, text string) error {
	return s.IndexBatch(ctx, []string{chunkID}, []string{text})
}

// IndexBatch adds or replaces chunks transactionally. FTS5 virtual
// tables have no REPLACE, so existing rows are deleted first.
func (s *SQLiteFTSIndex) IndexBatch(ctx context.Context, chunkIDs []string, texts []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if len(chunkIDs) != len(texts) {
		return qerrors.New(qerrors.ErrCodeInternal,
			fmt.Sprintf("ids and texts length mismatch: %d vs %d", len(chunkIDs), len(texts)), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return qerrors.New(qerrors.ErrCodeStoreClosed, "fts index is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "begin fts transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, id := range chunkIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fts_chunks WHERE chunk_id = ?`, id); err != nil {
			return qerrors.New(qerrors.ErrCodeIO, "delete stale fts row", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO fts_chunks (chunk_id, content) VALUES (?, ?)`, id, texts[i]); err != nil {
			return qerrors.New(qerrors.ErrCodeIO, "insert fts row", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO fts_ids (chunk_id) VALUES (?)`, id); err != nil {
			return qerrors.New(qerrors.ErrCodeIO, "track fts id", err)
		}
	}
	return tx.Commit()
}

// Delete removes chunks from the index.
func (s *SQLiteFTSIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return qerrors.New(qerrors.ErrCodeStoreClosed, "fts index is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "begin fts delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	in := strings.Join(placeholders, ",")

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM fts_chunks WHERE chunk_id IN (%s)`, in), args...); err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "delete fts rows", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM fts_ids WHERE chunk_id IN (%s)`, in), args...); err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "delete fts ids", err)
	}
	return tx.Commit()
}

// Search returns the top k BM25 hits. Query terms are OR-joined so prose
// queries degrade gracefully; FTS5's bm25() returns negative
// better-is-lower scores, negated here for consistency with bleve.
func (s *SQLiteFTSIndex) Search(ctx context.Context, query string, k int) ([]FTSResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, qerrors.New(qerrors.ErrCodeStoreClosed, "fts index is closed", nil)
	}

	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	for i, tok := range tokens {
		tokens[i] = `"` + tok + `"`
	}
	match := strings.Join(tokens, " OR ")

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(fts_chunks) AS score
		FROM fts_chunks
		WHERE content MATCH ?
		ORDER BY score
		LIMIT ?`, match, k)
	if err != nil {
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, qerrors.New(qerrors.ErrCodeSearchFailed, "fts5 search", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FTSResult
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan fts result", err)
		}
		out = append(out, FTSResult{ChunkID: id, Score: -score})
	}
	return out, rows.Err()
}

// AllIDs returns every indexed chunk ID.
func (s *SQLiteFTSIndex) AllIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, qerrors.New(qerrors.ErrCodeStoreClosed, "fts index is closed", nil)
	}

	rows, err := s.db.Query(`SELECT chunk_id FROM fts_ids ORDER BY chunk_id`)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "query fts ids", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan fts id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of indexed chunks.
func (s *SQLiteFTSIndex) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, qerrors.New(qerrors.ErrCodeStoreClosed, "fts index is closed", nil)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM fts_ids`).Scan(&count); err != nil {
		return 0, qerrors.New(qerrors.ErrCodeIO, "count fts ids", err)
	}
	return count, nil
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (s *SQLiteFTSIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

// schemaVersion is bumped on any schema change.
const schemaVersion = 1

// lockShards is the size of the per-path commit lock table.
const lockShards = 64

// MetadataStore is the SQLite source of truth: documents, chunks, stored
// embeddings, processing progress, and the vault graph.
type MetadataStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool

	// Per-path commit locks: at most one concurrent commit per document.
	pathLocks [lockShards]sync.Mutex
}

var _ VectorSource = (*MetadataStore)(nil)

// OpenMetadataStore opens (or creates) the metadata database at path.
// An empty path opens an in-memory database for tests.
func OpenMetadataStore(path string) (*MetadataStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "creating data directory", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "opening metadata database", err)
	}

	// Single writer; WAL gives readers concurrency without lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA for modernc.org/sqlite; DSN params are
	// not honored.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, qerrors.New(qerrors.ErrCodeIO, "setting pragma", err)
		}
	}

	s := &MetadataStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, qerrors.New(qerrors.ErrCodeIndexCorrupt, "initializing schema", err)
	}
	return s, nil
}

func (s *MetadataStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		hash TEXT NOT NULL,
		indexed_at TIMESTAMP NOT NULL,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		extraction_method TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		ordinal INTEGER NOT NULL,
		content TEXT NOT NULL,
		page INTEGER,
		metadata TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

	-- Source of truth for embeddings; the HNSW file is derived from it.
	CREATE TABLE IF NOT EXISTS vectors (
		chunk_id TEXT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
		embedding BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS processing_progress (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		extraction_method TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		error_message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_progress_status ON processing_progress(status);

	CREATE TABLE IF NOT EXISTS graph_nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		frontmatter TEXT NOT NULL DEFAULT '{}'
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_graph_nodes_title ON graph_nodes(title);

	CREATE TABLE IF NOT EXISTS graph_edges (
		source INTEGER NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
		target INTEGER NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		PRIMARY KEY (source, target, type)
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for co-located stores (FTS5 backend).
func (s *MetadataStore) DB() *sql.DB { return s.db }

// LockPath serializes commits per canonical path. The returned func
// releases the lock.
func (s *MetadataStore) LockPath(path string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	shard := &s.pathLocks[h.Sum32()%lockShards]
	shard.Lock()
	return shard.Unlock
}

func (s *MetadataStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return qerrors.New(qerrors.ErrCodeStoreClosed, "metadata store is closed", nil)
	}
	return nil
}

// ReplaceDocument runs the document commit transaction: the prior
// generation at doc.Path is deleted (cascading to chunks and vectors),
// the new document, chunks, and embeddings are inserted, and progress is
// marked completed. It returns the new document ID and the chunk IDs of
// the replaced generation so the caller can evict them from the k-NN and
// FTS indexes.
func (s *MetadataStore) ReplaceDocument(ctx context.Context, doc *Document, chunks []Chunk, vectors map[string][]float32) (int64, []string, error) {
	if err := s.checkOpen(); err != nil {
		return 0, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, qerrors.New(qerrors.ErrCodeIO, "begin commit transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	oldChunkIDs, err := chunkIDsForPathTx(ctx, tx, doc.Path)
	if err != nil {
		return 0, nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, doc.Path); err != nil {
		return 0, nil, qerrors.New(qerrors.ErrCodeIO, "delete prior document", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (path, hash, indexed_at, chunk_count, extraction_method)
		VALUES (?, ?, ?, ?, ?)`,
		doc.Path, doc.Hash, doc.IndexedAt.UTC(), len(chunks), doc.ExtractionMethod)
	if err != nil {
		return 0, nil, qerrors.New(qerrors.ErrCodeIO, "insert document", err)
	}
	docID, err := res.LastInsertId()
	if err != nil {
		return 0, nil, qerrors.New(qerrors.ErrCodeIO, "document id", err)
	}

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, ordinal, content, page, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, nil, qerrors.New(qerrors.ErrCodeIO, "prepare chunk insert", err)
	}
	defer func() { _ = chunkStmt.Close() }()

	vecStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (chunk_id, embedding) VALUES (?, ?)`)
	if err != nil {
		return 0, nil, qerrors.New(qerrors.ErrCodeIO, "prepare vector insert", err)
	}
	defer func() { _ = vecStmt.Close() }()

	for _, ch := range chunks {
		var page any
		if ch.Page > 0 {
			page = ch.Page
		}
		meta := ch.Metadata
		if meta == "" {
			meta = "{}"
		}
		if _, err := chunkStmt.ExecContext(ctx, ch.ID, docID, ch.Ordinal, ch.Content, page, meta); err != nil {
			return 0, nil, qerrors.New(qerrors.ErrCodeIO, "insert chunk "+ch.ID, err)
		}
		if vec, ok := vectors[ch.ID]; ok {
			if _, err := vecStmt.ExecContext(ctx, ch.ID, encodeVector(vec)); err != nil {
				return 0, nil, qerrors.New(qerrors.ErrCodeIO, "insert vector "+ch.ID, err)
			}
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO processing_progress (path, hash, status, extraction_method, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, '')
		ON CONFLICT(path) DO UPDATE SET
			hash = excluded.hash,
			status = excluded.status,
			extraction_method = excluded.extraction_method,
			completed_at = excluded.completed_at,
			error_message = ''`,
		doc.Path, doc.Hash, StatusCompleted, doc.ExtractionMethod, now, now); err != nil {
		return 0, nil, qerrors.New(qerrors.ErrCodeIO, "update progress", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, qerrors.New(qerrors.ErrCodeIO, "commit document", err)
	}
	return docID, oldChunkIDs, nil
}

func chunkIDsForPathTx(ctx context.Context, tx *sql.Tx, path string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT c.id FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.path = ?`, path)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "query prior chunks", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan chunk id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetDocumentByPath returns the document at path, or a not-found error.
func (s *MetadataStore) GetDocumentByPath(ctx context.Context, path string) (*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, hash, indexed_at, chunk_count, extraction_method
		FROM documents WHERE path = ?`, path)

	var doc Document
	if err := row.Scan(&doc.ID, &doc.Path, &doc.Hash, &doc.IndexedAt, &doc.ChunkCount, &doc.ExtractionMethod); err != nil {
		if err == sql.ErrNoRows {
			return nil, qerrors.NotFound(path)
		}
		return nil, qerrors.New(qerrors.ErrCodeIO, "query document", err)
	}
	return &doc, nil
}

// ListDocuments pages through documents ordered by path. An empty cursor
// starts at the beginning; the returned cursor is the last path of the
// page, empty when exhausted.
func (s *MetadataStore) ListDocuments(ctx context.Context, cursor string, limit int) ([]*Document, string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, hash, indexed_at, chunk_count, extraction_method
		FROM documents WHERE path > ? ORDER BY path LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, "", qerrors.New(qerrors.ErrCodeIO, "list documents", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Path, &doc.Hash, &doc.IndexedAt, &doc.ChunkCount, &doc.ExtractionMethod); err != nil {
			return nil, "", qerrors.New(qerrors.ErrCodeIO, "scan document", err)
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, "", qerrors.New(qerrors.ErrCodeIO, "iterate documents", err)
	}

	next := ""
	if len(docs) == limit {
		next = docs[len(docs)-1].Path
	}
	return docs, next, nil
}

// DeleteDocument removes the document at path, cascading to chunks and
// vectors, and clears its progress row. Returns the chunk IDs removed so
// the caller can evict them from the derived indexes.
func (s *MetadataStore) DeleteDocument(ctx context.Context, path string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "begin delete transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	chunkIDs, err := chunkIDsForPathTx(ctx, tx, path)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "delete document", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, qerrors.NotFound(path)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM processing_progress WHERE path = ?`, path); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "delete progress", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "commit delete", err)
	}
	return chunkIDs, nil
}

// GetChunk returns one chunk by ID.
func (s *MetadataStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, ordinal, content, COALESCE(page, 0), metadata
		FROM chunks WHERE id = ?`, id)

	var ch Chunk
	if err := row.Scan(&ch.ID, &ch.DocumentID, &ch.Ordinal, &ch.Content, &ch.Page, &ch.Metadata); err != nil {
		if err == sql.ErrNoRows {
			return nil, qerrors.NotFound(id)
		}
		return nil, qerrors.New(qerrors.ErrCodeIO, "query chunk", err)
	}
	return &ch, nil
}

// GetChunks batch-fetches chunks by ID. Missing IDs are skipped.
func (s *MetadataStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, document_id, ordinal, content, COALESCE(page, 0), metadata
		FROM chunks WHERE id IN (%s)`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "query chunks", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]*Chunk, len(ids))
	for rows.Next() {
		var ch Chunk
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.Ordinal, &ch.Content, &ch.Page, &ch.Metadata); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan chunk", err)
		}
		byID[ch.ID] = &ch
	}
	if err := rows.Err(); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "iterate chunks", err)
	}

	// Preserve request order.
	out := make([]*Chunk, 0, len(byID))
	for _, id := range ids {
		if ch, ok := byID[id]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

// GetChunksByDocument returns a document's chunks in ordinal order.
func (s *MetadataStore) GetChunksByDocument(ctx context.Context, docID int64) ([]*Chunk, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, ordinal, content, COALESCE(page, 0), metadata
		FROM chunks WHERE document_id = ? ORDER BY ordinal`, docID)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "query document chunks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Chunk
	for rows.Next() {
		var ch Chunk
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.Ordinal, &ch.Content, &ch.Page, &ch.Metadata); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan chunk", err)
		}
		out = append(out, &ch)
	}
	return out, rows.Err()
}

// DocumentPathForChunk resolves a chunk ID to its document's path.
func (s *MetadataStore) DocumentPathForChunk(ctx context.Context, chunkID string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var path string
	err := s.db.QueryRowContext(ctx, `
		SELECT d.path FROM documents d
		JOIN chunks c ON c.document_id = d.id
		WHERE c.id = ?`, chunkID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", qerrors.NotFound(chunkID)
	}
	if err != nil {
		return "", qerrors.New(qerrors.ErrCodeIO, "resolve chunk path", err)
	}
	return path, nil
}

// AllChunkIDs returns every chunk ID. Used by integrity verification.
func (s *MetadataStore) AllChunkIDs(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks ORDER BY id`)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "query chunk ids", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan chunk id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllVectors implements VectorSource for index rebuilds.
func (s *MetadataStore) AllVectors(ctx context.Context) (map[string][]float32, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, embedding FROM vectors`)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "query vectors", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan vector", err)
		}
		out[id] = decodeVector(blob)
	}
	return out, rows.Err()
}

// Counts returns (documents, chunks, vectors) row counts.
func (s *MetadataStore) Counts(ctx context.Context) (docs, chunks, vectors int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, 0, 0, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM chunks),
			(SELECT COUNT(*) FROM vectors)`)
	if err := row.Scan(&docs, &chunks, &vectors); err != nil {
		return 0, 0, 0, qerrors.New(qerrors.ErrCodeIO, "count rows", err)
	}
	return docs, chunks, vectors, nil
}

// GetProgress returns the progress row for path, or a not-found error.
func (s *MetadataStore) GetProgress(ctx context.Context, path string) (*ProcessingProgress, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT path, hash, status, extraction_method, started_at, completed_at, error_message
		FROM processing_progress WHERE path = ?`, path)

	var p ProcessingProgress
	var started, completed sql.NullTime
	if err := row.Scan(&p.Path, &p.Hash, &p.Status, &p.ExtractionMethod, &started, &completed, &p.ErrorMessage); err != nil {
		if err == sql.ErrNoRows {
			return nil, qerrors.NotFound(path)
		}
		return nil, qerrors.New(qerrors.ErrCodeIO, "query progress", err)
	}
	p.StartedAt = started.Time
	p.CompletedAt = completed.Time
	return &p, nil
}

// SetProgress upserts the progress row for path.
func (s *MetadataStore) SetProgress(ctx context.Context, p *ProcessingProgress) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var started, completed any
	if !p.StartedAt.IsZero() {
		started = p.StartedAt.UTC()
	}
	if !p.CompletedAt.IsZero() {
		completed = p.CompletedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_progress (path, hash, status, extraction_method, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			hash = excluded.hash,
			status = excluded.status,
			extraction_method = excluded.extraction_method,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message`,
		p.Path, p.Hash, p.Status, p.ExtractionMethod, started, completed, p.ErrorMessage)
	if err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "upsert progress", err)
	}
	return nil
}

// ListProgressByStatus returns progress rows in the given status.
func (s *MetadataStore) ListProgressByStatus(ctx context.Context, status ProgressStatus) ([]*ProcessingProgress, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, hash, status, extraction_method, started_at, completed_at, error_message
		FROM processing_progress WHERE status = ? ORDER BY path`, status)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "list progress", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ProcessingProgress
	for rows.Next() {
		var p ProcessingProgress
		var started, completed sql.NullTime
		if err := rows.Scan(&p.Path, &p.Hash, &p.Status, &p.ExtractionMethod, &started, &completed, &p.ErrorMessage); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan progress", err)
		}
		p.StartedAt = started.Time
		p.CompletedAt = completed.Time
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteProgress removes the progress row for path.
func (s *MetadataStore) DeleteProgress(ctx context.Context, path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processing_progress WHERE path = ?`, path); err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "delete progress", err)
	}
	return nil
}

// PhantomProgressPaths returns paths whose progress is completed but
// which have no document row. These are healed by re-enqueueing.
func (s *MetadataStore) PhantomProgressPaths(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.path FROM processing_progress p
		LEFT JOIN documents d ON d.path = p.path
		WHERE p.status = ? AND d.id IS NULL ORDER BY p.path`, StatusCompleted)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "query phantom progress", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan phantom path", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// EmptyDocumentPaths returns documents indexed with zero chunks. These
// contribute nothing to search and are deleted under auto self-heal.
func (s *MetadataStore) EmptyDocumentPaths(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path FROM documents WHERE chunk_count = 0 ORDER BY path`)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "query empty documents", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan empty doc path", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// MismatchedDocumentPaths returns documents whose chunk_count claims
// chunks that have no live rows, which only happens after a partial
// cascade. Healed by reindexing.
func (s *MetadataStore) MismatchedDocumentPaths(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.path FROM documents d
		WHERE d.chunk_count > 0
		  AND (SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id) = 0
		ORDER BY d.path`)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "query mismatched documents", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan mismatched doc path", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// UpsertGraphNode inserts or refreshes a node keyed by title and returns
// its ID. Placeholder nodes keep an empty path until the note appears.
func (s *MetadataStore) UpsertGraphNode(ctx context.Context, node *GraphNode) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	frontmatter := node.Frontmatter
	if frontmatter == "" {
		frontmatter = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (path, title, frontmatter) VALUES (?, ?, ?)
		ON CONFLICT(title) DO UPDATE SET
			path = CASE WHEN excluded.path != '' THEN excluded.path ELSE graph_nodes.path END,
			frontmatter = CASE WHEN excluded.path != '' THEN excluded.frontmatter ELSE graph_nodes.frontmatter END`,
		node.Path, node.Title, frontmatter)
	if err != nil {
		return 0, qerrors.New(qerrors.ErrCodeIO, "upsert graph node", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM graph_nodes WHERE title = ?`, node.Title).Scan(&id); err != nil {
		return 0, qerrors.New(qerrors.ErrCodeIO, "query graph node id", err)
	}
	return id, nil
}

// ReplaceEdges swaps all outgoing edges of source for the given set.
func (s *MetadataStore) ReplaceEdges(ctx context.Context, source int64, edges []GraphEdge) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "begin edge transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE source = ?`, source); err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "clear edges", err)
	}
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO graph_edges (source, target, type) VALUES (?, ?, ?)`,
			e.Source, e.Target, e.Type); err != nil {
			return qerrors.New(qerrors.ErrCodeIO, "insert edge", err)
		}
	}
	return tx.Commit()
}

// GraphNodeByTitle returns the node with the given title.
func (s *MetadataStore) GraphNodeByTitle(ctx context.Context, title string) (*GraphNode, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, title, frontmatter FROM graph_nodes WHERE title = ?`, title)
	var n GraphNode
	if err := row.Scan(&n.ID, &n.Path, &n.Title, &n.Frontmatter); err != nil {
		if err == sql.ErrNoRows {
			return nil, qerrors.NotFound(title)
		}
		return nil, qerrors.New(qerrors.ErrCodeIO, "query graph node", err)
	}
	return &n, nil
}

// GraphNeighbors returns the undirected neighbor IDs of node.
func (s *MetadataStore) GraphNeighbors(ctx context.Context, node int64) ([]int64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT target FROM graph_edges WHERE source = ?
		UNION
		SELECT source FROM graph_edges WHERE target = ?`, node, node)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "query neighbors", err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan neighbor", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GraphNodesByID batch-fetches nodes.
func (s *MetadataStore) GraphNodesByID(ctx context.Context, ids []int64) ([]*GraphNode, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, path, title, frontmatter FROM graph_nodes WHERE id IN (%s)`,
		strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIO, "query graph nodes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*GraphNode
	for rows.Next() {
		var n GraphNode
		if err := rows.Scan(&n.ID, &n.Path, &n.Title, &n.Frontmatter); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "scan graph node", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// DeleteGraphForPath removes the node owned by path. Edges cascade; the
// node survives as a placeholder if other notes still link to it.
func (s *MetadataStore) DeleteGraphForPath(ctx context.Context, path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "begin graph delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM graph_nodes WHERE path = ?`, path).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "query graph node", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE source = ?`, id); err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "delete outgoing edges", err)
	}

	var incoming int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_edges WHERE target = ?`, id).Scan(&incoming); err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "count incoming edges", err)
	}
	if incoming == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = ?`, id); err != nil {
			return qerrors.New(qerrors.ErrCodeIO, "delete graph node", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE graph_nodes SET path = '' WHERE id = ?`, id); err != nil {
			return qerrors.New(qerrors.ErrCodeIO, "demote graph node", err)
		}
	}
	return tx.Commit()
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (s *MetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// encodeVector packs a float32 slice into a little-endian blob.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a blob written by encodeVector.
func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

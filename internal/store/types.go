// Package store is the persistence layer: SQLite metadata (source of
// truth), the HNSW vector index, and the BM25 full-text index.
package store

import (
	"context"
	"time"
)

// ProgressStatus tracks a document through the pipeline.
type ProgressStatus string

const (
	StatusPending    ProgressStatus = "pending"
	StatusInProgress ProgressStatus = "in_progress"
	StatusCompleted  ProgressStatus = "completed"
	StatusRejected   ProgressStatus = "rejected"
	StatusFailed     ProgressStatus = "failed"
)

// Document is one indexed file.
type Document struct {
	ID               int64
	Path             string // canonical, relative to root
	Hash             string // SHA-256 hex of content at index time
	IndexedAt        time.Time
	ChunkCount       int
	ExtractionMethod string
}

// Chunk is one stored retrieval unit. ID is content-addressable:
// SHA-256 of (path, content hash, ordinal), stable across unrelated edits.
type Chunk struct {
	ID         string
	DocumentID int64
	Ordinal    int
	Content    string
	Page       int    // 1-based, 0 when the format has no pages
	Metadata   string // JSON: headers, tags, links
}

// ProcessingProgress is the per-path resumability record.
type ProcessingProgress struct {
	Path             string
	Hash             string
	Status           ProgressStatus
	ExtractionMethod string
	StartedAt        time.Time
	CompletedAt      time.Time // zero unless Status == completed
	ErrorMessage     string
}

// GraphNode is one note in the vault graph. Placeholder nodes (wikilink
// targets that do not exist yet) have an empty Path.
type GraphNode struct {
	ID          int64
	Path        string
	Title       string
	Frontmatter string // JSON
}

// EdgeType classifies a graph edge.
type EdgeType string

const (
	EdgeWikilink EdgeType = "wikilink"
	EdgeTag      EdgeType = "tag"
	EdgeHeader   EdgeType = "header"
)

// GraphEdge links two graph nodes.
type GraphEdge struct {
	Source int64
	Target int64
	Type   EdgeType
}

// VectorResult is one k-NN hit.
type VectorResult struct {
	ChunkID  string
	Distance float32 // cosine distance, 0 (identical) to 2 (opposite)
	Score    float32 // 1 - distance/2, in [0,1]
}

// FTSResult is one BM25 hit.
type FTSResult struct {
	ChunkID string
	Score   float64
}

// VectorIndex is the approximate k-NN index. It is a derived artifact;
// the vectors table is the source of truth and every recovery path is
// RebuildFromVectors.
type VectorIndex interface {
	Insert(ctx context.Context, chunkID string, vector []float32) error
	InsertBatch(ctx context.Context, chunkIDs []string, vectors [][]float32) error
	Delete(ctx context.Context, chunkIDs []string) error

	// Search returns the k nearest chunks. searchQuality widens the
	// query-time beam; values below 2*k are raised to 2*k.
	Search(ctx context.Context, query []float32, k, searchQuality int) ([]VectorResult, error)

	Contains(chunkID string) bool
	Count() int
	AllIDs() []string

	// Flush durably persists the index. Called by the background timer
	// and at Close; never per write.
	Flush() error

	// RebuildFromVectors reconstructs the index from the vectors table.
	RebuildFromVectors(ctx context.Context, source VectorSource) error

	Close() error
}

// VectorSource supplies stored embeddings for index rebuilds.
type VectorSource interface {
	AllVectors(ctx context.Context) (map[string][]float32, error)
}

// FTSIndex is the BM25 keyword index.
type FTSIndex interface {
	Index(ctx context.Context, chunkID, text string) error
	IndexBatch(ctx context.Context, chunkIDs []string, texts []string) error
	Delete(ctx context.Context, chunkIDs []string) error
	Search(ctx context.Context, query string, k int) ([]FTSResult, error)
	AllIDs() ([]string, error)
	Count() (int, error)
	Close() error
}

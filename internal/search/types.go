// Package search implements hybrid retrieval: vector k-NN and BM25
// keyword lists fused with Reciprocal Rank Fusion, with optional query
// decomposition and reranking.
package search

import (
	"context"
)

// Result is one ranked search hit.
type Result struct {
	// ChunkID identifies the chunk.
	ChunkID string `json:"chunk_id"`

	// Content is the chunk text.
	Content string `json:"content"`

	// Path is the source document path, relative to the watched root.
	Path string `json:"path"`

	// Page is the 1-based source page, 0 when the format has no pages.
	Page int `json:"page,omitempty"`

	// Score is the fused RRF score, normalized to [0,1].
	Score float64 `json:"score"`

	// RerankScore is set when a reranker reordered the results.
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// Options controls one query.
type Options struct {
	// TopK is the number of results to return (default 5).
	TopK int

	// Threshold drops results whose fused score falls below it.
	Threshold float64

	// Decompose enables conjunction splitting ("X and Y", "X vs Y").
	Decompose bool

	// Rerank passes the top candidates through the configured reranker.
	Rerank bool
}

// WithDefaults fills zero values.
func (o Options) WithDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	return o
}

// Reranker reorders the top fused candidates by a higher-fidelity score.
type Reranker interface {
	// Rerank returns candidates reordered best-first with RerankScore set.
	Rerank(ctx context.Context, query string, candidates []Result) ([]Result, error)
}

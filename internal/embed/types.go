// Package embed generates vector embeddings for chunk text and queries.
//
// The default provider is Ollama over its local HTTP API; a deterministic
// hash-based static embedder serves as the no-dependency fallback so the
// engine degrades to keyword-dominant search rather than failing.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize is the number of texts per embedding request.
	DefaultBatchSize = 32

	// DefaultMaxRetries is the retry budget for transient failures.
	DefaultMaxRetries = 3

	// DefaultWarmTimeout applies when the model answered recently.
	DefaultWarmTimeout = 60 * time.Second

	// DefaultColdTimeout applies on the first call or after the model has
	// likely been unloaded. Cold loads can take tens of seconds.
	DefaultColdTimeout = 180 * time.Second

	// ModelUnloadThreshold is how long Ollama keeps an idle model loaded.
	ModelUnloadThreshold = 5 * time.Minute

	// DefaultDimensions is the dimension of the default embedding model.
	DefaultDimensions = 768
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the embedder is ready to serve.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales v to unit length. Zero vectors pass through.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

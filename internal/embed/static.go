package embed

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

// StaticDimensions is the dimension of the hash-based embedder.
const StaticDimensions = 256

// Hash-vector weights.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

var staticTokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// staticStopWords are filtered before hashing; they carry no signal and
// would dominate the vector for prose documents.
var staticStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "to": true, "in": true, "on": true, "for": true,
	"is": true, "are": true, "was": true, "be": true, "it": true,
	"this": true, "that": true, "with": true, "as": true, "at": true,
}

// StaticEmbedder generates deterministic hash-based embeddings with no
// network or model dependency. Semantic quality is deliberately poor; it
// exists so the engine can run keyword-dominant when Ollama is absent.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed generates a deterministic embedding for text.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, qerrors.New(qerrors.ErrCodeStoreClosed, "embedder is closed", nil)
	}
	e.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}
	return normalizeVector(e.generateVector(trimmed)), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int { return StaticDimensions }

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string { return "static-hash-256" }

// Available always reports true; the static embedder has no dependencies.
func (e *StaticEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close marks the embedder closed.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// generateVector buckets token and character-trigram hashes into the vector.
func (e *StaticEmbedder) generateVector(text string) []float32 {
	vector := make([]float32, StaticDimensions)

	for _, token := range staticTokenize(text) {
		vector[hashToIndex(token, StaticDimensions)] += tokenWeight
	}

	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	for _, ngram := range extractNgrams(normalized, ngramSize) {
		vector[hashToIndex(ngram, StaticDimensions)] += ngramWeight
	}

	return vector
}

func staticTokenize(text string) []string {
	var tokens []string
	for _, word := range staticTokenRe.FindAllString(text, -1) {
		lower := strings.ToLower(word)
		if lower == "" || staticStopWords[lower] {
			continue
		}
		tokens = append(tokens, lower)
	}
	return tokens
}

func extractNgrams(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		return nil
	}
	out := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		out = append(out, string(runes[i:i+n]))
	}
	return out
}

func hashToIndex(s string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dims))
}

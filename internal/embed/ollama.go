package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

// Ollama API constants.
const (
	// DefaultOllamaHost is the default Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model.
	DefaultOllamaModel = "nomic-embed-text"

	// ollamaConnectTimeout bounds the availability probe.
	ollamaConnectTimeout = 5 * time.Second

	// ollamaPoolSize is the HTTP connection pool size.
	ollamaPoolSize = 4
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	// Host is the Ollama API endpoint (default: http://localhost:11434).
	Host string

	// Model is the embedding model to use.
	Model string

	// Dimensions overrides auto-detection when non-zero.
	Dimensions int

	// BatchSize for batch embedding requests (default: 32).
	BatchSize int

	// MaxRetries for transient failures (default: 3).
	MaxRetries int

	// SkipPreflight skips the startup availability and dimension probe.
	SkipPreflight bool
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"` // string or []string
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// OllamaEmbedder generates embeddings using Ollama's HTTP API.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig
	dims      int

	mu       sync.RWMutex
	closed   bool
	lastCall time.Time // warm/cold timeout selection
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an Ollama embedder. Unless SkipPreflight is
// set it probes the endpoint, embeds a sentinel text, and verifies the
// returned dimension against cfg.Dimensions.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	// No client-level timeout: per-request context timeouts carry the
	// warm/cold distinction instead.
	transport := &http.Transport{
		MaxIdleConns:        ollamaPoolSize,
		MaxIdleConnsPerHost: ollamaPoolSize,
		MaxConnsPerHost:     ollamaPoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	e := &OllamaEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}

	if !cfg.SkipPreflight {
		probeCtx, cancel := context.WithTimeout(ctx, DefaultColdTimeout)
		defer cancel()

		dims, err := e.probeDimensions(probeCtx)
		if err != nil {
			transport.CloseIdleConnections()
			return nil, qerrors.New(qerrors.ErrCodeEmbeddingFailed,
				"ollama preflight failed", err)
		}
		if cfg.Dimensions != 0 && dims != cfg.Dimensions {
			transport.CloseIdleConnections()
			return nil, qerrors.New(qerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("model returns %d dimensions, store expects %d", dims, cfg.Dimensions), nil).
				WithDetail("configured", strconv.Itoa(cfg.Dimensions)).
				WithDetail("model", strconv.Itoa(dims))
		}
		e.dims = dims
	}

	if e.dims == 0 {
		e.dims = DefaultDimensions
	}
	return e, nil
}

// probeDimensions embeds a sentinel text to confirm the model works and to
// learn its output dimension.
func (e *OllamaEmbedder) probeDimensions(ctx context.Context) (int, error) {
	vecs, err := e.doEmbed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return 0, qerrors.New(qerrors.ErrCodeEmbeddingFailed, "empty embedding returned", nil)
	}
	return len(vecs[0]), nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dims), nil
	}

	vecs, err := e.doEmbedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, qerrors.New(qerrors.ErrCodeEmbeddingFailed, "no embedding returned", nil)
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts. Empty texts embed to
// zero vectors without an API call.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	type indexed struct {
		idx  int
		text string
	}
	results := make([][]float32, len(texts))
	var pending []indexed
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.dims)
		} else {
			pending = append(pending, indexed{i, text})
		}
	}

	for start := 0; start < len(pending); start += e.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(start+e.config.BatchSize, len(pending))
		batch := pending[start:end]
		batchTexts := make([]string, len(batch))
		for i, it := range batch {
			batchTexts[i] = it.text
		}

		vecs, err := e.doEmbedWithRetry(ctx, batchTexts)
		if err != nil {
			return nil, err
		}
		for i, vec := range vecs {
			results[batch[i].idx] = vec
		}
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *OllamaEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string { return e.config.Model }

// Available probes the Ollama endpoint.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, ollamaConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases the connection pool. Idempotent.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

func (e *OllamaEmbedder) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return qerrors.New(qerrors.ErrCodeStoreClosed, "embedder is closed", nil)
	}
	return nil
}

// timeout returns the cold timeout on the first call or after the model has
// likely been unloaded, the warm timeout otherwise.
func (e *OllamaEmbedder) timeout() time.Duration {
	e.mu.RLock()
	lastCall := e.lastCall
	e.mu.RUnlock()

	if lastCall.IsZero() || time.Since(lastCall) > ModelUnloadThreshold {
		return DefaultColdTimeout
	}
	return DefaultWarmTimeout
}

func (e *OllamaEmbedder) updateLastCall() {
	e.mu.Lock()
	e.lastCall = time.Now()
	e.mu.Unlock()
}

// doEmbedWithRetry retries transient failures with exponential backoff.
func (e *OllamaEmbedder) doEmbedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if attempt > 0 {
			backoff := time.Duration(100<<attempt) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, e.timeout())
		vecs, err := e.doEmbed(reqCtx, texts)
		cancel()

		if err == nil {
			e.updateLastCall()
			return vecs, nil
		}
		lastErr = err

		slog.Debug("embedding attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("texts", len(texts)),
			slog.String("error", err.Error()))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, qerrors.New(qerrors.ErrCodeEmbeddingFailed,
		fmt.Sprintf("embedding failed after %d attempts", e.config.MaxRetries), lastErr)
}

// doEmbed performs a single /api/embed request.
func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: input})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, qerrors.New(qerrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("ollama returned status %d", resp.StatusCode), nil).
			WithDetail("body", strings.TrimSpace(string(respBody)))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		vecs[i] = normalizeVector(vec)
	}
	return vecs, nil
}

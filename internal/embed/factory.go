package embed

import (
	"context"
	"log/slog"

	"github.com/quarrydocs/quarry/internal/config"
	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

// Provider identifies an embedding backend.
type Provider string

const (
	// ProviderOllama embeds via the local Ollama HTTP API (default).
	ProviderOllama Provider = "ollama"

	// ProviderStatic embeds via the deterministic hash embedder.
	ProviderStatic Provider = "static"
)

// NewEmbedder builds the configured embedder, wrapped in the content-hash
// LRU cache. When Ollama is configured but unreachable the engine falls
// back to the static embedder so ingestion and keyword search keep working;
// the degradation is logged, never silent.
func NewEmbedder(ctx context.Context, cfg config.EmbedConfig) (Embedder, error) {
	var inner Embedder

	switch Provider(cfg.Provider) {
	case ProviderStatic:
		inner = NewStaticEmbedder()

	case ProviderOllama, "":
		ollama, err := NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.OllamaHost,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		})
		if err != nil {
			if qerrors.HasCode(err, qerrors.ErrCodeDimensionMismatch) {
				return nil, err
			}
			slog.Warn("ollama unavailable, falling back to static embedder",
				slog.String("host", cfg.OllamaHost),
				slog.String("model", cfg.Model),
				slog.String("error", err.Error()))
			inner = NewStaticEmbedder()
		} else {
			inner = ollama
		}

	default:
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid,
			"unknown embedding provider: "+cfg.Provider, nil)
	}

	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}

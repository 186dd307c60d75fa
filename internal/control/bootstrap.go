package control

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/quarrydocs/quarry/internal/chunk"
	"github.com/quarrydocs/quarry/internal/config"
	"github.com/quarrydocs/quarry/internal/embed"
	qerrors "github.com/quarrydocs/quarry/internal/errors"
	"github.com/quarrydocs/quarry/internal/extract"
	"github.com/quarrydocs/quarry/internal/fingerprint"
	"github.com/quarrydocs/quarry/internal/graph"
	"github.com/quarrydocs/quarry/internal/pipeline"
	"github.com/quarrydocs/quarry/internal/queue"
	"github.com/quarrydocs/quarry/internal/sanitize"
	"github.com/quarrydocs/quarry/internal/search"
	"github.com/quarrydocs/quarry/internal/store"
	"github.com/quarrydocs/quarry/internal/validate"
	"github.com/quarrydocs/quarry/internal/watcher"
)

// LockFileName is the single-instance guard inside the data directory.
// SQLite, bleve, and the vector index file all assume one writer.
const LockFileName = "quarry.lock"

// Bootstrap assembles a fully wired Service from configuration. The
// caller owns the returned service and must Close it.
func Bootstrap(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.Paths.DataDir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, qerrors.New(qerrors.ErrCodeRejected,
			"another quarry instance holds "+lock.Path(), nil)
	}
	release := lock.Unlock

	fail := func(err error) (*Service, error) {
		_ = release()
		return nil, err
	}

	fp, err := fingerprint.NewService(cfg.Paths.Root)
	if err != nil {
		return fail(err)
	}

	meta, err := store.OpenMetadataStore(filepath.Join(cfg.Paths.DataDir, "quarry.db"))
	if err != nil {
		return fail(err)
	}

	embedder, err := embed.NewEmbedder(ctx, cfg.Embed)
	if err != nil {
		_ = meta.Close()
		return fail(err)
	}

	vectors, err := store.NewHNSWIndex(store.VectorIndexConfig{
		Path:          filepath.Join(cfg.Paths.DataDir, "vectors.hnsw"),
		Dimensions:    embedder.Dimensions(),
		M:             cfg.Index.M,
		EfSearch:      cfg.Index.EfSearch,
		FlushInterval: cfg.Index.FlushInterval,
	})
	if err != nil {
		_ = meta.Close()
		return fail(err)
	}

	fts, err := store.NewFTSIndex(cfg.Paths.DataDir, cfg.Index.FTSBackend)
	if err != nil {
		_ = vectors.Close()
		_ = meta.Close()
		return fail(err)
	}

	searcher, err := search.NewSearcher(embedder, vectors, fts, meta,
		&search.TermOverlapReranker{}, cfg.Search, log)
	if err != nil {
		_ = fts.Close()
		_ = vectors.Close()
		_ = meta.Close()
		return fail(err)
	}

	coordinator := pipeline.NewCoordinator(cfg.Pipeline,
		chunk.Config{
			MaxTokens:     cfg.Chunking.MaxTokens,
			OverlapTokens: cfg.Chunking.OverlapTokens,
		},
		pipeline.Deps{
			Fingerprint: fp,
			Validator:   validate.NewDefaultValidator(cfg.Pipeline.MaxFileSize),
			Quarantine:  validate.NewQuarantine(cfg.Paths.Quarantine),
			Extractors:  extract.Default(),
			Counter:     chunk.NewTokenCounter(),
			Embedder:    embedder,
			Meta:        meta,
			Vectors:     vectors,
			FTS:         fts,
			Graph:       graph.NewService(meta),
			Invalidate:  searcher.Invalidate,
			Log:         log,
		})

	healer := sanitize.NewHealer(sanitize.Options{
		Fingerprint: fp,
		Filter:      watcher.NewFilter(cfg.Watcher.Extensions, cfg.Watcher.Exclude),
		Meta:        meta,
		Vectors:     vectors,
		FTS:         fts,
		Submit: func(ctx context.Context, path string, priority queue.Priority, force bool) error {
			_, err := coordinator.Submit(ctx, path, priority, force)
			return err
		},
		Invalidate:   searcher.Invalidate,
		AutoSelfHeal: cfg.Healing.AutoSelfHeal,
		Log:          log,
	})

	w := watcher.New(cfg.Paths.Root, watcher.Options{
		DebounceWindow: cfg.Watcher.DebounceWindow,
		TickInterval:   cfg.Watcher.TickInterval,
		Extensions:     cfg.Watcher.Extensions,
		Exclude:        cfg.Watcher.Exclude,
	})

	return NewService(Components{
		Config:      cfg,
		Fingerprint: fp,
		Meta:        meta,
		Vectors:     vectors,
		FTS:         fts,
		Embedder:    embedder,
		Searcher:    searcher,
		Coordinator: coordinator,
		Healer:      healer,
		Watcher:     w,
		Log:         log,
		Release:     release,
	}), nil
}

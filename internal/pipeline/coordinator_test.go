package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydocs/quarry/internal/chunk"
	"github.com/quarrydocs/quarry/internal/config"
	"github.com/quarrydocs/quarry/internal/embed"
	qerrors "github.com/quarrydocs/quarry/internal/errors"
	"github.com/quarrydocs/quarry/internal/extract"
	"github.com/quarrydocs/quarry/internal/fingerprint"
	"github.com/quarrydocs/quarry/internal/graph"
	"github.com/quarrydocs/quarry/internal/queue"
	"github.com/quarrydocs/quarry/internal/store"
	"github.com/quarrydocs/quarry/internal/validate"
)

type fixture struct {
	root    string
	fp      *fingerprint.Service
	meta    *store.MetadataStore
	vectors *store.HNSWIndex
	fts     store.FTSIndex
	coord   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	fp, err := fingerprint.NewService(root)
	require.NoError(t, err)

	meta, err := store.OpenMetadataStore(filepath.Join(t.TempDir(), "quarry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	vectors, err := store.NewHNSWIndex(store.VectorIndexConfig{
		Dimensions:    embed.StaticDimensions,
		FlushInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	fts, err := store.NewFTSIndex("", "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fts.Close() })

	coord := NewCoordinator(
		config.PipelineConfig{
			QueueCapacity: 100,
			ChunkWorkers:  2,
			EmbedWorkers:  2,
			StageBuffer:   8,
		},
		chunk.Config{},
		Deps{
			Fingerprint: fp,
			Validator:   validate.NewDefaultValidator(0),
			Quarantine:  validate.NewQuarantine(filepath.Join(t.TempDir(), "quarantine")),
			Extractors:  extract.Default(),
			Counter:     chunk.NewTokenCounter(),
			Embedder:    embed.NewStaticEmbedder(),
			Meta:        meta,
			Vectors:     vectors,
			FTS:         fts,
			Graph:       graph.NewService(meta),
			Log:         slog.Default(),
		},
	)

	return &fixture{root: root, fp: fp, meta: meta, vectors: vectors, fts: fts, coord: coord}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

// waitForDoc polls until the path has a document row or the deadline hits.
func (f *fixture) waitForDoc(t *testing.T, path string) *store.Document {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := f.meta.GetDocumentByPath(context.Background(), path)
		if err == nil {
			return doc
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("document %s never indexed", path)
	return nil
}

func (f *fixture) waitForStatus(t *testing.T, path string, status store.ProgressStatus) *store.ProcessingProgress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		p, err := f.meta.GetProgress(context.Background(), path)
		if err == nil && p.Status == status {
			return p
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("path %s never reached status %s", path, status)
	return nil
}

func TestCoordinator_IngestEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.write(t, "notes/soup.md", "# Tomato Soup\n\nSimmer tomatoes with basil.\n")

	require.NoError(t, f.coord.Start(context.Background()))
	defer func() { _ = f.coord.Stop(true) }()

	outcome, err := f.coord.Submit(context.Background(), "notes/soup.md", queue.PriorityNormal, false)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeEnqueued, outcome)

	doc := f.waitForDoc(t, "notes/soup.md")
	assert.Equal(t, "markdown", doc.ExtractionMethod)
	assert.Positive(t, doc.ChunkCount)

	// All three stores agree.
	assert.Equal(t, doc.ChunkCount, f.vectors.Count())
	ftsCount, err := f.fts.Count()
	require.NoError(t, err)
	assert.Equal(t, doc.ChunkCount, ftsCount)

	hits, err := f.fts.Search(context.Background(), "basil", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestCoordinator_UnchangedFileSkipped(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.md", "# A\n\nstable content\n")

	require.NoError(t, f.coord.Start(context.Background()))
	defer func() { _ = f.coord.Stop(true) }()

	_, err := f.coord.Submit(context.Background(), "a.md", queue.PriorityNormal, false)
	require.NoError(t, err)
	doc := f.waitForDoc(t, "a.md")
	first := doc.IndexedAt

	// Resubmit without force; the hash check short-circuits.
	_, err = f.coord.Submit(context.Background(), "a.md", queue.PriorityNormal, false)
	require.NoError(t, err)

	// Drain: stop gracefully, then confirm nothing re-indexed.
	require.NoError(t, f.coord.Stop(true))
	doc, err = f.meta.GetDocumentByPath(context.Background(), "a.md")
	require.NoError(t, err)
	assert.True(t, doc.IndexedAt.Equal(first))
}

func TestCoordinator_ForceReindexes(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.md", "# A\n\ncontent\n")

	require.NoError(t, f.coord.Start(context.Background()))

	_, err := f.coord.Submit(context.Background(), "a.md", queue.PriorityNormal, false)
	require.NoError(t, err)
	doc := f.waitForDoc(t, "a.md")
	first := doc.IndexedAt

	time.Sleep(10 * time.Millisecond) // IndexedAt granularity
	_, err = f.coord.Submit(context.Background(), "a.md", queue.PriorityHigh, true)
	require.NoError(t, err)
	require.NoError(t, f.coord.Stop(true))

	doc, err = f.meta.GetDocumentByPath(context.Background(), "a.md")
	require.NoError(t, err)
	assert.True(t, doc.IndexedAt.After(first))
}

func TestCoordinator_ModifiedFileReplacesChunks(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.md", "# A\n\noriginal text about volcanoes\n")

	require.NoError(t, f.coord.Start(context.Background()))

	_, err := f.coord.Submit(context.Background(), "a.md", queue.PriorityNormal, false)
	require.NoError(t, err)
	f.waitForDoc(t, "a.md")

	f.write(t, "a.md", "# A\n\nreplacement text about glaciers\n")
	_, err = f.coord.Submit(context.Background(), "a.md", queue.PriorityNormal, false)
	require.NoError(t, err)
	require.NoError(t, f.coord.Stop(true))

	ctx := context.Background()
	stale, err := f.fts.Search(ctx, "volcanoes", 5)
	require.NoError(t, err)
	assert.Empty(t, stale)
	fresh, err := f.fts.Search(ctx, "glaciers", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh)

	doc, err := f.meta.GetDocumentByPath(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, doc.ChunkCount, f.vectors.Count())
}

func TestCoordinator_BinaryFileRejectedAndQuarantined(t *testing.T) {
	f := newFixture(t)
	f.write(t, "bad.md", "text\x00with\x00nul\x00bytes")

	require.NoError(t, f.coord.Start(context.Background()))
	defer func() { _ = f.coord.Stop(true) }()

	_, err := f.coord.Submit(context.Background(), "bad.md", queue.PriorityNormal, false)
	require.NoError(t, err)

	p := f.waitForStatus(t, "bad.md", store.StatusRejected)
	assert.NotEmpty(t, p.ErrorMessage)

	// Critical rejection moved the file out of the root.
	_, statErr := os.Stat(filepath.Join(f.root, "bad.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCoordinator_DeleteRemovesEverywhere(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.md", "# A\n\nsome [[B]] content #tagged\n")

	require.NoError(t, f.coord.Start(context.Background()))
	defer func() { _ = f.coord.Stop(true) }()

	_, err := f.coord.Submit(context.Background(), "a.md", queue.PriorityNormal, false)
	require.NoError(t, err)
	f.waitForDoc(t, "a.md")

	require.NoError(t, f.coord.Delete(context.Background(), "a.md"))

	ctx := context.Background()
	_, err = f.meta.GetDocumentByPath(ctx, "a.md")
	assert.True(t, qerrors.IsNotFound(err))
	assert.Zero(t, f.vectors.Count())
	count, err := f.fts.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCoordinator_DeleteNeverIndexedIsNoop(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.coord.Delete(context.Background(), "ghost.md"))
}

func TestCoordinator_PauseHoldsQueue(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.md", "# A\n\ncontent\n")

	require.NoError(t, f.coord.Start(context.Background()))
	defer func() { _ = f.coord.Stop(true) }()

	f.coord.Pause()
	assert.True(t, f.coord.Paused())

	_, err := f.coord.Submit(context.Background(), "a.md", queue.PriorityNormal, false)
	require.NoError(t, err)

	// Paused queue holds the item.
	time.Sleep(100 * time.Millisecond)
	_, err = f.meta.GetDocumentByPath(context.Background(), "a.md")
	assert.True(t, qerrors.IsNotFound(err))

	f.coord.Resume()
	f.waitForDoc(t, "a.md")
}

func TestCoordinator_QueueFullRejects(t *testing.T) {
	f := newFixture(t)
	small := NewCoordinator(
		config.PipelineConfig{QueueCapacity: 1, ChunkWorkers: 1, EmbedWorkers: 1, StageBuffer: 1},
		chunk.Config{},
		f.coord.deps,
	)
	// Not started, so nothing dequeues.
	f.write(t, "a.md", "x")
	f.write(t, "b.md", "y")

	_, err := small.Submit(context.Background(), "a.md", queue.PriorityNormal, false)
	require.NoError(t, err)
	_, err = small.Submit(context.Background(), "b.md", queue.PriorityNormal, false)
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeRejected))
}

func TestCoordinator_GracefulStopDrains(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a.md", "b.md", "c.md"} {
		f.write(t, name, "# "+name+"\n\ncontent of "+name+"\n")
	}

	require.NoError(t, f.coord.Start(context.Background()))
	for _, name := range []string{"a.md", "b.md", "c.md"} {
		_, err := f.coord.Submit(context.Background(), name, queue.PriorityNormal, false)
		require.NoError(t, err)
	}

	require.NoError(t, f.coord.Stop(true))

	ctx := context.Background()
	for _, name := range []string{"a.md", "b.md", "c.md"} {
		_, err := f.meta.GetDocumentByPath(ctx, name)
		assert.NoError(t, err, name)
	}
}

func TestCoordinator_SnapshotShape(t *testing.T) {
	f := newFixture(t)
	snap := f.coord.Snapshot()
	require.Len(t, snap.Stages, 3)
	assert.Equal(t, "extract", snap.Stages[0].Name)
	assert.Equal(t, "embed", snap.Stages[1].Name)
	assert.Equal(t, "store", snap.Stages[2].Name)
	assert.False(t, snap.Paused)
	for _, stage := range snap.Stages {
		assert.Empty(t, stage.ActivePaths, stage.Name)
	}
}

func TestCoordinator_PendingProgressRecordedOnSubmit(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.md", "# A\n\ncontent\n")

	// Not started: the item stays queued, as it would across a crash.
	_, err := f.coord.Submit(context.Background(), "a.md", queue.PriorityNormal, false)
	require.NoError(t, err)

	p, err := f.meta.GetProgress(context.Background(), "a.md")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, p.Status)
}

// gatedEmbedder holds EmbedBatch until released, pinning a job inside
// the embed stage.
type gatedEmbedder struct {
	embed.Embedder
	gate chan struct{}
}

func (g *gatedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	<-g.gate
	return g.Embedder.EmbedBatch(ctx, texts)
}

func TestCoordinator_SnapshotNamesActivePaths(t *testing.T) {
	f := newFixture(t)
	gated := &gatedEmbedder{Embedder: embed.NewStaticEmbedder(), gate: make(chan struct{})}
	deps := f.coord.deps
	deps.Embedder = gated
	coord := NewCoordinator(
		config.PipelineConfig{QueueCapacity: 10, ChunkWorkers: 1, EmbedWorkers: 1, StageBuffer: 2},
		chunk.Config{},
		deps,
	)
	f.write(t, "a.md", "# A\n\ncontent\n")

	require.NoError(t, coord.Start(context.Background()))
	_, err := coord.Submit(context.Background(), "a.md", queue.PriorityNormal, false)
	require.NoError(t, err)

	seen := false
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap := coord.Snapshot()
		if paths := snap.Stages[1].ActivePaths; len(paths) > 0 {
			assert.Equal(t, []string{"a.md"}, paths)
			assert.Equal(t, 1, snap.Stages[1].Active)
			seen = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(gated.gate)
	require.NoError(t, coord.Stop(true))
	assert.True(t, seen, "embed stage never reported an active path")
}

func TestChunkID_Stable(t *testing.T) {
	a := chunkID("a.md", "hash1", 0)
	assert.Equal(t, a, chunkID("a.md", "hash1", 0))
	assert.NotEqual(t, a, chunkID("a.md", "hash1", 1))
	assert.NotEqual(t, a, chunkID("a.md", "hash2", 0))
	assert.NotEqual(t, a, chunkID("b.md", "hash1", 0))
}

package control

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
	"github.com/quarrydocs/quarry/internal/pipeline"
	"github.com/quarrydocs/quarry/internal/queue"
	"github.com/quarrydocs/quarry/internal/sanitize"
	"github.com/quarrydocs/quarry/internal/search"
	"github.com/quarrydocs/quarry/internal/store"
	"github.com/quarrydocs/quarry/internal/validate"
	"github.com/quarrydocs/quarry/internal/watcher"
)

type serviceFixture struct {
	root    string
	meta    *store.MetadataStore
	service *Service
}

// newServiceFixture assembles a service on in-memory indexes with the
// static embedder; no watcher, no instance lock.
func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default(root)
	cfg.Paths.DataDir = t.TempDir()

	fp, err := fingerprint.NewService(root)
	require.NoError(t, err)

	meta, err := store.OpenMetadataStore(filepath.Join(cfg.Paths.DataDir, "quarry.db"))
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

	embedder := embed.NewStaticEmbedder()

	searcher, err := search.NewSearcher(embedder, vectors, fts, meta, nil, cfg.Search, slog.Default())
	require.NoError(t, err)

	coordinator := pipeline.NewCoordinator(
		config.PipelineConfig{QueueCapacity: 100, ChunkWorkers: 1, EmbedWorkers: 1, StageBuffer: 4},
		chunk.Config{},
		pipeline.Deps{
			Fingerprint: fp,
			Validator:   validate.NewDefaultValidator(0),
			Quarantine:  validate.NewQuarantine(filepath.Join(cfg.Paths.DataDir, "quarantine")),
			Extractors:  extract.Default(),
			Counter:     chunk.NewTokenCounter(),
			Embedder:    embedder,
			Meta:        meta,
			Vectors:     vectors,
			FTS:         fts,
			Graph:       graph.NewService(meta),
			Invalidate:  searcher.Invalidate,
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
		AutoSelfHeal: true,
	})

	svc := NewService(Components{
		Config:      cfg,
		Fingerprint: fp,
		Meta:        meta,
		Vectors:     vectors,
		FTS:         fts,
		Embedder:    embedder,
		Searcher:    searcher,
		Coordinator: coordinator,
		Healer:      healer,
	})

	require.NoError(t, coordinator.Start(context.Background()))
	t.Cleanup(func() { _ = coordinator.Stop(true) })

	return &serviceFixture{root: root, meta: meta, service: svc}
}

func (f *serviceFixture) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (f *serviceFixture) ingestAndWait(t *testing.T, rel string) {
	t.Helper()
	res, err := f.service.Ingest(context.Background(), rel, queue.PriorityNormal, false)
	require.NoError(t, err)
	require.Equal(t, "enqueued", res.Outcome)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.meta.GetDocumentByPath(context.Background(), rel); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("document %s never indexed", rel)
}

func TestService_IngestAndQuery(t *testing.T) {
	f := newServiceFixture(t)
	f.write(t, "notes/soup.md", "# Tomato Soup\n\nSimmer ripe tomatoes with fresh basil leaves.\n")
	f.write(t, "notes/devops.md", "# Rollouts\n\nKubernetes deployment rollout strategies and probes.\n")
	f.ingestAndWait(t, "notes/soup.md")
	f.ingestAndWait(t, "notes/devops.md")

	results, err := f.service.Query(context.Background(), "tomato basil soup", search.Options{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "notes/soup.md", results[0].Path)
}

func TestService_QueryEmptyText(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.Query(context.Background(), "", search.Options{})
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeQueryEmpty))
}

func TestService_IngestOutsideRoot(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.Ingest(context.Background(), "../outside.md", queue.PriorityNormal, false)
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodePathEscapesRoot))
}

func TestService_PauseResumeClear(t *testing.T) {
	f := newServiceFixture(t)

	state := f.service.Pause()
	assert.True(t, state.Paused)

	f.write(t, "a.md", "content")
	_, err := f.service.Ingest(context.Background(), "a.md", queue.PriorityNormal, false)
	require.NoError(t, err)

	state = f.service.Clear()
	assert.Zero(t, state.QueueSize)

	state = f.service.Resume()
	assert.False(t, state.Paused)
}

func TestService_HealthAndStatus(t *testing.T) {
	f := newServiceFixture(t)
	f.write(t, "a.md", "# A\n\nsome indexable content here\n")
	f.ingestAndWait(t, "a.md")

	health, err := f.service.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, health.DocumentCount)
	assert.Positive(t, health.ChunkCount)
	assert.Equal(t, health.ChunkCount, health.VectorCount)
	assert.Equal(t, "static-hash-256", health.ModelName)
	assert.True(t, health.EmbedderAvailable)

	status := f.service.Status()
	require.Len(t, status.Stages, 3)
}

func TestService_ListDocumentsGlob(t *testing.T) {
	f := newServiceFixture(t)
	f.write(t, "notes/a.md", "alpha")
	f.write(t, "docs/b.md", "beta")
	f.ingestAndWait(t, "notes/a.md")
	f.ingestAndWait(t, "docs/b.md")

	all, err := f.service.ListDocuments(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	notes, err := f.service.ListDocuments(context.Background(), "notes/*")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "notes/a.md", notes[0].Path)

	_, err = f.service.ListDocuments(context.Background(), "[")
	assert.Error(t, err)
}

func TestService_GetDocument(t *testing.T) {
	f := newServiceFixture(t)
	f.write(t, "a.md", "# A\n\ncontent\n")
	f.ingestAndWait(t, "a.md")

	info, err := f.service.GetDocument(context.Background(), "a.md")
	require.NoError(t, err)
	assert.Equal(t, "a.md", info.Document.Path)
	require.NotNil(t, info.Progress)
	assert.Equal(t, store.StatusCompleted, info.Progress.Status)

	_, err = f.service.GetDocument(context.Background(), "missing.md")
	assert.True(t, qerrors.IsNotFound(err))
}

func TestService_DeleteDocument(t *testing.T) {
	f := newServiceFixture(t)
	f.write(t, "a.md", "# A\n\ncontent worth several words\n")
	f.ingestAndWait(t, "a.md")

	res, err := f.service.DeleteDocument(context.Background(), "a.md")
	require.NoError(t, err)
	assert.True(t, res.DocumentDeleted)
	assert.Positive(t, res.ChunksDeleted)

	_, err = f.service.DeleteDocument(context.Background(), "a.md")
	assert.True(t, qerrors.IsNotFound(err))
}

func TestService_ReindexDocument(t *testing.T) {
	f := newServiceFixture(t)
	f.write(t, "a.md", "# A\n\ncontent\n")
	f.ingestAndWait(t, "a.md")

	res, err := f.service.ReindexDocument(context.Background(), "a.md")
	require.NoError(t, err)
	assert.Equal(t, "HIGH", res.Priority)

	_, err = f.service.ReindexDocument(context.Background(), "never.md")
	assert.True(t, qerrors.IsNotFound(err))
}

func TestService_MaintenanceOperations(t *testing.T) {
	f := newServiceFixture(t)
	f.write(t, "a.md", "# A\n\nmaintained content\n")
	f.ingestAndWait(t, "a.md")
	ctx := context.Background()

	report, err := f.service.VerifyIntegrity(ctx, true)
	require.NoError(t, err)
	assert.False(t, report.Changed())

	report, err = f.service.CleanupOrphans(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.PhantomProgress)

	dry, err := f.service.RebuildVectorIndex(ctx, true)
	require.NoError(t, err)
	assert.False(t, dry.Rebuilt)
	assert.Positive(t, dry.Count)

	repair, err := f.service.RepairIndexes(ctx, false)
	require.NoError(t, err)
	assert.True(t, repair.Vector.Rebuilt)
	assert.True(t, repair.FTS.Rebuilt)
	assert.Equal(t, dry.Count, repair.Vector.Count)
}

func TestService_ReindexFailedDocuments(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.meta.SetProgress(ctx, &store.ProcessingProgress{
		Path: "broken.md", Status: store.StatusFailed, ErrorMessage: "boom",
	}))

	dry, err := f.service.ReindexFailedDocuments(ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, dry.DocumentsQueued)
	assert.True(t, dry.DryRun)

	res, err := f.service.ReindexFailedDocuments(ctx, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DocumentsQueued)
}

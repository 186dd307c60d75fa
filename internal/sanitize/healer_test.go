package sanitize

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
	"github.com/quarrydocs/quarry/internal/fingerprint"
	"github.com/quarrydocs/quarry/internal/queue"
	"github.com/quarrydocs/quarry/internal/store"
	"github.com/quarrydocs/quarry/internal/watcher"
)

type healFixture struct {
	root      string
	dbPath    string
	meta      *store.MetadataStore
	vectors   *store.HNSWIndex
	fts       store.FTSIndex
	submitted []string
	healer    *Healer
}

func newHealFixture(t *testing.T) *healFixture {
	t.Helper()
	f := &healFixture{root: t.TempDir()}

	fp, err := fingerprint.NewService(f.root)
	require.NoError(t, err)

	f.dbPath = filepath.Join(t.TempDir(), "quarry.db")
	f.meta, err = store.OpenMetadataStore(f.dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.meta.Close() })

	f.vectors, err = store.NewHNSWIndex(store.VectorIndexConfig{
		Dimensions:    3,
		FlushInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.vectors.Close() })

	f.fts, err = store.NewFTSIndex("", "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.fts.Close() })

	f.healer = NewHealer(Options{
		Fingerprint: fp,
		Filter:      watcher.NewFilter([]string{".md"}, []string{".quarry"}),
		Meta:        f.meta,
		Vectors:     f.vectors,
		FTS:         f.fts,
		Submit: func(_ context.Context, path string, _ queue.Priority, _ bool) error {
			f.submitted = append(f.submitted, path)
			return nil
		},
		AutoSelfHeal: true,
	})
	return f
}

// indexChunk commits one single-chunk document to all three stores.
func (f *healFixture) indexChunk(t *testing.T, path, chunkID, content string, vec []float32) {
	t.Helper()
	ctx := context.Background()
	doc := &store.Document{Path: path, Hash: "h", IndexedAt: time.Now().UTC(), ExtractionMethod: "text"}
	chunks := []store.Chunk{{ID: chunkID, Ordinal: 0, Content: content}}
	_, _, err := f.meta.ReplaceDocument(ctx, doc, chunks, map[string][]float32{chunkID: vec})
	require.NoError(t, err)
	require.NoError(t, f.vectors.Insert(ctx, chunkID, vec))
	require.NoError(t, f.fts.Index(ctx, chunkID, content))
}

func TestHealer_OrphanedFileEnqueued(t *testing.T) {
	f := newHealFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "new.md"), []byte("hello"), 0o644))

	report, err := f.healer.Heal(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"new.md"}, report.OrphanedFiles)
	assert.Equal(t, []string{"new.md"}, f.submitted)
	assert.Equal(t, 1, report.Enqueued)
}

func TestHealer_KnownFileNotEnqueued(t *testing.T) {
	f := newHealFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "known.md"), []byte("hello"), 0o644))
	f.indexChunk(t, "known.md", "c1", "hello", []float32{1, 0, 0})

	report, err := f.healer.Heal(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, report.OrphanedFiles)
	assert.Empty(t, f.submitted)
}

func TestHealer_MissingFileRemovesDocument(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()
	// Indexed once, then the file was deleted while nothing watched.
	f.indexChunk(t, "gone.md", "c1", "old content", []float32{1, 0, 0})

	report, err := f.healer.Heal(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone.md"}, report.MissingFiles)

	_, err = f.meta.GetDocumentByPath(ctx, "gone.md")
	assert.True(t, qerrors.IsNotFound(err))
	assert.False(t, f.vectors.Contains("c1"))
	ids, err := f.fts.AllIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHealer_MissingFileDryRunReportsOnly(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()
	f.indexChunk(t, "gone.md", "c1", "old content", []float32{1, 0, 0})

	report, err := f.healer.Heal(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone.md"}, report.MissingFiles)

	_, err = f.meta.GetDocumentByPath(ctx, "gone.md")
	assert.NoError(t, err)
	assert.True(t, f.vectors.Contains("c1"))
}

func TestHealer_FailedAndPendingRecoveredAtStartup(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()
	require.NoError(t, f.meta.SetProgress(ctx, &store.ProcessingProgress{
		Path: "queued.md", Status: store.StatusPending,
	}))
	require.NoError(t, f.meta.SetProgress(ctx, &store.ProcessingProgress{
		Path: "broken.md", Status: store.StatusFailed,
		ErrorMessage: "[ERR_502_EXTRACTION_FAILED] converter exited 1",
	}))

	report, err := f.healer.Heal(ctx, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"queued.md", "broken.md"}, report.IncompletePaths)
	assert.ElementsMatch(t, []string{"queued.md", "broken.md"}, f.submitted)
}

func TestHealer_EmptyDocumentDeleted(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()
	doc := &store.Document{Path: "empty.md", Hash: "h", IndexedAt: time.Now().UTC(), ExtractionMethod: "text"}
	_, _, err := f.meta.ReplaceDocument(ctx, doc, nil, nil)
	require.NoError(t, err)

	report, err := f.healer.CleanupOrphans(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"empty.md"}, report.EmptyDocuments)

	_, err = f.meta.GetDocumentByPath(ctx, "empty.md")
	assert.True(t, qerrors.IsNotFound(err))
	// Deleted, not re-enqueued; rediscovery is the file scan's call.
	assert.Empty(t, f.submitted)
}

func TestHealer_MismatchedDocumentReindexed(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()
	f.indexChunk(t, "drift.md", "c1", "content", []float32{1, 0, 0})

	// Break the cascade by hand: chunk rows gone, count intact.
	db, err := sql.Open("sqlite", f.dbPath)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM chunks`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	report, err := f.healer.CleanupOrphans(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"drift.md"}, report.MismatchedDocuments)
	assert.Equal(t, []string{"drift.md"}, f.submitted)

	_, err = f.meta.GetDocumentByPath(ctx, "drift.md")
	assert.True(t, qerrors.IsNotFound(err))
}

func TestHealer_IncompleteProgressResubmitted(t *testing.T) {
	f := newHealFixture(t)
	require.NoError(t, f.meta.SetProgress(context.Background(), &store.ProcessingProgress{
		Path: "stalled.md", Status: store.StatusInProgress,
	}))

	report, err := f.healer.Heal(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"stalled.md"}, report.IncompletePaths)
	assert.Contains(t, f.submitted, "stalled.md")
}

func TestHealer_PhantomProgressDeleted(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()
	require.NoError(t, f.meta.SetProgress(ctx, &store.ProcessingProgress{
		Path: "ghost.md", Status: store.StatusCompleted,
	}))

	report, err := f.healer.CleanupOrphans(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost.md"}, report.PhantomProgress)

	phantoms, err := f.meta.PhantomProgressPaths(ctx)
	require.NoError(t, err)
	assert.Empty(t, phantoms)
}

func TestHealer_OrphanIndexEntriesRemoved(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()
	f.indexChunk(t, "a.md", "c1", "kept content", []float32{1, 0, 0})

	// Entries with no chunk row behind them.
	require.NoError(t, f.vectors.Insert(ctx, "orphan-vec", []float32{0, 1, 0}))
	require.NoError(t, f.fts.Index(ctx, "orphan-fts", "stray text"))

	report, err := f.healer.VerifyIntegrity(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanVectors)
	assert.Equal(t, 1, report.OrphanFTS)

	assert.False(t, f.vectors.Contains("orphan-vec"))
	ids, err := f.fts.AllIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1"}, ids)
}

func TestHealer_MissingVectorTriggersRebuild(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()

	// Committed to the store but never inserted into the k-NN index,
	// as after a crash before the periodic flush.
	doc := &store.Document{Path: "a.md", Hash: "h", IndexedAt: time.Now().UTC(), ExtractionMethod: "text"}
	chunks := []store.Chunk{{ID: "c1", Ordinal: 0, Content: "content"}}
	_, _, err := f.meta.ReplaceDocument(ctx, doc, chunks, map[string][]float32{"c1": {1, 0, 0}})
	require.NoError(t, err)
	require.NoError(t, f.fts.Index(ctx, "c1", "content"))

	report, err := f.healer.VerifyIntegrity(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MissingVectors)
	assert.True(t, report.VectorIndexRebuilt)
	assert.True(t, f.vectors.Contains("c1"))
}

func TestHealer_MissingFTSRestored(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()

	doc := &store.Document{Path: "a.md", Hash: "h", IndexedAt: time.Now().UTC(), ExtractionMethod: "text"}
	chunks := []store.Chunk{{ID: "c1", Ordinal: 0, Content: "searchable words"}}
	_, _, err := f.meta.ReplaceDocument(ctx, doc, chunks, map[string][]float32{"c1": {1, 0, 0}})
	require.NoError(t, err)
	require.NoError(t, f.vectors.Insert(ctx, "c1", []float32{1, 0, 0}))

	_, err = f.healer.VerifyIntegrity(ctx, false)
	require.NoError(t, err)

	hits, err := f.fts.Search(ctx, "searchable", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ChunkID)
}

func TestHealer_DryRunTouchesNothing(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "new.md"), []byte("hello"), 0o644))
	require.NoError(t, f.vectors.Insert(ctx, "orphan-vec", []float32{0, 1, 0}))
	require.NoError(t, f.meta.SetProgress(ctx, &store.ProcessingProgress{
		Path: "ghost.md", Status: store.StatusCompleted,
	}))

	report, err := f.healer.Heal(ctx, true)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.True(t, report.Changed())
	assert.Equal(t, []string{"new.md"}, report.OrphanedFiles)
	assert.Equal(t, 1, report.OrphanVectors)
	assert.Equal(t, []string{"ghost.md"}, report.PhantomProgress)

	// Nothing was repaired.
	assert.Empty(t, f.submitted)
	assert.True(t, f.vectors.Contains("orphan-vec"))
	phantoms, err := f.meta.PhantomProgressPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost.md"}, phantoms)
}

func TestHealer_CleanSystemReportsNothing(t *testing.T) {
	f := newHealFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "a.md"), []byte("hello"), 0o644))
	f.indexChunk(t, "a.md", "c1", "hello", []float32{1, 0, 0})

	report, err := f.healer.Heal(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, report.Changed())
}

func TestHealer_RebuildFTSIndex(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()
	f.indexChunk(t, "a.md", "c1", "alpha words", []float32{1, 0, 0})

	// Poison the index with a stale entry, then rebuild.
	require.NoError(t, f.fts.Index(ctx, "stale", "old junk"))
	require.NoError(t, f.healer.RebuildFTSIndex(ctx))

	ids, err := f.fts.AllIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1"}, ids)
}

func TestHealer_ReindexFailed(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()
	require.NoError(t, f.meta.SetProgress(ctx, &store.ProcessingProgress{
		Path: "broken.md", Status: store.StatusFailed,
		ErrorMessage: "[ERR_502_EXTRACTION_FAILED] converter exited 1",
	}))
	require.NoError(t, f.meta.SetProgress(ctx, &store.ProcessingProgress{
		Path: "slow.md", Status: store.StatusFailed,
		ErrorMessage: "[ERR_503_EMBEDDING_FAILED] ollama timeout",
	}))

	n, err := f.healer.ReindexFailed(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"broken.md", "slow.md"}, f.submitted)
}

func TestHealer_ReindexFailed_IssueTypeFilter(t *testing.T) {
	f := newHealFixture(t)
	ctx := context.Background()
	require.NoError(t, f.meta.SetProgress(ctx, &store.ProcessingProgress{
		Path: "broken.md", Status: store.StatusFailed,
		ErrorMessage: "[ERR_502_EXTRACTION_FAILED] converter exited 1",
	}))
	require.NoError(t, f.meta.SetProgress(ctx, &store.ProcessingProgress{
		Path: "slow.md", Status: store.StatusFailed,
		ErrorMessage: "[ERR_503_EMBEDDING_FAILED] ollama timeout",
	}))

	n, err := f.healer.ReindexFailed(ctx, []string{"ERR_503_EMBEDDING_FAILED"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"slow.md"}, f.submitted)
}

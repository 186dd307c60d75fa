package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

func newTestIndex(t *testing.T, path string) *HNSWIndex {
	t.Helper()
	idx, err := NewHNSWIndex(VectorIndexConfig{
		Path:          path,
		Dimensions:    3,
		FlushInterval: -1, // no background timer in tests
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

type mapVectorSource map[string][]float32

func (m mapVectorSource) AllVectors(context.Context) (map[string][]float32, error) {
	return m, nil
}

func TestHNSWIndex_InsertAndSearch(t *testing.T) {
	idx := newTestIndex(t, "")
	ctx := context.Background()

	require.NoError(t, idx.InsertBatch(ctx,
		[]string{"a", "b", "c"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}}))

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ChunkID)
	assert.Equal(t, "c", results[1].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 0.001)
}

func TestHNSWIndex_DimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, "")
	ctx := context.Background()

	err := idx.Insert(ctx, "a", []float32{1, 0})
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeDimensionMismatch))

	_, err = idx.Search(ctx, []float32{1, 0}, 1, 0)
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeDimensionMismatch))
}

func TestHNSWIndex_LazyDeleteHidesVector(t *testing.T) {
	idx := newTestIndex(t, "")
	ctx := context.Background()

	require.NoError(t, idx.InsertBatch(ctx,
		[]string{"a", "b"},
		[][]float32{{1, 0, 0}, {0, 1, 0}}))
	require.NoError(t, idx.Delete(ctx, []string{"a"}))

	assert.False(t, idx.Contains("a"))
	assert.Equal(t, 1, idx.Count())
	assert.Equal(t, 1, idx.Orphans())

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ChunkID)
}

func TestHNSWIndex_ReinsertReplacesVector(t *testing.T) {
	idx := newTestIndex(t, "")
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, "a", []float32{1, 0, 0}))
	require.NoError(t, idx.Insert(ctx, "a", []float32{0, 1, 0}))
	assert.Equal(t, 1, idx.Count())

	results, err := idx.Search(ctx, []float32{0, 1, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 0.001)
}

func TestHNSWIndex_FlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.hnsw")
	ctx := context.Background()

	idx := newTestIndex(t, path)
	require.NoError(t, idx.InsertBatch(ctx,
		[]string{"a", "b"},
		[][]float32{{1, 0, 0}, {0, 1, 0}}))
	require.NoError(t, idx.Flush())
	require.NoError(t, idx.Close())

	reloaded := newTestIndex(t, path)
	assert.Equal(t, 2, reloaded.Count())

	results, err := reloaded.Search(ctx, []float32{1, 0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ChunkID)
}

func TestHNSWIndex_RebuildFromVectors(t *testing.T) {
	idx := newTestIndex(t, "")
	ctx := context.Background()

	require.NoError(t, idx.InsertBatch(ctx,
		[]string{"stale", "kept"},
		[][]float32{{1, 0, 0}, {0, 1, 0}}))
	require.NoError(t, idx.Delete(ctx, []string{"stale"}))
	assert.Equal(t, 1, idx.Orphans())

	source := mapVectorSource{
		"kept": {0, 1, 0},
		"new":  {0, 0, 1},
	}
	require.NoError(t, idx.RebuildFromVectors(ctx, source))

	assert.Equal(t, 2, idx.Count())
	assert.Zero(t, idx.Orphans())
	assert.False(t, idx.Contains("stale"))
	assert.True(t, idx.Contains("new"))
}

func TestHNSWIndex_CorruptMetaStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")

	idx := newTestIndex(t, path)
	require.NoError(t, idx.Insert(context.Background(), "a", []float32{1, 0, 0}))
	require.NoError(t, idx.Flush())
	require.NoError(t, idx.Close())

	// Corrupt the gob sidecar.
	require.NoError(t, writeJunk(path+".meta"))

	reopened := newTestIndex(t, path)
	assert.Zero(t, reopened.Count())
}

func TestHNSWIndex_ClosedRejects(t *testing.T) {
	idx := newTestIndex(t, "")
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close()) // idempotent

	err := idx.Insert(context.Background(), "a", []float32{1, 0, 0})
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeStoreClosed))
}

func TestHNSWIndex_ConcurrentClose(t *testing.T) {
	idx := newTestIndex(t, filepath.Join(t.TempDir(), "vectors.hnsw"))
	require.NoError(t, idx.Insert(context.Background(), "a", []float32{1, 0, 0}))

	// Every Close must return without panicking; only one performs the
	// final flush.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, idx.Close())
		}()
	}
	wg.Wait()

	err := idx.Insert(context.Background(), "b", []float32{0, 1, 0})
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeStoreClosed))
}

func TestHNSWIndex_EmptySearch(t *testing.T) {
	idx := newTestIndex(t, "")
	results, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJunk(path string) error {
	return os.WriteFile(path, []byte("not a valid index"), 0o644)
}

// ftsBackends runs a subtest against each FTS implementation.
func ftsBackends(t *testing.T, fn func(t *testing.T, idx FTSIndex)) {
	t.Helper()
	for _, backend := range []string{"bleve", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			idx, err := NewFTSIndex("", backend)
			require.NoError(t, err)
			t.Cleanup(func() { _ = idx.Close() })
			fn(t, idx)
		})
	}
}

func TestFTSIndex_IndexAndSearch(t *testing.T) {
	ftsBackends(t, func(t *testing.T, idx FTSIndex) {
		ctx := context.Background()
		require.NoError(t, idx.IndexBatch(ctx,
			[]string{"c1", "c2", "c3"},
			[]string{
				"the quick brown fox jumps over the lazy dog",
				"grilled cheese sandwich recipe with tomato soup",
				"foxes are small omnivorous mammals",
			}))

		results, err := idx.Search(ctx, "quick fox", 10)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "c1", results[0].ChunkID)
		assert.Positive(t, results[0].Score)
	})
}

func TestFTSIndex_CaseInsensitive(t *testing.T) {
	ftsBackends(t, func(t *testing.T, idx FTSIndex) {
		ctx := context.Background()
		require.NoError(t, idx.Index(ctx, "c1", "Tomato Soup Recipes"))

		results, err := idx.Search(ctx, "tomato", 5)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "c1", results[0].ChunkID)
	})
}

func TestFTSIndex_DeleteRemovesFromResults(t *testing.T) {
	ftsBackends(t, func(t *testing.T, idx FTSIndex) {
		ctx := context.Background()
		require.NoError(t, idx.Index(ctx, "c1", "ephemeral content"))
		require.NoError(t, idx.Delete(ctx, []string{"c1"}))

		results, err := idx.Search(ctx, "ephemeral", 5)
		require.NoError(t, err)
		assert.Empty(t, results)

		count, err := idx.Count()
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestFTSIndex_ReindexReplaces(t *testing.T) {
	ftsBackends(t, func(t *testing.T, idx FTSIndex) {
		ctx := context.Background()
		require.NoError(t, idx.Index(ctx, "c1", "original text about volcanoes"))
		require.NoError(t, idx.Index(ctx, "c1", "replacement text about glaciers"))

		stale, err := idx.Search(ctx, "volcanoes", 5)
		require.NoError(t, err)
		assert.Empty(t, stale)

		fresh, err := idx.Search(ctx, "glaciers", 5)
		require.NoError(t, err)
		require.Len(t, fresh, 1)

		count, err := idx.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestFTSIndex_EmptyQueryReturnsNothing(t *testing.T) {
	ftsBackends(t, func(t *testing.T, idx FTSIndex) {
		ctx := context.Background()
		require.NoError(t, idx.Index(ctx, "c1", "some content"))

		results, err := idx.Search(ctx, "   ", 5)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestFTSIndex_AllIDs(t *testing.T) {
	ftsBackends(t, func(t *testing.T, idx FTSIndex) {
		ctx := context.Background()
		require.NoError(t, idx.IndexBatch(ctx,
			[]string{"a", "b"}, []string{"one", "two"}))

		ids, err := idx.AllIDs()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids)
	})
}

func TestNewFTSIndex_UnknownBackend(t *testing.T) {
	_, err := NewFTSIndex("", "lucene")
	assert.Error(t, err)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, Tokenize("Hello, World!"))
	assert.Equal(t, []string{"café", "42"}, Tokenize("café 42"))
	assert.Empty(t, Tokenize("  ... "))
}

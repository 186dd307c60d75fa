package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseRRF_AgreementWins(t *testing.T) {
	// "b" is ranked second in both lists; "a" and "c" each lead one.
	fused := fuseRRF([]rankedList{
		{ids: []string{"a", "b"}},
		{ids: []string{"c", "b"}},
	}, 20)

	require.Len(t, fused, 3)
	assert.Equal(t, "b", fused[0].ChunkID)
	assert.Equal(t, 2, fused[0].Lists)
	assert.InDelta(t, 1.0, fused[0].Score, 1e-9)
}

func TestFuseRRF_AbsentContributesNothing(t *testing.T) {
	fused := fuseRRF([]rankedList{
		{ids: []string{"a"}},
		{ids: []string{"a", "b"}},
	}, 20)

	require.Len(t, fused, 2)
	// a: 1/21 + 1/21, b: 1/22 only.
	assert.Equal(t, "a", fused[0].ChunkID)
	assert.InDelta(t, (1.0/22)/(2.0/21), fused[1].Score, 1e-9)
}

func TestFuseRRF_TieBreaksByID(t *testing.T) {
	fused := fuseRRF([]rankedList{
		{ids: []string{"z"}},
		{ids: []string{"a"}},
	}, 20)

	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].ChunkID)
}

func TestFuseRRF_Empty(t *testing.T) {
	assert.Empty(t, fuseRRF(nil, 20))
	assert.Empty(t, fuseRRF([]rankedList{{}}, 20))
}

func TestDecompose(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"docker and kubernetes", []string{"docker and kubernetes", "docker", "kubernetes"}},
		{"grpc vs rest", []string{"grpc vs rest", "grpc", "rest"}},
		{"grpc versus rest", []string{"grpc versus rest", "grpc", "rest"}},
		{"plain query", []string{"plain query"}},
		// Trivial fragment on one side disables splitting.
		{"a and kubernetes", []string{"a and kubernetes"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, decompose(tt.query), "query: %q", tt.query)
	}
}

func TestQueryCache_NormalizedKey(t *testing.T) {
	cache, err := NewQueryCache(10)
	require.NoError(t, err)

	opts := Options{TopK: 5}
	cache.Put("Tomato Soup", opts, []Result{{ChunkID: "c1"}})

	got, ok := cache.Get("  tomato soup ", opts)
	require.True(t, ok)
	assert.Equal(t, "c1", got[0].ChunkID)

	// Different options are different entries.
	_, ok = cache.Get("tomato soup", Options{TopK: 10})
	assert.False(t, ok)
}

func TestQueryCache_Invalidate(t *testing.T) {
	cache, err := NewQueryCache(10)
	require.NoError(t, err)

	cache.Put("q", Options{TopK: 5}, []Result{})
	require.Equal(t, 1, cache.Len())

	cache.Invalidate()
	assert.Zero(t, cache.Len())
	_, ok := cache.Get("q", Options{TopK: 5})
	assert.False(t, ok)
}

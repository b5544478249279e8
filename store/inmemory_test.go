package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_SearchOrdering(t *testing.T) {
	s := NewInMemoryStore(InMemoryStoreConfig{Dimension: 3}, nil)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "exact", "matches the query", []float64{1, 0, 0}))
	require.NoError(t, s.Add(ctx, "near", "close to the query", []float64{0.9, 0.1, 0}))
	require.NoError(t, s.Add(ctx, "far", "orthogonal", []float64{0, 0, 1}))

	results, err := s.Search(ctx, []float64{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "exact", results[0].SourceID)
	assert.Equal(t, "near", results[1].SourceID)
	assert.Equal(t, "far", results[2].SourceID)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	assert.GreaterOrEqual(t, results[1].Score, results[2].Score)
}

func TestInMemoryStore_TieBreakBySourceID(t *testing.T) {
	s := NewInMemoryStore(InMemoryStoreConfig{Dimension: 2}, nil)
	ctx := context.Background()

	// Identical vectors: equal scores must order by SourceID so repeated
	// searches over the same corpus stay deterministic.
	require.NoError(t, s.Add(ctx, "b-doc", "second", []float64{1, 1}))
	require.NoError(t, s.Add(ctx, "a-doc", "first", []float64{1, 1}))

	for i := 0; i < 5; i++ {
		results, err := s.Search(ctx, []float64{1, 1}, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "a-doc", results[0].SourceID)
		assert.Equal(t, "b-doc", results[1].SourceID)
	}
}

func TestInMemoryStore_TopK(t *testing.T) {
	s := NewInMemoryStore(InMemoryStoreConfig{Dimension: 2}, nil)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "a", "a", []float64{1, 0}))
	require.NoError(t, s.Add(ctx, "b", "b", []float64{0.5, 0.5}))
	require.NoError(t, s.Add(ctx, "c", "c", []float64{0, 1}))

	results, err := s.Search(ctx, []float64{1, 0}, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 3, s.Len())
}

func TestInMemoryStore_QuantizedSearchOrdering(t *testing.T) {
	s := NewInMemoryStore(InMemoryStoreConfig{Dimension: 3, QuantizeBits: 8}, nil)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "exact", "matches the query", []float64{1, 0, 0}))
	require.NoError(t, s.Add(ctx, "near", "close to the query", []float64{0.9, 0.1, 0}))
	require.NoError(t, s.Add(ctx, "far", "orthogonal", []float64{0, 0, 1}))

	// Quantization is lossy but must preserve the ranking.
	results, err := s.Search(ctx, []float64{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "exact", results[0].SourceID)
	assert.Equal(t, "near", results[1].SourceID)
	assert.Equal(t, "far", results[2].SourceID)
	assert.Equal(t, 8, s.Bits())
}

func TestInMemoryStore_Reencode(t *testing.T) {
	s := NewInMemoryStore(InMemoryStoreConfig{Dimension: 3, QuantizeBits: 16}, nil)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "exact", "matches", []float64{1, 0, 0}))
	require.NoError(t, s.Add(ctx, "far", "orthogonal", []float64{0, 0, 1}))

	require.NoError(t, s.Reencode(4))
	assert.Equal(t, 4, s.Bits())

	// Migrated vectors still serve searches with the right ordering.
	results, err := s.Search(ctx, []float64{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "exact", results[0].SourceID)

	// Same width is a no-op; unsupported widths are rejected.
	require.NoError(t, s.Reencode(4))
	assert.Error(t, s.Reencode(5))
	assert.Equal(t, 4, s.Bits())
}

func TestInMemoryStore_UnsupportedBitsFallsBackToRaw(t *testing.T) {
	s := NewInMemoryStore(InMemoryStoreConfig{Dimension: 2, QuantizeBits: 7}, nil)
	require.NoError(t, s.Add(context.Background(), "a", "raw", []float64{1, 0}))
	assert.Zero(t, s.Bits())
}

func TestInMemoryStore_DimensionMismatch(t *testing.T) {
	s := NewInMemoryStore(InMemoryStoreConfig{Dimension: 4}, nil)
	ctx := context.Background()

	err := s.Add(ctx, "bad", "wrong size", []float64{1, 2})
	assert.Error(t, err)

	_, err = s.Search(ctx, []float64{1, 2}, 1)
	assert.Error(t, err)
}

func TestInMemoryStore_RequiresSourceID(t *testing.T) {
	s := NewInMemoryStore(InMemoryStoreConfig{}, nil)
	err := s.Add(context.Background(), "", "no id", []float64{1})
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.5, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)

	// Degenerate inputs score zero rather than NaN.
	assert.Zero(t, CosineSimilarity([]float64{1, 0}, []float64{1}))
	assert.Zero(t, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
	assert.Zero(t, CosineSimilarity(nil, nil))
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "rehydrate the planner context")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "rehydrate the planner context")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := e.Embed(ctx, "an unrelated sentence")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	for _, v := range a {
		assert.GreaterOrEqual(t, v, -1.0)
		assert.Less(t, v, 1.0)
	}
}

func TestHashEmbedder_DefaultDimension(t *testing.T) {
	e := NewHashEmbedder(0)
	assert.Equal(t, 64, e.Dimension())
}

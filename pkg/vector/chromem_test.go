package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChromemForTest(t *testing.T) *ChromemStore {
	t.Helper()
	cfg := ProviderConfig{Type: ProviderChromem}
	cfg.SetDefaults()
	s, err := NewChromemStore(cfg)
	require.NoError(t, err)
	return s
}

func unitVec(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func TestChromemSearchReturnsDescendingScores(t *testing.T) {
	s := newChromemForTest(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx,
		Item{ID: "exact", Embedding: unitVec(4, 0), Content: "exact match"},
		Item{ID: "orthogonal", Embedding: unitVec(4, 1), Content: "unrelated"},
		Item{ID: "partial", Embedding: []float32{0.7071, 0.7071, 0, 0}, Content: "half match"},
	))

	matches, err := s.Search(ctx, unitVec(4, 0), 3, nil)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "exact", matches[0].ID)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
}

func TestChromemSearchCapsKAtCollectionSize(t *testing.T) {
	s := newChromemForTest(t)
	ctx := context.Background()

	matches, err := s.Search(ctx, unitVec(4, 0), 5, nil)
	require.NoError(t, err)
	assert.Empty(t, matches, "empty collection yields no matches, not an error")

	require.NoError(t, s.Add(ctx, Item{ID: "only", Embedding: unitVec(4, 0), Content: "x"}))
	matches, err = s.Search(ctx, unitVec(4, 0), 5, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestChromemDeleteByMetadata(t *testing.T) {
	s := newChromemForTest(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx,
		Item{ID: "a", Embedding: unitVec(4, 0), Metadata: map[string]string{"session": "s1"}},
		Item{ID: "b", Embedding: unitVec(4, 1), Metadata: map[string]string{"session": "s2"}},
	))
	require.NoError(t, s.DeleteByMetadata(ctx, map[string]string{"session": "s1"}))

	matches, err := s.Search(ctx, unitVec(4, 0), 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].ID)
}

func TestChromemClearEmptiesCollection(t *testing.T) {
	s := newChromemForTest(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, Item{ID: "a", Embedding: unitVec(4, 0)}))
	require.NoError(t, s.Clear(ctx))

	matches, err := s.Search(ctx, unitVec(4, 0), 1, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

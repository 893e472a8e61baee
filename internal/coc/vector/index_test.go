package vector

import (
	"context"
	"testing"

	"github.com/harunnryd/heike/internal/config"
	heikeErrors "github.com/harunnryd/heike/internal/errors"

	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(t.TempDir(), config.IndexConfig{Dim: 3, FullScanThresh: 10})
	require.NoError(t, err)
	return idx
}

func TestInsertAndSearch_RanksByCosineSimilarity(t *testing.T) {
	idx := newTestIndex(t)
	col, err := idx.Collection("symbols")
	require.NoError(t, err)

	require.NoError(t, col.Insert("a", []float32{1, 0, 0}, map[string]string{"lang": "go"}, "func A"))
	require.NoError(t, col.Insert("b", []float32{0, 1, 0}, map[string]string{"lang": "go"}, "func B"))
	require.NoError(t, col.Insert("c", []float32{0.9, 0.1, 0}, map[string]string{"lang": "go"}, "func C"))

	results, err := col.Search(context.Background(), []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].DocID)
	require.Equal(t, "c", results[1].DocID)
}

func TestInsert_RejectsDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t)
	col, err := idx.Collection("symbols")
	require.NoError(t, err)

	err = col.Insert("a", []float32{1, 0}, nil, "")
	require.ErrorIs(t, err, heikeErrors.ErrDimensionMismatch)
}

func TestInsertBatch_ReinsertSameDocIDOverwrites(t *testing.T) {
	idx := newTestIndex(t)
	col, err := idx.Collection("symbols")
	require.NoError(t, err)

	require.NoError(t, col.Insert("a", []float32{1, 0, 0}, nil, "v1"))
	require.Equal(t, 1, col.Len())
	require.NoError(t, col.Insert("a", []float32{1, 0, 0}, nil, "v2"))
	require.Equal(t, 1, col.Len(), "reindexing the same doc_id must not grow the collection")
}

func TestRemove_DropsDocument(t *testing.T) {
	idx := newTestIndex(t)
	col, err := idx.Collection("symbols")
	require.NoError(t, err)

	require.NoError(t, col.Insert("a", []float32{1, 0, 0}, nil, ""))
	require.NoError(t, col.Remove("a"))
	require.Equal(t, 0, col.Len())
}

func TestClear_EmptiesCollectionButKeepsItUsable(t *testing.T) {
	idx := newTestIndex(t)
	col, err := idx.Collection("symbols")
	require.NoError(t, err)

	require.NoError(t, col.Insert("a", []float32{1, 0, 0}, nil, ""))
	require.NoError(t, col.Clear())
	require.Equal(t, 0, col.Len())
	require.NoError(t, col.Insert("b", []float32{0, 1, 0}, nil, ""))
	require.Equal(t, 1, col.Len())
}

func TestSearch_FallsBackToExactScanUnderFullScanThreshold(t *testing.T) {
	idx := newTestIndex(t)
	col, err := idx.Collection("symbols")
	require.NoError(t, err)

	require.NoError(t, col.Insert("a", []float32{1, 0, 0}, map[string]string{"kind": "fn"}, ""))
	require.NoError(t, col.Insert("b", []float32{0, 1, 0}, map[string]string{"kind": "type"}, ""))

	results, err := col.Search(context.Background(), []float32{1, 0, 0}, 5, Filter{"kind": "type"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "b", results[0].DocID)
	require.EqualValues(t, 1, col.Stats().FullScanCount)
}

func TestSearch_EmptyCollectionReturnsNoResults(t *testing.T) {
	idx := newTestIndex(t)
	col, err := idx.Collection("symbols")
	require.NoError(t, err)

	results, err := col.Search(context.Background(), []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestCollection_IsCachedPerName(t *testing.T) {
	idx := newTestIndex(t)
	c1, err := idx.Collection("episodes")
	require.NoError(t, err)
	c2, err := idx.Collection("episodes")
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

package retrieval

import (
	"context"
	"hash/fnv"
	"testing"

	"github.com/harunnryd/heike/internal/coc/vector"
	"github.com/harunnryd/heike/internal/config"

	"github.com/stretchr/testify/require"
)

const testDim = 32

// hashingEmbedder is a deterministic bag-of-words embedder (the hashing
// trick): good enough to exercise ranking without a real model call.
type hashingEmbedder struct{}

func (hashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDim)
	for _, tok := range tokenizeWords(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%testDim]++
	}
	return vec, nil
}

func tokenizeWords(text string) []string {
	words := make(map[string]struct{})
	for tok := range tokenize(text) {
		words[tok] = struct{}{}
	}
	out := make([]string, 0, len(words))
	for w := range words {
		out = append(out, w)
	}
	return out
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	idx, err := vector.Open(t.TempDir(), config.IndexConfig{Dim: testDim, FullScanThresh: 50})
	require.NoError(t, err)
	col, err := idx.Collection("docs")
	require.NoError(t, err)

	eng, err := New(col, hashingEmbedder{}, config.SearchConfig{Hybrid: true}, config.CoreCacheConfig{})
	require.NoError(t, err)
	return eng
}

// TestHybridSearch_RanksByRelevance implements spec §8 scenario 3.
func TestHybridSearch_RanksByRelevance(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.IndexDocument(ctx, "d1", "fn add(a,b){a+b}", "code", "rust", "w1", nil))
	require.NoError(t, eng.IndexDocument(ctx, "d2", "fn multiply(a,b){a*b}", "code", "rust", "w1", nil))
	require.NoError(t, eng.IndexDocument(ctx, "d3", "README: arithmetic helpers", "code", "", "w1", nil))

	results, err := eng.Search(ctx, "add numbers", 2, StructuralFilter{Language: "rust"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "d1", results[0].DocID)
	require.Equal(t, "d2", results[1].DocID)

	results, err = eng.Search(ctx, "arithmetic helpers", 2, StructuralFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "d3", results[0].DocID)
}

func TestSearch_IsDeterministicAcrossRepeatedCalls(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.IndexDocument(ctx, "a", "foo bar baz", "code", "go", "w", nil))
	require.NoError(t, eng.IndexDocument(ctx, "b", "foo qux", "code", "go", "w", nil))

	first, err := eng.Search(ctx, "foo bar", 5, StructuralFilter{})
	require.NoError(t, err)
	second, err := eng.Search(ctx, "foo bar", 5, StructuralFilter{})
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSearch_CacheInvalidatedOnMutation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.IndexDocument(ctx, "a", "foo bar", "code", "go", "w", nil))

	_, err := eng.Search(ctx, "foo", 5, StructuralFilter{})
	require.NoError(t, err)

	require.NoError(t, eng.IndexDocument(ctx, "b", "foo bar extra", "code", "go", "w", nil))

	results, err := eng.Search(ctx, "foo", 5, StructuralFilter{})
	require.NoError(t, err)
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.DocID)
	}
	require.Contains(t, ids, "b")
}

func TestRemove_DropsDocumentFromFutureSearches(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.IndexDocument(ctx, "a", "foo bar", "code", "go", "w", nil))
	require.NoError(t, eng.Remove("a"))

	results, err := eng.Search(ctx, "foo", 5, StructuralFilter{})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestNormalizeQuery_PreservesIdentifiersDropsPunctuation(t *testing.T) {
	require.Equal(t, "foo_bar baz", normalizeQuery("  Foo_Bar, BAZ!! "))
}

func TestJaccardOverlap_EmptySetsYieldZero(t *testing.T) {
	require.Equal(t, 0.0, jaccardOverlap(nil, nil))
}

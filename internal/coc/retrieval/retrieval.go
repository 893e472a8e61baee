// Package retrieval implements the Retrieval engine (spec §4.F): a hybrid
// query pipeline fanning out over a vector collection, re-ranked by a
// configurable blend of semantic similarity, lexical overlap, recency and
// popularity. Grounded on the teacher's internal/orchestrator/memory/manager.go
// embed-then-search shape, generalized from one fixed "memories" collection
// and a single vector-only ranking into a multi-entity, cacheable, hybrid one.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/heike/internal/coc/vector"
	"github.com/harunnryd/heike/internal/config"
	heikeErrors "github.com/harunnryd/heike/internal/errors"

	"github.com/dgraph-io/ristretto/v2"
)

// Embedder computes an embedding for a chunk of text. Implementations wrap
// a model.ModelRouter, kept as a narrow local interface so this package
// never imports the full model facade.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is one ranked hit (spec §4.F step 8: "optional explanation").
type Result struct {
	DocID       string
	Score       float64
	Content     string
	EntityType  string
	Explanation map[string]float64
}

// StructuralFilter narrows the 2k vector candidates before ranking (spec
// §4.F step 5).
type StructuralFilter struct {
	EntityType string
	Language   string
	Metadata   map[string]string
}

func (f StructuralFilter) isZero() bool {
	return f.EntityType == "" && f.Language == "" && len(f.Metadata) == 0
}

func (f StructuralFilter) matches(payload map[string]string) bool {
	if f.EntityType != "" && payload["entity_type"] != f.EntityType {
		return false
	}
	if f.Language != "" && payload["language"] != f.Language {
		return false
	}
	for k, v := range f.Metadata {
		if payload[k] != v {
			return false
		}
	}
	return true
}

type docRecord struct {
	EntityType  string
	Language    string
	WorkspaceID string
	CreatedAt   time.Time
}

// Engine is one retrieval pipeline bound to a single vector.Collection.
type Engine struct {
	col      *vector.Collection
	embedder Embedder

	weights       config.SearchWeights
	tau           time.Duration
	maxLimit      int
	defaultThresh float64
	hybrid        bool

	mu            sync.RWMutex
	records       map[string]docRecord
	popularity    map[string]int64
	maxPopularity int64

	queryCache *ristretto.Cache[string, []Result]
	embedCache *ristretto.Cache[string, []float32]
	queryTTL   time.Duration
	embedTTL   time.Duration
}

// New builds an Engine over col, caching query results and embeddings per
// cacheCfg and ranking per searchCfg (spec §6 configuration surface).
func New(col *vector.Collection, embedder Embedder, searchCfg config.SearchConfig, cacheCfg config.CoreCacheConfig) (*Engine, error) {
	queryTTL, err := config.DurationOrDefault(cacheCfg.QueryTTL, config.DefaultCoreCacheQueryTTL)
	if err != nil {
		return nil, err
	}
	embedTTL, err := config.DurationOrDefault(cacheCfg.EmbeddingTTL, config.DefaultCoreCacheEmbeddingTTL)
	if err != nil {
		return nil, err
	}
	tau, err := config.DurationOrDefault(searchCfg.RecencyTau, config.DefaultCoreSearchRecencyTau)
	if err != nil {
		return nil, err
	}

	weights := searchCfg.Weights
	if weights.Semantic == 0 && weights.Lexical == 0 && weights.Recency == 0 && weights.Popularity == 0 {
		weights = config.SearchWeights{
			Semantic:   config.DefaultCoreSearchWeightSem,
			Lexical:    config.DefaultCoreSearchWeightLex,
			Recency:    config.DefaultCoreSearchWeightRecency,
			Popularity: config.DefaultCoreSearchWeightPop,
		}
	}

	querySize := cacheCfg.QuerySize
	if querySize <= 0 {
		querySize = config.DefaultCoreCacheQuerySize
	}
	embeddingSize := cacheCfg.EmbeddingSize
	if embeddingSize <= 0 {
		embeddingSize = config.DefaultCoreCacheEmbeddingSize
	}

	queryCache, err := ristretto.NewCache(&ristretto.Config[string, []Result]{
		NumCounters: querySize * 10,
		MaxCost:     querySize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, heikeErrors.Backend("create query cache: " + err.Error())
	}
	embedCache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: embeddingSize * 10,
		MaxCost:     embeddingSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, heikeErrors.Backend("create embedding cache: " + err.Error())
	}

	maxLimit := searchCfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = config.DefaultCoreSearchMaxLimit
	}

	return &Engine{
		col:           col,
		embedder:      embedder,
		weights:       weights,
		tau:           tau,
		maxLimit:      maxLimit,
		defaultThresh: searchCfg.DefaultThresh,
		hybrid:        searchCfg.Hybrid,
		records:       make(map[string]docRecord),
		popularity:    make(map[string]int64),
		queryCache:    queryCache,
		embedCache:    embedCache,
		queryTTL:      queryTTL,
		embedTTL:      embedTTL,
	}, nil
}

// IndexDocument embeds content and inserts it into the vector collection
// (spec §4.F "index_document").
func (e *Engine) IndexDocument(ctx context.Context, docID, content, entityType, language, workspaceID string, metadata map[string]string) error {
	vec, err := e.embed(ctx, content)
	if err != nil {
		return err
	}

	payload := map[string]string{"entity_type": entityType, "language": language, "workspace_id": workspaceID}
	for k, v := range metadata {
		payload[k] = v
	}
	if err := e.col.Insert(docID, vec, payload, content); err != nil {
		return err
	}

	e.mu.Lock()
	e.records[docID] = docRecord{EntityType: entityType, Language: language, WorkspaceID: workspaceID, CreatedAt: time.Now()}
	e.mu.Unlock()

	e.invalidateQueryCache()
	return nil
}

// IndexInput is one member of an IndexBatch call.
type IndexInput struct {
	DocID       string
	Content     string
	EntityType  string
	Language    string
	WorkspaceID string
	Metadata    map[string]string
}

// IndexBatch indexes many documents (spec §4.F "index_batch"). Embeddings
// are computed sequentially: the embedding contract (spec §6) exposes a
// single-text embed, not a batch one.
func (e *Engine) IndexBatch(ctx context.Context, docs []IndexInput) error {
	for _, d := range docs {
		if err := e.IndexDocument(ctx, d.DocID, d.Content, d.EntityType, d.Language, d.WorkspaceID, d.Metadata); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes a document from the index (spec §4.F "remove").
func (e *Engine) Remove(docID string) error {
	if err := e.col.Remove(docID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.records, docID)
	delete(e.popularity, docID)
	e.mu.Unlock()
	e.invalidateQueryCache()
	return nil
}

// Clear empties the index (spec §4.F "clear").
func (e *Engine) Clear() error {
	if err := e.col.Clear(); err != nil {
		return err
	}
	e.mu.Lock()
	e.records = make(map[string]docRecord)
	e.popularity = make(map[string]int64)
	e.maxPopularity = 0
	e.mu.Unlock()
	e.invalidateQueryCache()
	return nil
}

func (e *Engine) invalidateQueryCache() {
	e.queryCache.Clear()
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.embedCache.Get(text); ok {
		return v, nil
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.embedCache.SetWithTTL(text, vec, int64(len(vec)), e.embedTTL)
	return vec, nil
}

func cacheKey(normalized string, limit int, threshold float64, filter StructuralFilter) string {
	var b strings.Builder
	b.WriteString(normalized)
	b.WriteByte('\x1f')
	b.WriteString(strconv.Itoa(limit))
	b.WriteByte('\x1f')
	b.WriteString(strconv.FormatFloat(threshold, 'f', -1, 64))
	b.WriteByte('\x1f')
	b.WriteString(filter.EntityType)
	b.WriteByte('\x1f')
	b.WriteString(filter.Language)
	for _, k := range sortedKeys(filter.Metadata) {
		b.WriteByte('\x1f')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(filter.Metadata[k])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Search runs the pipeline in spec §4.F: normalize → cache probe → embed →
// vector search 2k → structural filter → rank → threshold → limit.
func (e *Engine) Search(ctx context.Context, query string, limit int, filter StructuralFilter) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > e.maxLimit {
		limit = e.maxLimit
	}
	threshold := e.defaultThresh

	normalized := normalizeQuery(query)
	key := cacheKey(normalized, limit, threshold, filter)
	if cached, ok := e.queryCache.Get(key); ok {
		return cached, nil
	}

	vec, err := e.embed(ctx, normalized)
	if err != nil {
		return nil, err
	}

	candidates, err := e.col.Search(ctx, vec, 2*limit, nil)
	if err != nil {
		return nil, err
	}

	queryTerms := tokenize(normalized)

	now := time.Now()
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if !filter.isZero() && !filter.matches(c.Payload) {
			continue
		}

		e.mu.RLock()
		rec, known := e.records[c.DocID]
		e.mu.RUnlock()

		var score float64
		explanation := map[string]float64{"semantic": c.Score}
		if !e.hybrid {
			score = c.Score
		} else {
			lexical := jaccardOverlap(queryTerms, tokenize(c.Content))
			recency := 0.0
			if known {
				recency = recencyScore(rec.CreatedAt, now, e.tau)
			}
			popularity := e.popularityScore(c.DocID)

			explanation["lexical"] = lexical
			explanation["recency"] = recency
			explanation["popularity"] = popularity

			score = e.weights.Semantic*c.Score + e.weights.Lexical*lexical +
				e.weights.Recency*recency + e.weights.Popularity*popularity
		}

		if score < threshold {
			continue
		}
		results = append(results, Result{
			DocID:       c.DocID,
			Score:       score,
			Content:     c.Content,
			EntityType:  c.Payload["entity_type"],
			Explanation: explanation,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	for _, r := range results {
		e.bumpPopularity(r.DocID)
	}

	e.queryCache.SetWithTTL(key, results, int64(len(results)+1), e.queryTTL)
	e.queryCache.Wait() // ristretto applies sets asynchronously; make this one visible to the next probe
	return results, nil
}

func (e *Engine) bumpPopularity(docID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.popularity[docID]++
	if e.popularity[docID] > e.maxPopularity {
		e.maxPopularity = e.popularity[docID]
	}
}

func (e *Engine) popularityScore(docID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.maxPopularity == 0 {
		return 0
	}
	return float64(e.popularity[docID]) / float64(e.maxPopularity)
}

// recencyScore is exp(-Δt/τ) (spec §4.F "recency").
func recencyScore(createdAt, now time.Time, tau time.Duration) float64 {
	if tau <= 0 {
		return 0
	}
	delta := now.Sub(createdAt)
	if delta < 0 {
		delta = 0
	}
	return math.Exp(-float64(delta) / float64(tau))
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "it": {}, "for": {}, "on": {}, "with": {}, "as": {}, "by": {}, "that": {},
	"this": {}, "be": {}, "at": {}, "from": {}, "are": {}, "was": {}, "were": {},
}

// normalizeQuery trims, lowercases and de-punctuates while preserving
// identifier characters (spec §4.F step 1).
func normalizeQuery(q string) string {
	var b strings.Builder
	prevSpace := true
	for _, r := range strings.ToLower(strings.TrimSpace(q)) {
		switch {
		case isIdentRune(r):
			b.WriteRune(r)
			prevSpace = false
		default:
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func isIdentRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
}

// tokenize splits normalized text into stemmed, non-stopword terms.
func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(normalizeQuery(text)) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		out[stem(tok)] = struct{}{}
	}
	return out
}

// stem is a minimal suffix-stripping stemmer (no full Porter stemmer in the
// corpus; this mirrors the teacher's preference for small, direct helpers
// over a heavyweight NLP dependency).
func stem(tok string) string {
	for _, suffix := range []string{"ing", "ed", "es", "s"} {
		if len(tok) > len(suffix)+2 && strings.HasSuffix(tok, suffix) {
			return strings.TrimSuffix(tok, suffix)
		}
	}
	return tok
}

// jaccardOverlap is |A∩B| / |A∪B| over stemmed token sets (spec §4.F
// "keyword_overlap").
func jaccardOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

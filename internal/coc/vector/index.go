// Package vector implements the Vector index (spec §4.E): approximate
// nearest-neighbor search with payload filters, backed by chromem-go exactly
// as the teacher's internal/store/worker.go already wires it (persistent,
// pre-computed embeddings, no built-in embedding function). Generalized
// from a single fixed "memories" collection into a multi-collection,
// dimension-checked, retrying index per spec's contract.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/heike/internal/config"
	heikeErrors "github.com/harunnryd/heike/internal/errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/philippgille/chromem-go"
)

type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
)

// Record mirrors spec §3's VectorRecord.
type Record struct {
	DocID   string
	Vector  []float32
	Payload map[string]string
	Content string
}

type SearchResult struct {
	DocID   string
	Score   float64
	Vector  []float32
	Payload map[string]string
	Content string
}

// Stats is returned by Stats() (spec §4.E).
type Stats struct {
	Count         int
	Dimension     int
	Metric        Metric
	FullScanCount int64
}

// Collection is one fixed-dimension vector collection.
type Collection struct {
	name      string
	dim       int
	metric    Metric
	fullScan  int
	retryMax  int
	retryBase time.Duration

	mu   sync.RWMutex
	db   *chromem.DB
	col  *chromem.Collection

	fullScanCount int64
}

// Index owns a chromem-go persistent database and the named collections
// carved out of it (one per entity namespace — code symbols, episodes, …).
type Index struct {
	mu  sync.Mutex
	db  *chromem.DB
	dim int

	collections map[string]*Collection
	cfg         config.IndexConfig
}

// Open opens (or creates) a persistent chromem-go database at dir.
func Open(dir string, cfg config.IndexConfig) (*Index, error) {
	if cfg.Dim <= 0 {
		cfg.Dim = config.DefaultCoreIndexDim
	}
	if cfg.Metric == "" {
		cfg.Metric = config.DefaultCoreIndexMetric
	}
	if cfg.FullScanThresh <= 0 {
		cfg.FullScanThresh = config.DefaultCoreIndexFullScanThresh
	}
	if cfg.WriteRetryMax <= 0 {
		cfg.WriteRetryMax = config.DefaultCoreIndexWriteRetryMax
	}

	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, heikeErrors.Backend(fmt.Sprintf("open vector index: %v", err))
	}

	return &Index{
		db:          db,
		dim:         cfg.Dim,
		collections: make(map[string]*Collection),
		cfg:         cfg,
	}, nil
}

// Collection returns (creating if necessary) the named collection at the
// index's configured dimension/metric.
func (idx *Index) Collection(name string) (*Collection, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if c, ok := idx.collections[name]; ok {
		return c, nil
	}
	chromemCol, err := idx.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, heikeErrors.Backend(fmt.Sprintf("create collection %s: %v", name, err))
	}
	retryBase, perr := config.DurationOrDefault(idx.cfg.WriteRetryBase, config.DefaultCoreIndexWriteRetryBase)
	if perr != nil {
		retryBase = 50 * time.Millisecond
	}
	c := &Collection{
		name:      name,
		dim:       idx.dim,
		metric:    Metric(idx.cfg.Metric),
		fullScan:  idx.cfg.FullScanThresh,
		retryMax:  idx.cfg.WriteRetryMax,
		retryBase: retryBase,
		db:        idx.db,
		col:       chromemCol,
	}
	idx.collections[name] = c
	return c, nil
}

func (c *Collection) checkDim(v []float32) error {
	if len(v) != c.dim {
		return heikeErrors.NewDimensionMismatch(c.dim, len(v))
	}
	return nil
}

// Insert is Collection.InsertBatch of one.
func (c *Collection) Insert(docID string, v []float32, payload map[string]string, content string) error {
	return c.InsertBatch([]Record{{DocID: docID, Vector: v, Payload: payload, Content: content}})
}

// InsertBatch writes records with bounded exponential-backoff retry on
// transient backend failures (spec §4.E, §7). Re-inserting the same doc_id
// overwrites in place (chromem's AddDocuments is upsert-by-ID), satisfying
// the idempotent-reindex requirement.
func (c *Collection) InsertBatch(records []Record) error {
	for _, r := range records {
		if err := c.checkDim(r.Vector); err != nil {
			return err
		}
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{ID: r.DocID, Metadata: r.Payload, Embedding: r.Vector, Content: r.Content}
	}

	op := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.col.AddDocuments(context.Background(), docs, 1)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bounded := backoff.WithMaxRetries(bo, uint64(c.retryMax))

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		slog.Warn("vector index write failed, retrying", "collection", c.name, "error", err)
		return err
	}, bounded)
	if err != nil {
		return heikeErrors.Backend(fmt.Sprintf("insert batch into %s after retries: %v", c.name, err))
	}
	return nil
}

// Remove deletes a document by id.
func (c *Collection) Remove(docID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.col.Delete(context.Background(), nil, nil, docID)
}

// Len returns the number of documents in the collection.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.col.Count()
}

// Clear removes all documents from the collection by dropping and
// recreating it (chromem-go has no bulk-clear operation).
func (c *Collection) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db.DeleteCollection(c.name)
	col, err := c.db.GetOrCreateCollection(c.name, nil, nil)
	if err != nil {
		return heikeErrors.Backend(fmt.Sprintf("clear collection %s: %v", c.name, err))
	}
	c.col = col
	return nil
}

// Stats reports collection statistics (spec §4.E).
func (c *Collection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Count: c.col.Count(), Dimension: c.dim, Metric: c.metric, FullScanCount: c.fullScanCount}
}

// Filter is an equality filter over payload keys (spec §4.E "payload-filtered
// search").
type Filter map[string]string

// Search returns up to k nearest neighbors to query, applying filter. When
// filter is non-empty and the collection holds at most FullScanThreshold
// documents, Search takes the exact-scan path (counted in
// Stats.FullScanCount) instead of asking chromem for k results (spec §4.E).
func (c *Collection) Search(ctx context.Context, query []float32, k int, filter Filter) ([]SearchResult, error) {
	if err := c.checkDim(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	c.mu.RLock()
	count := c.col.Count()
	c.mu.RUnlock()
	if count == 0 {
		return nil, nil
	}

	where := map[string]string(filter)

	nResults := k
	if nResults > count {
		nResults = count
	}

	useExactScan := count <= c.fullScan && len(where) > 0

	var docs []chromem.Result
	var err error
	if useExactScan {
		c.mu.Lock()
		c.fullScanCount++
		c.mu.Unlock()
		docs, err = c.exactScan(ctx, query, count, where)
	} else {
		c.mu.RLock()
		docs, err = c.col.QueryEmbedding(ctx, query, nResults, where, nil)
		c.mu.RUnlock()
	}
	if err != nil {
		return nil, heikeErrors.Backend(fmt.Sprintf("search %s: %v", c.name, err))
	}

	out := make([]SearchResult, 0, len(docs))
	for _, d := range docs {
		out = append(out, SearchResult{DocID: d.ID, Score: float64(d.Similarity), Payload: d.Metadata, Content: d.Content})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID // deterministic stable secondary sort (spec §4.F)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// exactScan queries the collection with the filter applied, asking for up
// to limit results (Search passes the whole document count); Search trims
// the output to k.
func (c *Collection) exactScan(ctx context.Context, query []float32, limit int, where map[string]string) ([]chromem.Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.col.QueryEmbedding(ctx, query, limit, where, nil)
}

package config

// CoreConfig is the configuration surface recognized by the Cognitive
// Orchestration Core (spec §6): embedding, index, cache, search, scheduler,
// memory and backup. It is koanf-tagged exactly like the rest of Config so
// it loads from the same yaml/env/flag layers.
type CoreConfig struct {
	Embedding EmbeddingConfig `koanf:"embedding"`
	Index     IndexConfig     `koanf:"index"`
	Cache     CoreCacheConfig `koanf:"cache"`
	Search    SearchConfig    `koanf:"search"`
	Sched     CoreSchedConfig `koanf:"scheduler"`
	Memory    MemoryConfig    `koanf:"memory"`
	Backup    BackupConfig    `koanf:"backup"`
	CAS       CASConfig       `koanf:"cas"`
	VFS       VFSConfig       `koanf:"vfs"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
}

type EmbeddingConfig struct {
	Provider string   `koanf:"provider"`
	Model    string   `koanf:"model"`
	Fallback []string `koanf:"fallback"`
}

type IndexConfig struct {
	Dim             int                 `koanf:"dim"`
	Metric          string              `koanf:"metric"` // cosine | euclidean | dot
	HNSW            HNSWConfig          `koanf:"hnsw"`
	Quantization    QuantizationConfig  `koanf:"quantization"`
	Shards          int                 `koanf:"shards"`
	Replication     int                 `koanf:"replication"`
	FullScanThresh  int                 `koanf:"full_scan_threshold"`
	WriteRetryMax   int                 `koanf:"write_retry_max"`
	WriteRetryBase  string              `koanf:"write_retry_base"`
}

type HNSWConfig struct {
	M            int `koanf:"m"`
	EfConstruct  int `koanf:"ef_construct"`
	EfSearch     int `koanf:"ef_search"`
}

type QuantizationConfig struct {
	Kind string `koanf:"kind"` // none | scalar_int8 | product
}

type CoreCacheConfig struct {
	EnableEmbedding bool   `koanf:"enable_embedding"`
	EmbeddingSize   int64  `koanf:"embedding_size"`
	EmbeddingTTL    string `koanf:"embedding_ttl"`
	EnableQuery     bool   `koanf:"enable_query"`
	QuerySize       int64  `koanf:"query_size"`
	QueryTTL        string `koanf:"query_ttl"`
}

type SearchConfig struct {
	Hybrid          bool             `koanf:"hybrid"`
	Reranking       bool             `koanf:"reranking"`
	MaxLimit        int              `koanf:"max_limit"`
	DefaultThresh   float64          `koanf:"default_threshold"`
	Weights         SearchWeights    `koanf:"weights"`
	RecencyTau      string           `koanf:"recency_tau"`
}

type SearchWeights struct {
	Semantic   float64 `koanf:"semantic"`
	Lexical    float64 `koanf:"lexical"`
	Recency    float64 `koanf:"recency"`
	Popularity float64 `koanf:"popularity"`
}

type CoreSchedConfig struct {
	MaxConcurrency      int    `koanf:"max_concurrency"`
	PerAgentConcurrency int    `koanf:"per_agent_concurrency"`
	MaxQueueSize        int    `koanf:"max_queue_size"`
	FairnessWindow      int    `koanf:"fairness_window"`
	PollInterval        string `koanf:"poll_interval"`
}

type MemoryConfig struct {
	WorkingCapacityPerAgent int     `koanf:"working_capacity_per_agent"`
	WorkingTTL              string  `koanf:"working_ttl"`
	ConsolidationThreshold  float64 `koanf:"consolidation_threshold"`
	ConsolidationInterval   string  `koanf:"consolidation_interval"`
}

type BackupConfig struct {
	Dir             string `koanf:"dir"`
	MaxScheduled    int    `koanf:"max_scheduled"`
	MaxIncremental  int    `koanf:"max_incremental"`
	AutoVerify      bool   `koanf:"auto_verify"`
	Compress        bool   `koanf:"compress"`
	ScheduledCron   string `koanf:"scheduled_cron"`
}

type CASConfig struct {
	Dir string `koanf:"dir"`
}

type VFSConfig struct {
	Dir                string `koanf:"dir"`
	MaxPathSegmentLen  int    `koanf:"max_path_segment_len"`
	MaxPathLen         int    `koanf:"max_path_len"`
	OverlayGCInterval  string `koanf:"overlay_gc_interval"`
}

type WorkflowConfig struct {
	MaxParallel  int    `koanf:"max_parallel"`
	RetryMax     int    `koanf:"retry_max"`
	RetryBase    string `koanf:"retry_base"`
}

// Defaults for the COC configuration surface, in the teacher's
// Default<Section><Field> naming convention (see config.go).
const (
	DefaultCoreEmbeddingProvider = "anthropic"
	DefaultCoreEmbeddingModel    = DefaultModelEmbedding

	DefaultCoreIndexDim            = 768
	DefaultCoreIndexMetric         = "cosine"
	DefaultCoreIndexHNSWM          = 16
	DefaultCoreIndexEfConstruct    = 200
	DefaultCoreIndexEfSearch       = 64
	DefaultCoreIndexFullScanThresh = 200
	DefaultCoreIndexWriteRetryMax  = 5
	DefaultCoreIndexWriteRetryBase = "50ms"

	DefaultCoreCacheEmbeddingSize = int64(10000)
	DefaultCoreCacheEmbeddingTTL  = "24h"
	DefaultCoreCacheQuerySize     = int64(5000)
	DefaultCoreCacheQueryTTL      = "5m"

	DefaultCoreSearchMaxLimit      = 100
	DefaultCoreSearchThreshold     = 0.0
	DefaultCoreSearchWeightSem     = 0.55
	DefaultCoreSearchWeightLex     = 0.25
	DefaultCoreSearchWeightRecency = 0.10
	DefaultCoreSearchWeightPop     = 0.10
	DefaultCoreSearchRecencyTau    = "168h"

	DefaultCoreSchedMaxConcurrency      = 32
	DefaultCoreSchedPerAgentConcurrency = 4
	DefaultCoreSchedMaxQueueSize        = 1000
	DefaultCoreSchedFairnessWindow      = 8
	DefaultCoreSchedPollInterval        = "25ms"

	DefaultCoreMemoryWorkingCapacity       = 256
	DefaultCoreMemoryWorkingTTL            = "30m"
	DefaultCoreMemoryConsolidationThresh   = 0.8
	DefaultCoreMemoryConsolidationInterval = "1h"

	DefaultCoreBackupMaxScheduled   = 7
	DefaultCoreBackupMaxIncremental = 24
	DefaultCoreBackupScheduledCron  = "0 */6 * * *"

	DefaultCoreVFSMaxPathSegmentLen = 255
	DefaultCoreVFSMaxPathLen        = 4096
	DefaultCoreVFSOverlayGCInterval = "10m"

	DefaultCoreWorkflowMaxParallel = 8
	DefaultCoreWorkflowRetryMax    = 3
	DefaultCoreWorkflowRetryBase   = "200ms"
)

// ApplyCoreDefaults fills zero-valued fields of a CoreConfig with the
// defaults above, mirroring the fallback pattern used throughout config.go
// (e.g. NewScheduler in internal/scheduler).
func ApplyCoreDefaults(c *CoreConfig) {
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = DefaultCoreEmbeddingProvider
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = DefaultCoreEmbeddingModel
	}

	if c.Index.Dim <= 0 {
		c.Index.Dim = DefaultCoreIndexDim
	}
	if c.Index.Metric == "" {
		c.Index.Metric = DefaultCoreIndexMetric
	}
	if c.Index.HNSW.M <= 0 {
		c.Index.HNSW.M = DefaultCoreIndexHNSWM
	}
	if c.Index.HNSW.EfConstruct <= 0 {
		c.Index.HNSW.EfConstruct = DefaultCoreIndexEfConstruct
	}
	if c.Index.HNSW.EfSearch <= 0 {
		c.Index.HNSW.EfSearch = DefaultCoreIndexEfSearch
	}
	if c.Index.FullScanThresh <= 0 {
		c.Index.FullScanThresh = DefaultCoreIndexFullScanThresh
	}
	if c.Index.WriteRetryMax <= 0 {
		c.Index.WriteRetryMax = DefaultCoreIndexWriteRetryMax
	}
	if c.Index.WriteRetryBase == "" {
		c.Index.WriteRetryBase = DefaultCoreIndexWriteRetryBase
	}

	if c.Cache.EmbeddingSize <= 0 {
		c.Cache.EmbeddingSize = DefaultCoreCacheEmbeddingSize
	}
	if c.Cache.EmbeddingTTL == "" {
		c.Cache.EmbeddingTTL = DefaultCoreCacheEmbeddingTTL
	}
	if c.Cache.QuerySize <= 0 {
		c.Cache.QuerySize = DefaultCoreCacheQuerySize
	}
	if c.Cache.QueryTTL == "" {
		c.Cache.QueryTTL = DefaultCoreCacheQueryTTL
	}

	if c.Search.MaxLimit <= 0 {
		c.Search.MaxLimit = DefaultCoreSearchMaxLimit
	}
	if c.Search.Weights.Semantic == 0 && c.Search.Weights.Lexical == 0 &&
		c.Search.Weights.Recency == 0 && c.Search.Weights.Popularity == 0 {
		c.Search.Weights = SearchWeights{
			Semantic:   DefaultCoreSearchWeightSem,
			Lexical:    DefaultCoreSearchWeightLex,
			Recency:    DefaultCoreSearchWeightRecency,
			Popularity: DefaultCoreSearchWeightPop,
		}
	}
	if c.Search.RecencyTau == "" {
		c.Search.RecencyTau = DefaultCoreSearchRecencyTau
	}

	if c.Sched.MaxConcurrency <= 0 {
		c.Sched.MaxConcurrency = DefaultCoreSchedMaxConcurrency
	}
	if c.Sched.PerAgentConcurrency <= 0 {
		c.Sched.PerAgentConcurrency = DefaultCoreSchedPerAgentConcurrency
	}
	if c.Sched.MaxQueueSize <= 0 {
		c.Sched.MaxQueueSize = DefaultCoreSchedMaxQueueSize
	}
	if c.Sched.FairnessWindow <= 0 {
		c.Sched.FairnessWindow = DefaultCoreSchedFairnessWindow
	}
	if c.Sched.PollInterval == "" {
		c.Sched.PollInterval = DefaultCoreSchedPollInterval
	}

	if c.Memory.WorkingCapacityPerAgent <= 0 {
		c.Memory.WorkingCapacityPerAgent = DefaultCoreMemoryWorkingCapacity
	}
	if c.Memory.WorkingTTL == "" {
		c.Memory.WorkingTTL = DefaultCoreMemoryWorkingTTL
	}
	if c.Memory.ConsolidationThreshold <= 0 {
		c.Memory.ConsolidationThreshold = DefaultCoreMemoryConsolidationThresh
	}
	if c.Memory.ConsolidationInterval == "" {
		c.Memory.ConsolidationInterval = DefaultCoreMemoryConsolidationInterval
	}

	if c.Backup.MaxScheduled <= 0 {
		c.Backup.MaxScheduled = DefaultCoreBackupMaxScheduled
	}
	if c.Backup.MaxIncremental <= 0 {
		c.Backup.MaxIncremental = DefaultCoreBackupMaxIncremental
	}
	if c.Backup.ScheduledCron == "" {
		c.Backup.ScheduledCron = DefaultCoreBackupScheduledCron
	}

	if c.VFS.MaxPathSegmentLen <= 0 {
		c.VFS.MaxPathSegmentLen = DefaultCoreVFSMaxPathSegmentLen
	}
	if c.VFS.MaxPathLen <= 0 {
		c.VFS.MaxPathLen = DefaultCoreVFSMaxPathLen
	}
	if c.VFS.OverlayGCInterval == "" {
		c.VFS.OverlayGCInterval = DefaultCoreVFSOverlayGCInterval
	}

	if c.Workflow.MaxParallel <= 0 {
		c.Workflow.MaxParallel = DefaultCoreWorkflowMaxParallel
	}
	if c.Workflow.RetryMax <= 0 {
		c.Workflow.RetryMax = DefaultCoreWorkflowRetryMax
	}
	if c.Workflow.RetryBase == "" {
		c.Workflow.RetryBase = DefaultCoreWorkflowRetryBase
	}
}

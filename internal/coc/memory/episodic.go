package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/heike/internal/coc/cas"
	"github.com/harunnryd/heike/internal/coc/vector"
	heikeErrors "github.com/harunnryd/heike/internal/errors"

	"github.com/oklog/ulid/v2"
)

// CollectionEpisodes is the vector index's reserved collection for episode
// embeddings (spec §4.G "indexed ... by embedded vector via VI under a
// reserved collection").
const CollectionEpisodes = "episodes"

const (
	// EpisodeKeyPrefix addresses an episode's primary record; exported
	// alongside EpisodeWorkspaceIndexPrefix for internal/coc/backup.
	EpisodeKeyPrefix = "episode:"
	episodeAgentIdx  = "idx:episode:agent:"

	// EpisodeWorkspaceIndexPrefix indexes episodes by workspace; exported so
	// internal/coc/backup can select exactly one workspace's episodic
	// records out of a raw-keyspace snapshot for workspace-granular restore.
	EpisodeWorkspaceIndexPrefix = "idx:episode:workspace:"
)

// Episode is an immutable (after completion) record of agent work (spec §3).
type Episode struct {
	ID                string
	Kind              string // task | learning | exploration | refactor | impact_analysis | ...
	AgentID           string
	SessionID         string
	WorkspaceID       string
	TaskDescription   string
	FilesTouched      []string
	EntitiesCreated   []string
	EntitiesModified  []string
	EntitiesDeleted   []string
	QueriesMade       []string
	ToolsUsed         []string
	SolutionSummary   string
	Outcome           string // success | failure | partial
	Metrics           map[string]float64
	LessonsLearned    []string
	Duration          time.Duration
	TokensUsed        int64
	Embedding         []float32
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// Episodic is the durable, append-only episodic memory tier (spec §4.G),
// grounded on internal/orchestrator/memory/manager.go's embed-then-store
// shape, generalized from a bare fact string into the full Episode record
// and indexed by agent/workspace/time in addition to by vector.
type Episodic struct {
	store *cas.Store
	vec   *vector.Collection // optional: nil disables vector indexing

	mu sync.Mutex
}

// NewEpisodic builds an episodic store over store, optionally also indexing
// episode embeddings into vecCol (pass nil to skip vector indexing).
func NewEpisodic(store *cas.Store, vecCol *vector.Collection) *Episodic {
	return &Episodic{store: store, vec: vecCol}
}

// Append records a completed (or in-flight) Episode. IDs are assigned if
// empty.
func (e *Episodic) Append(ctx context.Context, ep Episode) (Episode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ep.ID == "" {
		ep.ID = ulid.Make().String()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}

	data, err := json.Marshal(ep)
	if err != nil {
		return Episode{}, heikeErrors.Corrupted("marshal episode: " + err.Error())
	}
	if err := e.store.PutRaw(EpisodeKeyPrefix+ep.ID, data); err != nil {
		return Episode{}, err
	}

	ts := fmt.Sprintf("%020d", ep.CreatedAt.UnixNano())
	if err := e.store.PutRaw(episodeAgentIdx+ep.AgentID+":"+ts+":"+ep.ID, nil); err != nil {
		return Episode{}, err
	}
	if err := e.store.PutRaw(EpisodeWorkspaceIndexPrefix+ep.WorkspaceID+":"+ts+":"+ep.ID, nil); err != nil {
		return Episode{}, err
	}

	if e.vec != nil && len(ep.Embedding) > 0 {
		payload := map[string]string{"agent_id": ep.AgentID, "workspace_id": ep.WorkspaceID, "kind": ep.Kind, "outcome": ep.Outcome}
		if err := e.vec.Insert(ep.ID, ep.Embedding, payload, ep.TaskDescription); err != nil {
			return Episode{}, err
		}
	}

	return ep, nil
}

// Get retrieves one Episode by id.
func (e *Episodic) Get(id string) (Episode, error) {
	data, err := e.store.GetRaw(EpisodeKeyPrefix + id)
	if err != nil {
		return Episode{}, err
	}
	var ep Episode
	if err := json.Unmarshal(data, &ep); err != nil {
		return Episode{}, heikeErrors.Corrupted("unmarshal episode: " + err.Error())
	}
	return ep, nil
}

// ListByAgent returns every Episode for agentID, oldest first.
func (e *Episodic) ListByAgent(agentID string) ([]Episode, error) {
	return e.listByIndex(episodeAgentIdx + agentID + ":")
}

// ListByWorkspace returns every Episode for workspaceID, oldest first.
func (e *Episodic) ListByWorkspace(workspaceID string) ([]Episode, error) {
	return e.listByIndex(EpisodeWorkspaceIndexPrefix + workspaceID + ":")
}

// ListRecent returns every Episode created at or after since, oldest
// first. Used by the consolidation loop to find candidates for Semantic.Consolidate.
func (e *Episodic) ListRecent(since time.Time) ([]Episode, error) {
	raw, err := e.store.ListRawPrefix(EpisodeKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Episode, 0, len(raw))
	for _, data := range raw {
		var ep Episode
		if err := json.Unmarshal(data, &ep); err != nil {
			continue
		}
		if ep.CreatedAt.Before(since) {
			continue
		}
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (e *Episodic) listByIndex(prefix string) ([]Episode, error) {
	keys, err := e.store.ListRawPrefix(prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for k := range keys {
		ids = append(ids, k)
	}
	sort.Strings(ids) // the timestamp prefix sorts lexicographically in creation order

	out := make([]Episode, 0, len(ids))
	for _, k := range ids {
		parts := strings.Split(k, ":")
		id := parts[len(parts)-1]
		ep, err := e.Get(id)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

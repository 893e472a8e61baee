// Package access implements access control (spec §4.H): an O(1) read/write
// check over {workspace, memory pool, symbol edge kind, episode} resources,
// grounded on the teacher's internal/policy/engine.go approval/quota engine
// (sync.RWMutex-guarded maps, generalized here from tool-name approval to
// resource-access policy).
package access

import (
	"sort"
	"sync"
	"time"

	heikeErrors "github.com/harunnryd/heike/internal/errors"
)

// Resource identifies what kind of thing a permission check is about.
type Resource string

const (
	ResourceWorkspace      Resource = "workspace"
	ResourceMemoryPool     Resource = "memory_pool"
	ResourceSymbolEdgeKind Resource = "symbol_edge_kind"
	ResourceEpisode        Resource = "episode"
)

// Policy selects how a resource's owners/readers/writers lists are
// interpreted.
type Policy string

const (
	PolicyShared       Policy = "shared"       // all agents may read and write
	PolicyReadOnly     Policy = "read_only"    // all agents may read, only owners write
	PolicyPrivate      Policy = "private"      // only agents on the explicit allow list
	PolicyHierarchical Policy = "hierarchical" // the orchestrator role always allows; others need an explicit entry
)

// Permission is the kind of access being checked.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// RoleOrchestrator is the role that PolicyHierarchical always allows.
const RoleOrchestrator = "orchestrator"

type resourceKey struct {
	resource Resource
	id       string
}

type entry struct {
	policy  Policy
	owners  map[string]struct{}
	readers map[string]struct{}
	writers map[string]struct{}
}

func newEntry(policy Policy) *entry {
	return &entry{policy: policy, owners: make(map[string]struct{}), readers: make(map[string]struct{}), writers: make(map[string]struct{})}
}

// Denial is a recorded denied access attempt (spec §4.H "on denial, record
// the attempt").
type Denial struct {
	AgentID    string
	Role       string
	Resource   Resource
	ResourceID string
	Permission Permission
	At         time.Time
}

// Engine is the access-control checker. All fields are guarded by mu; a
// Check that allows access performs no writes (spec §4.H "no mutation from a
// check"), only a denial appends to the (bounded) denial log.
type Engine struct {
	mu         sync.RWMutex
	entries    map[resourceKey]*entry
	denials    []Denial
	maxDenials int
}

// defaultMaxDenials bounds the in-memory denial log so a misbehaving agent
// hammering a private resource cannot grow it unboundedly.
const defaultMaxDenials = 10_000

// New builds an empty access-control engine.
func New() *Engine {
	return &Engine{entries: make(map[resourceKey]*entry), maxDenials: defaultMaxDenials}
}

// Register declares a resource's policy and initial owner. Re-registering
// an existing resource replaces its policy but keeps existing
// readers/writers/owners.
func (e *Engine) Register(resource Resource, id string, policy Policy, owner string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := resourceKey{resource, id}
	ent, ok := e.entries[key]
	if !ok {
		ent = newEntry(policy)
		e.entries[key] = ent
	} else {
		ent.policy = policy
	}
	if owner != "" {
		ent.owners[owner] = struct{}{}
	}
}

// Grant adds agentID to a resource's reader/writer allow list. Granting
// write access implies read access.
func (e *Engine) Grant(resource Resource, id, agentID string, perm Permission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.entryLocked(resource, id)
	ent.readers[agentID] = struct{}{}
	if perm == PermissionWrite {
		ent.writers[agentID] = struct{}{}
	}
}

// Revoke removes agentID from a resource's reader and writer allow lists.
func (e *Engine) Revoke(resource Resource, id, agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[resourceKey{resource, id}]
	if !ok {
		return
	}
	delete(ent.readers, agentID)
	delete(ent.writers, agentID)
}

func (e *Engine) entryLocked(resource Resource, id string) *entry {
	key := resourceKey{resource, id}
	ent, ok := e.entries[key]
	if !ok {
		ent = newEntry(PolicyPrivate)
		e.entries[key] = ent
	}
	return ent
}

// Check evaluates whether agentID (acting under role) may exercise perm on
// (resource, id). An unregistered resource defaults to PolicyPrivate with no
// entries, i.e. deny-all except its (absent) owner — the safe default.
func (e *Engine) Check(agentID, role string, resource Resource, id string, perm Permission) error {
	e.mu.RLock()
	ent, ok := e.entries[resourceKey{resource, id}]
	e.mu.RUnlock()

	if !ok {
		e.recordDenial(agentID, role, resource, id, perm)
		return heikeErrors.NewAccessDenied(agentID, string(resource), id)
	}

	if allowed(ent, agentID, role, perm) {
		return nil
	}
	e.recordDenial(agentID, role, resource, id, perm)
	return heikeErrors.NewAccessDenied(agentID, string(resource), id)
}

func allowed(ent *entry, agentID, role string, perm Permission) bool {
	if _, isOwner := ent.owners[agentID]; isOwner {
		return true
	}
	switch ent.policy {
	case PolicyShared:
		return true
	case PolicyReadOnly:
		return perm == PermissionRead
	case PolicyPrivate:
		if perm == PermissionWrite {
			_, ok := ent.writers[agentID]
			return ok
		}
		_, ok := ent.readers[agentID]
		return ok
	case PolicyHierarchical:
		if role == RoleOrchestrator {
			return true
		}
		if perm == PermissionWrite {
			_, ok := ent.writers[agentID]
			return ok
		}
		_, ok := ent.readers[agentID]
		return ok
	default:
		return false
	}
}

func (e *Engine) recordDenial(agentID, role string, resource Resource, id string, perm Permission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.denials) >= e.maxDenials {
		e.denials = e.denials[1:]
	}
	e.denials = append(e.denials, Denial{
		AgentID: agentID, Role: role, Resource: resource, ResourceID: id, Permission: perm, At: time.Now(),
	})
}

// Denials returns a snapshot of recorded denied attempts, oldest first.
func (e *Engine) Denials() []Denial {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Denial, len(e.denials))
	copy(out, e.denials)
	return out
}

// DenialsFor returns denials recorded for a specific agent, oldest first.
func (e *Engine) DenialsFor(agentID string) []Denial {
	all := e.Denials()
	out := make([]Denial, 0)
	for _, d := range all {
		if d.AgentID == agentID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Package agent implements the agent coordinator (spec §4.J): capability
// tagged agent variants, registration/lifecycle, per-task VFS session
// binding, Episode capture and metrics. Grounded on the teacher's
// internal/orchestrator/kernel.go Component lifecycle shape and
// internal/orchestrator/task/manager.go's task-dispatch/capture loop,
// generalized from one fixed chat-assistant kernel into a registry of
// polymorphic agent variants dispatched through the priority scheduler.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/heike/internal/coc/memory"
	"github.com/harunnryd/heike/internal/coc/priority"
	"github.com/harunnryd/heike/internal/coc/vfs"
	heikeErrors "github.com/harunnryd/heike/internal/errors"
)

// Capability is one of the capability tags a Variant may declare (spec
// §4.J).
type Capability string

const (
	CapabilityCodeGeneration Capability = "code-generation"
	CapabilityTesting        Capability = "testing"
	CapabilityReview         Capability = "review"
	CapabilityArchitecture   Capability = "architecture"
	CapabilityResearch       Capability = "research"
	CapabilityOptimization   Capability = "optimization"
	CapabilityDocumentation  Capability = "documentation"
)

// Variant declares one polymorphic agent kind (spec §4.J: "id, name, role,
// capabilities, metrics").
type Variant struct {
	ID           string
	Name         string
	Role         string
	Capabilities []Capability
}

// HasCapability reports whether v declares cap.
func (v Variant) HasCapability(cap Capability) bool {
	for _, c := range v.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Metrics is the running per-agent counter set exposed by get_metrics/
// system_stats.
type Metrics struct {
	TasksCompleted int64
	TasksFailed    int64
	TasksCancelled int64
	TotalDuration  time.Duration
}

// TaskFunc is the agent-supplied unit of work. It receives a bound VFS
// session scoped to the task and returns the Episode it wants captured
// (Outcome/Duration/AgentID/WorkspaceID are filled in by the coordinator).
type TaskFunc func(ctx context.Context, sess *vfs.Session) (memory.Episode, error)

// Task is one unit of work submitted against a registered agent.
type Task struct {
	ID          string
	AgentID     string
	Priority    priority.Priority
	Deadline    time.Time
	WorkspaceID string
	Scope       vfs.Scope
	Fn          TaskFunc
}

type registeredAgent struct {
	variant      Variant
	metrics      Metrics
	unregistered bool
}

// Coordinator is the agent registry and dispatcher (AGC).
type Coordinator struct {
	vfsys     *vfs.VFS
	scheduler *priority.Scheduler
	episodic  *memory.Episodic
	working   *memory.Working

	mu     sync.RWMutex
	agents map[string]*registeredAgent
}

// New builds an agent coordinator wired to the VFS, priority scheduler,
// episodic memory and working memory it dispatches through.
func New(vfsys *vfs.VFS, scheduler *priority.Scheduler, episodic *memory.Episodic, working *memory.Working) *Coordinator {
	return &Coordinator{
		vfsys:     vfsys,
		scheduler: scheduler,
		episodic:  episodic,
		working:   working,
		agents:    make(map[string]*registeredAgent),
	}
}

// Namespace returns the namespace a registered agent's resources live
// under (spec §4.J step 1: "allocate namespace agent::{id}").
func Namespace(agentID string) string {
	return "agent::" + agentID
}

// Register records a new agent variant with zeroed metrics under
// Namespace(v.ID) (spec §4.J lifecycle step 1). Its working-memory
// partition is created by memory.Working on first use, not here.
func (c *Coordinator) Register(v Variant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.agents[v.ID]; exists {
		return heikeErrors.AlreadyExists(fmt.Sprintf("agent %q already registered", v.ID))
	}
	c.agents[v.ID] = &registeredAgent{variant: v}
	slog.Info("agent registered", "agent_id", v.ID, "role", v.Role, "namespace", Namespace(v.ID))
	return nil
}

// Unregister drains an agent: no new tasks are accepted, but its metrics
// remain queryable until the caller evicts them (spec §4.J lifecycle step
// 4 — "keep metrics for historical queries until retention window").
func (c *Coordinator) Unregister(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		return heikeErrors.NotFound(fmt.Sprintf("agent %q not registered", agentID))
	}
	a.unregistered = true
	return nil
}

// ListAgents returns every registered Variant, sorted by id.
func (c *Coordinator) ListAgents() []Variant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Variant, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.variant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetMetrics returns the current Metrics snapshot for agentID.
func (c *Coordinator) GetMetrics(agentID string) (Metrics, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[agentID]
	if !ok {
		return Metrics{}, heikeErrors.NotFound(fmt.Sprintf("agent %q not registered", agentID))
	}
	return a.metrics, nil
}

// SystemStats aggregates Metrics across every registered agent.
func (c *Coordinator) SystemStats() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total Metrics
	for _, a := range c.agents {
		total.TasksCompleted += a.metrics.TasksCompleted
		total.TasksFailed += a.metrics.TasksFailed
		total.TasksCancelled += a.metrics.TasksCancelled
		total.TotalDuration += a.metrics.TotalDuration
	}
	return total
}

// Submit admits t onto the priority scheduler (spec §4.J lifecycle step 2:
// "PS.admit -> on run, AGC creates a VFS session ... invokes the agent's
// task function, captures emitted Episode"). The returned channel receives
// the Result once the task finishes, is cancelled, or is dropped.
func (c *Coordinator) Submit(t Task) (<-chan priority.Result, error) {
	c.mu.RLock()
	a, ok := c.agents[t.AgentID]
	c.mu.RUnlock()
	if !ok {
		return nil, heikeErrors.NotFound(fmt.Sprintf("agent %q not registered", t.AgentID))
	}
	if a.unregistered {
		return nil, heikeErrors.Unsupported(fmt.Sprintf("agent %q is unregistered", t.AgentID))
	}

	run := func(ctx context.Context) (any, error) {
		return c.run(ctx, t)
	}

	req := &priority.Request{
		RequestID: t.ID,
		AgentID:   t.AgentID,
		Priority:  t.Priority,
		Deadline:  t.Deadline,
		Run:       run,
	}
	return c.scheduler.Admit(req), nil
}

// run creates the task's VFS session, invokes its task function, merges or
// aborts the session depending on the outcome, persists the resulting
// Episode, and updates metrics (spec §4.J lifecycle steps 2-3).
func (c *Coordinator) run(ctx context.Context, t Task) (memory.Episode, error) {
	sess, err := c.vfsys.CreateSession(t.WorkspaceID, t.AgentID, t.Scope)
	if err != nil {
		c.recordOutcome(t.AgentID, "failure", 0)
		return memory.Episode{}, err
	}

	start := time.Now()
	ep, runErr := t.Fn(ctx, sess)
	duration := time.Since(start)

	outcome := "success"
	switch {
	case runErr != nil && ctx.Err() != nil:
		outcome = "partial"
	case runErr != nil:
		outcome = "failure"
	}

	if outcome == "success" {
		if mergeErr := c.vfsys.MergeSession(sess.ID, vfs.MergeAuto); mergeErr != nil {
			outcome = "failure"
			runErr = mergeErr
			_ = c.vfsys.AbortSession(sess.ID, t.AgentID)
		}
	} else {
		_ = c.vfsys.AbortSession(sess.ID, t.AgentID)
	}

	ep.AgentID = t.AgentID
	ep.WorkspaceID = t.WorkspaceID
	ep.Outcome = outcome
	ep.Duration = duration
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = start
	}
	completedAt := start.Add(duration)
	ep.CompletedAt = &completedAt

	if c.episodic != nil {
		if _, err := c.episodic.Append(ctx, ep); err != nil {
			slog.Warn("failed to persist episode", "agent_id", t.AgentID, "task_id", t.ID, "error", err)
		}
	}

	c.recordOutcome(t.AgentID, outcome, duration)
	return ep, runErr
}

func (c *Coordinator) recordOutcome(agentID, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		return
	}
	switch outcome {
	case "success":
		a.metrics.TasksCompleted++
	case "partial":
		a.metrics.TasksCancelled++
	default:
		a.metrics.TasksFailed++
	}
	a.metrics.TotalDuration += duration
}

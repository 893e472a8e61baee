// Package coc composes the Cognitive Orchestration Core: content store,
// virtual filesystem, symbol graph, vector index, retrieval engine, memory
// tiers, access control, priority scheduler, agent coordinator, workflow
// engine, context compressor and backup manager into one Core, wired the
// way internal/daemon composes its components (a fixed list registered
// with Init/Start/Stop/Health), per SPEC_FULL.md's top-level composition.
package coc

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/heike/internal/coc/access"
	"github.com/harunnryd/heike/internal/coc/agent"
	"github.com/harunnryd/heike/internal/coc/backup"
	"github.com/harunnryd/heike/internal/coc/cas"
	"github.com/harunnryd/heike/internal/coc/compress"
	"github.com/harunnryd/heike/internal/coc/graph"
	"github.com/harunnryd/heike/internal/coc/memory"
	"github.com/harunnryd/heike/internal/coc/parser"
	"github.com/harunnryd/heike/internal/coc/priority"
	"github.com/harunnryd/heike/internal/coc/retrieval"
	"github.com/harunnryd/heike/internal/coc/vector"
	"github.com/harunnryd/heike/internal/coc/vfs"
	"github.com/harunnryd/heike/internal/coc/workflow"
	"github.com/harunnryd/heike/internal/config"
	"github.com/harunnryd/heike/internal/daemon"
	heikeErrors "github.com/harunnryd/heike/internal/errors"
)

// retrievalCollection is the vector collection RE searches over, distinct
// from memory.CollectionEpisodes which episodic memory indexes into.
const retrievalCollection = "retrieval"

// WorkflowTaskInput is what a workflow.TaskSpec.Input must hold for Core's
// workflow Dispatcher to run it through the agent coordinator: the pieces
// of agent.Task that a DAG task author controls (AgentID/WorkspaceID/
// Scope/Priority/Deadline/Fn). TaskSpec stays a narrow, agent-agnostic
// struct (see internal/coc/workflow's package doc); this is the one place
// that bridges it to agent.Task.
type WorkflowTaskInput struct {
	AgentID     string
	WorkspaceID string
	Scope       vfs.Scope
	Priority    priority.Priority
	Deadline    time.Time
	Fn          agent.TaskFunc
}

// Core wires every internal/coc/* subsystem into one lifecycle-managed
// component, in the style of internal/daemon's components: a fixed set of
// long-lived collaborators built
// once in New, started and stopped together.
type Core struct {
	cfg config.CoreConfig

	CAS       *cas.Store
	VFS       *vfs.VFS
	Parser    *parser.Registry
	Graph     *graph.Graph
	Vector    *vector.Index
	Retrieval *retrieval.Engine
	Episodic  *memory.Episodic
	Semantic  *memory.Semantic
	Working   *memory.Working
	Access    *access.Engine
	Scheduler *priority.Scheduler
	Agents    *agent.Coordinator
	Workflows *workflow.Engine
	Compress  *compress.Compressor
	Backups   *backup.Manager

	consolidationInterval time.Duration
	schemaVersion         int

	stop     chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// New builds every subsystem and wires the cross-package collaborations
// SPEC_FULL.md calls for (RE over VI, AGC over VFS/PS/episodic/working
// memory, the workflow Dispatcher over AGC). embedder backs both RE and
// episodic-memory embedding and is supplied by the caller so this package
// never imports internal/model directly (same narrowing agent/retrieval
// already apply).
func New(cfg config.CoreConfig, embedder retrieval.Embedder) (*Core, error) {
	config.ApplyCoreDefaults(&cfg)

	store, err := cas.Open(filepath.Join(cfg.CAS.Dir, "cas.db"))
	if err != nil {
		return nil, err
	}

	vectorIndex, err := vector.Open(filepath.Join(cfg.CAS.Dir, "vectors"), cfg.Index)
	if err != nil {
		return nil, err
	}
	episodeCol, err := vectorIndex.Collection(memory.CollectionEpisodes)
	if err != nil {
		return nil, err
	}
	retrievalCol, err := vectorIndex.Collection(retrievalCollection)
	if err != nil {
		return nil, err
	}

	retrievalEngine, err := retrieval.New(retrievalCol, embedder, cfg.Search, cfg.Cache)
	if err != nil {
		return nil, err
	}

	episodic := memory.NewEpisodic(store, episodeCol)
	semantic, err := memory.NewSemantic(store, cfg.Memory.ConsolidationThreshold)
	if err != nil {
		return nil, err
	}
	workingTTL, err := time.ParseDuration(cfg.Memory.WorkingTTL)
	if err != nil {
		return nil, heikeErrors.InvalidInput("invalid memory.working_ttl: " + err.Error())
	}
	working := memory.NewWorking(cfg.Memory.WorkingCapacityPerAgent, workingTTL)

	scheduler, err := priority.New(cfg.Sched)
	if err != nil {
		return nil, err
	}

	vfsys := vfs.New(store, cfg.VFS)
	agents := agent.New(vfsys, scheduler, episodic, working)

	backupMgr, err := backup.NewManager(store, cfg.Backup)
	if err != nil {
		return nil, err
	}

	consolidationInterval, err := time.ParseDuration(cfg.Memory.ConsolidationInterval)
	if err != nil {
		return nil, heikeErrors.InvalidInput("invalid memory.consolidation_interval: " + err.Error())
	}

	c := &Core{
		cfg:                   cfg,
		CAS:                   store,
		VFS:                   vfsys,
		Parser:                parser.NewRegistry(),
		Graph:                 graph.New(),
		Vector:                vectorIndex,
		Retrieval:             retrievalEngine,
		Episodic:              episodic,
		Semantic:              semantic,
		Working:               working,
		Access:                access.New(),
		Scheduler:             scheduler,
		Agents:                agents,
		Compress:              compress.New(0.7),
		Backups:               backupMgr,
		consolidationInterval: consolidationInterval,
		stop:                  make(chan struct{}),
	}
	c.Workflows = workflow.New(c.dispatchWorkflowTask, cfg.Workflow)
	return c, nil
}

// dispatchWorkflowTask is the workflow.Dispatcher bridging DAG tasks onto
// the agent coordinator (spec §4.K "topological concurrent dispatch
// through PS"): it type-asserts TaskSpec.Input into a WorkflowTaskInput,
// submits an agent.Task built from it, and blocks on the returned channel
// for that one task's Result (Execute's own per-batch goroutines already
// provide the fan-out, so this call is synchronous from the batch's
// perspective).
func (c *Core) dispatchWorkflowTask(ctx context.Context, t workflow.TaskSpec, _ map[string]workflow.TaskResult) (any, error) {
	input, ok := t.Input.(WorkflowTaskInput)
	if !ok {
		return nil, heikeErrors.InvalidInput(fmt.Sprintf("workflow task %q: Input is not a coc.WorkflowTaskInput", t.ID))
	}

	ch, err := c.Agents.Submit(agent.Task{
		ID:          t.ID,
		AgentID:     input.AgentID,
		Priority:    input.Priority,
		Deadline:    input.Deadline,
		WorkspaceID: input.WorkspaceID,
		Scope:       input.Scope,
		Fn:          input.Fn,
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Core) Name() string { return "CognitiveOrchestrationCore" }

func (c *Core) Dependencies() []string { return nil }

func (c *Core) Init(ctx context.Context) error {
	return c.Scheduler.Init(ctx)
}

// Start begins the priority scheduler's dispatch loop plus two background
// loops this package owns directly rather than exposing as daemon
// sub-components: episodic-memory consolidation (spec §4.G, folding recent
// episodes into Semantic patterns on cfg.Memory.ConsolidationInterval) and
// scheduled backups (spec §4.M, polling Backups.DueForScheduledBackup on
// the same cron cadence internal/scheduler/store.go's ShouldFire uses).
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := c.Scheduler.Start(ctx); err != nil {
		return err
	}

	c.wg.Add(2)
	go c.runConsolidationLoop(ctx)
	go c.runScheduledBackupLoop(ctx)
	c.started = true
	return nil
}

func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	close(c.stop)
	c.wg.Wait()
	c.started = false
	return c.Scheduler.Stop(ctx)
}

func (c *Core) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if err := c.Scheduler.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}

func (c *Core) runConsolidationLoop(ctx context.Context) {
	defer c.wg.Done()
	if c.consolidationInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.consolidationInterval)
	defer ticker.Stop()

	lastRun := time.Now()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			episodes, err := c.Episodic.ListRecent(lastRun)
			if err != nil {
				continue
			}
			lastRun = now
			if len(episodes) == 0 {
				continue
			}
			if _, err := c.Semantic.Consolidate(ctx, episodes); err != nil {
				continue
			}
		}
	}
}

func (c *Core) runScheduledBackupLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := c.Backups.DueForScheduledBackup(now)
			if err != nil || !due {
				continue
			}
			if _, err := c.Backups.CreateScheduledBackup(ctx, c.schemaVersion); err != nil {
				continue
			}
			_ = c.Backups.MarkScheduledBackupRun(now)
		}
	}
}

// Package workflow implements the workflow engine (spec §4.K): a named DAG
// of tasks dispatched in topological order, with configurable failure
// policies and cooperative cancellation. Grounded on the teacher's
// internal/orchestrator/task/coordinator.go ExecuteDAG/executeBatch/
// executeTask dispatch shape; dependency validation is adapted into an
// explicit DFS-with-recursion-stack cycle check (rather than the teacher's
// Kahn's-algorithm in-degree zeroing) per spec §4.K's literal wording,
// while the actual execution-batch ordering keeps the teacher's in-degree
// batching since the spec only names an algorithm for cycle rejection.
package workflow

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
)

// FailurePolicy governs how a task's failure affects the rest of the
// workflow (spec §4.K: "fail-fast | continue | retry(n, backoff)").
type FailurePolicy string

const (
	FailFast FailurePolicy = "fail-fast"
	Continue FailurePolicy = "continue"
	Retry    FailurePolicy = "retry"
)

// TaskSpec is one DAG node (spec §4.K: "id, name, agent_selector, input").
type TaskSpec struct {
	ID            string
	Name          string
	AgentSelector string
	Input         any
}

// Dispatcher hands a task off to whatever runs it (typically
// agent.Coordinator.Submit, which itself admits through the priority
// scheduler) and blocks until it has an outcome. Implementations must
// respect ctx cancellation.
type Dispatcher func(ctx context.Context, task TaskSpec, deps map[string]TaskResult) (any, error)

// Workflow is a named DAG of tasks plus their dependency edges.
type Workflow struct {
	ID            string
	Name          string
	Tasks         []TaskSpec
	Dependencies  map[string][]string // task id -> ids it depends on
	FailurePolicy FailurePolicy
	RetryMax      int
	RetryBase     time.Duration
}

// TaskResult is the outcome of running one TaskSpec.
type TaskResult struct {
	ID       string
	Success  bool
	Output   any
	Err      error
	Attempts int
	Skipped  bool
}

// Engine dispatches Workflows. It is stateless across runs; MaxParallel
// bounds concurrent dispatch within one batch, mirroring the teacher's
// semaphore-bounded executeBatch.
type Engine struct {
	dispatch    Dispatcher
	maxParallel int
}

// New builds a workflow engine from spec §6 configuration.
func New(dispatch Dispatcher, cfg config.WorkflowConfig) *Engine {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = config.DefaultCoreWorkflowMaxParallel
	}
	return &Engine{dispatch: dispatch, maxParallel: maxParallel}
}

// Validate checks a Workflow is a well-formed DAG (spec §4.K: "reject
// empty workflows, dependencies on unknown tasks, and cycles"). Cycle
// rejection walks the dependency graph depth-first with an explicit
// recursion stack, per spec §4.K's named algorithm.
func Validate(wf Workflow) error {
	if len(wf.Tasks) == 0 {
		return heikeErrors.Unsupported("workflow has no tasks")
	}

	byID := make(map[string]TaskSpec, len(wf.Tasks))
	for _, t := range wf.Tasks {
		if t.ID == "" {
			return heikeErrors.Unsupported("task has empty id")
		}
		if _, exists := byID[t.ID]; exists {
			return heikeErrors.AlreadyExists(fmt.Sprintf("duplicate task id %q", t.ID))
		}
		byID[t.ID] = t
	}

	for id, deps := range wf.Dependencies {
		if _, ok := byID[id]; !ok {
			return heikeErrors.Unsupported(fmt.Sprintf("dependency list references unknown task %q", id))
		}
		for _, dep := range deps {
			if dep == id {
				return heikeErrors.Unsupported(fmt.Sprintf("task %q depends on itself", id))
			}
			if _, ok := byID[dep]; !ok {
				return heikeErrors.Unsupported(fmt.Sprintf("task %q depends on unknown task %q", id, dep))
			}
		}
	}

	return detectCycle(wf)
}

const (
	colorWhite = 0
	colorGray  = 1
	colorBlack = 2
)

// detectCycle performs DFS with an explicit recursion stack over the
// dependency graph, reporting the cycle path if one is found.
func detectCycle(wf Workflow) error {
	color := make(map[string]int, len(wf.Tasks))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = colorGray
		stack = append(stack, id)
		for _, dep := range wf.Dependencies[id] {
			switch color[dep] {
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			case colorGray:
				cyclePath := append(append([]string{}, stack...), dep)
				return heikeErrors.Unsupported(fmt.Sprintf("cycle detected in workflow dependencies: %v", cyclePath))
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = colorBlack
		return nil
	}

	ids := make([]string, 0, len(wf.Tasks))
	for _, t := range wf.Tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids) // deterministic traversal order for reproducible error messages

	for _, id := range ids {
		if color[id] == colorWhite {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveBatches groups tasks into topologically ordered batches: every
// task in a batch has all its dependencies satisfied by an earlier batch,
// so tasks within a batch can run concurrently. Validate must be called
// first; resolveBatches assumes the graph is acyclic.
func resolveBatches(wf Workflow) [][]TaskSpec {
	byID := make(map[string]TaskSpec, len(wf.Tasks))
	inDegree := make(map[string]int, len(wf.Tasks))
	dependents := make(map[string][]string)

	for _, t := range wf.Tasks {
		byID[t.ID] = t
		inDegree[t.ID] = 0
	}
	for id, deps := range wf.Dependencies {
		inDegree[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var batches [][]TaskSpec
	remaining := len(wf.Tasks)
	for remaining > 0 {
		var batchIDs []string
		for id, deg := range inDegree {
			if deg == 0 {
				batchIDs = append(batchIDs, id)
			}
		}
		sort.Strings(batchIDs)

		batch := make([]TaskSpec, 0, len(batchIDs))
		for _, id := range batchIDs {
			batch = append(batch, byID[id])
			delete(inDegree, id)
		}
		for _, id := range batchIDs {
			for _, dep := range dependents[id] {
				inDegree[dep]--
			}
		}
		batches = append(batches, batch)
		remaining -= len(batch)
	}
	return batches
}

// Execute validates wf, then dispatches its tasks in topological batches,
// applying FailurePolicy to decide whether a failed task aborts the whole
// run (spec §4.K). ctx cancellation stops dispatch of any not-yet-started
// batch immediately and is passed through to in-flight dispatches for
// cooperative cancellation.
func (e *Engine) Execute(ctx context.Context, wf Workflow) ([]TaskResult, error) {
	if err := Validate(wf); err != nil {
		return nil, err
	}
	batches := resolveBatches(wf)

	resultsByID := make(map[string]TaskResult, len(wf.Tasks))
	ordered := make([]TaskResult, 0, len(wf.Tasks))
	failed := false

	for _, batch := range batches {
		select {
		case <-ctx.Done():
			return ordered, ctx.Err()
		default:
		}

		batchResults := e.executeBatch(ctx, wf, batch, resultsByID, failed)
		for _, res := range batchResults {
			resultsByID[res.ID] = res
			ordered = append(ordered, res)
			if !res.Success && !res.Skipped && wf.FailurePolicy == FailFast {
				failed = true
			}
		}
	}
	return ordered, nil
}

// executeBatch runs every task in batch concurrently, bounded by
// maxParallel, mirroring the teacher's chan-struct{}-sized semaphore in
// executeTask/executeBatch. If skipRemaining is true (a prior batch's
// failure tripped fail-fast), every task is marked skipped without being
// dispatched.
func (e *Engine) executeBatch(ctx context.Context, wf Workflow, batch []TaskSpec, resultsByID map[string]TaskResult, skipRemaining bool) []TaskResult {
	results := make([]TaskResult, len(batch))
	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup

	for i, t := range batch {
		i, t := i, t
		if skipRemaining {
			results[i] = TaskResult{ID: t.ID, Success: false, Skipped: true, Err: heikeErrors.Unsupported("workflow aborted by an earlier failure")}
			continue
		}
		if blocked, err := blockedByFailedDependency(t.ID, wf.Dependencies[t.ID], resultsByID); blocked {
			results[i] = TaskResult{ID: t.ID, Success: false, Skipped: true, Err: err}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = TaskResult{ID: t.ID, Success: false, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()
			results[i] = e.executeTask(ctx, wf, t, resultsByID)
		}()
	}
	wg.Wait()
	return results
}

func blockedByFailedDependency(taskID string, deps []string, resultsByID map[string]TaskResult) (bool, error) {
	for _, dep := range deps {
		depResult, ok := resultsByID[dep]
		if !ok || !depResult.Success {
			return true, heikeErrors.Unsupported(fmt.Sprintf("task %q: dependency %q did not succeed", taskID, dep))
		}
	}
	return false, nil
}

// executeTask dispatches one task, retrying under backoff.Retry when
// wf.FailurePolicy is Retry (spec §4.K: "retry(n, backoff)").
func (e *Engine) executeTask(ctx context.Context, wf Workflow, t TaskSpec, resultsByID map[string]TaskResult) TaskResult {
	if wf.FailurePolicy != Retry {
		out, err := e.dispatch(ctx, t, resultsByID)
		return TaskResult{ID: t.ID, Success: err == nil, Output: out, Err: err, Attempts: 1}
	}

	retryMax := wf.RetryMax
	if retryMax <= 0 {
		retryMax = config.DefaultCoreWorkflowRetryMax
	}
	base := wf.RetryBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bounded := backoff.WithMaxRetries(bo, uint64(retryMax))

	var out any
	attempts := 0
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempts++
		var err error
		out, err = e.dispatch(ctx, t, resultsByID)
		if err != nil {
			slog.Warn("task attempt failed, retrying", "task_id", t.ID, "attempt", attempts, "error", err)
		}
		return err
	}
	if err := backoff.Retry(operation, bounded); err != nil {
		return TaskResult{ID: t.ID, Success: false, Err: err, Attempts: attempts}
	}
	return TaskResult{ID: t.ID, Success: true, Output: out, Attempts: attempts}
}

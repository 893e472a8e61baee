package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/heike/internal/config"

	"github.com/stretchr/testify/require"
)

func newTestEngine(dispatch Dispatcher) *Engine {
	return New(dispatch, config.WorkflowConfig{MaxParallel: 4})
}

func recordingDispatcher() (Dispatcher, func() []string) {
	var mu sync.Mutex
	var order []string
	d := func(ctx context.Context, t TaskSpec, deps map[string]TaskResult) (any, error) {
		mu.Lock()
		order = append(order, t.ID)
		mu.Unlock()
		return t.ID, nil
	}
	return d, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string{}, order...)
	}
}

func TestValidate_RejectsEmptyWorkflow(t *testing.T) {
	err := Validate(Workflow{})
	require.Error(t, err)
}

func TestValidate_RejectsUnknownDependency(t *testing.T) {
	wf := Workflow{
		Tasks:        []TaskSpec{{ID: "a"}},
		Dependencies: map[string][]string{"a": {"ghost"}},
	}
	require.Error(t, Validate(wf))
}

func TestValidate_RejectsSelfDependency(t *testing.T) {
	wf := Workflow{
		Tasks:        []TaskSpec{{ID: "a"}},
		Dependencies: map[string][]string{"a": {"a"}},
	}
	require.Error(t, Validate(wf))
}

func TestValidate_RejectsCycle(t *testing.T) {
	wf := Workflow{
		Tasks: []TaskSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Dependencies: map[string][]string{
			"a": {"c"},
			"b": {"a"},
			"c": {"b"},
		},
	}
	err := Validate(wf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle detected")
}

func TestValidate_RejectsDuplicateTaskID(t *testing.T) {
	wf := Workflow{Tasks: []TaskSpec{{ID: "a"}, {ID: "a"}}}
	require.Error(t, Validate(wf))
}

func TestValidate_AcceptsDiamondDAG(t *testing.T) {
	wf := Workflow{
		Tasks: []TaskSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		Dependencies: map[string][]string{
			"b": {"a"},
			"c": {"a"},
			"d": {"b", "c"},
		},
	}
	require.NoError(t, Validate(wf))
}

func TestExecute_RunsInTopologicalOrder(t *testing.T) {
	dispatch, order := recordingDispatcher()
	e := newTestEngine(dispatch)

	wf := Workflow{
		Tasks: []TaskSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Dependencies: map[string][]string{
			"b": {"a"},
			"c": {"b"},
		},
	}
	results, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, []string{"a", "b", "c"}, order())
}

func TestExecute_IndependentTasksRunConcurrently(t *testing.T) {
	var inFlight, maxObserved int32
	dispatch := func(ctx context.Context, t TaskSpec, deps map[string]TaskResult) (any, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxObserved)
			if cur <= max || atomic.CompareAndSwapInt32(&maxObserved, max, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	}
	e := newTestEngine(dispatch)
	wf := Workflow{Tasks: []TaskSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}}}

	_, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	require.Greater(t, atomic.LoadInt32(&maxObserved), int32(1))
}

func TestExecute_FailFastSkipsLaterBatches(t *testing.T) {
	dispatch := func(ctx context.Context, t TaskSpec, deps map[string]TaskResult) (any, error) {
		if t.ID == "a" {
			return nil, errors.New("boom")
		}
		return nil, nil
	}
	e := newTestEngine(dispatch)
	wf := Workflow{
		Tasks:         []TaskSpec{{ID: "a"}, {ID: "b"}},
		Dependencies:  map[string][]string{"b": {"a"}},
		FailurePolicy: FailFast,
	}
	results, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.False(t, results[0].Success)
	require.True(t, results[1].Skipped)
}

func TestExecute_DependencyFailureSkipsDependent(t *testing.T) {
	dispatch := func(ctx context.Context, t TaskSpec, deps map[string]TaskResult) (any, error) {
		if t.ID == "a" {
			return nil, errors.New("boom")
		}
		return nil, nil
	}
	e := newTestEngine(dispatch)
	wf := Workflow{
		Tasks:        []TaskSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Dependencies: map[string][]string{"b": {"a"}, "c": {}},
	}
	results, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)

	byID := make(map[string]TaskResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	require.False(t, byID["a"].Success)
	require.True(t, byID["b"].Skipped)
	require.True(t, byID["c"].Success) // independent branch still ran
}

func TestExecute_RetryPolicyRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	dispatch := func(ctx context.Context, t TaskSpec, deps map[string]TaskResult) (any, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}
	e := newTestEngine(dispatch)
	wf := Workflow{
		Tasks:         []TaskSpec{{ID: "a"}},
		FailurePolicy: Retry,
		RetryMax:      5,
		RetryBase:     time.Millisecond,
	}
	results, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	require.True(t, results[0].Success)
	require.Equal(t, 3, results[0].Attempts)
}

func TestExecute_RetryPolicyGivesUpAfterMax(t *testing.T) {
	dispatch := func(ctx context.Context, t TaskSpec, deps map[string]TaskResult) (any, error) {
		return nil, errors.New("always fails")
	}
	e := newTestEngine(dispatch)
	wf := Workflow{
		Tasks:         []TaskSpec{{ID: "a"}},
		FailurePolicy: Retry,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
	}
	results, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	require.False(t, results[0].Success)
	require.Equal(t, 3, results[0].Attempts) // initial attempt + 2 retries
}

func TestExecute_ContextCancellationStopsFurtherBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dispatch := func(c context.Context, t TaskSpec, deps map[string]TaskResult) (any, error) {
		if t.ID == "a" {
			cancel()
		}
		return nil, nil
	}
	e := newTestEngine(dispatch)
	wf := Workflow{
		Tasks:        []TaskSpec{{ID: "a"}, {ID: "b"}},
		Dependencies: map[string][]string{"b": {"a"}},
	}
	_, err := e.Execute(ctx, wf)
	require.Error(t, err)
}

func TestExecute_ContinuePolicyLetsUnrelatedBranchesProceed(t *testing.T) {
	dispatch := func(ctx context.Context, t TaskSpec, deps map[string]TaskResult) (any, error) {
		if t.ID == "a" {
			return nil, errors.New("boom")
		}
		return nil, nil
	}
	e := newTestEngine(dispatch)
	wf := Workflow{
		Tasks:         []TaskSpec{{ID: "a"}, {ID: "z"}},
		FailurePolicy: Continue,
	}
	results, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	byID := make(map[string]TaskResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	require.False(t, byID["a"].Success)
	require.True(t, byID["z"].Success)
}

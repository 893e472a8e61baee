package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/heike/internal/coc/cas"
	"github.com/harunnryd/heike/internal/coc/memory"
	"github.com/harunnryd/heike/internal/coc/priority"
	"github.com/harunnryd/heike/internal/coc/vfs"
	"github.com/harunnryd/heike/internal/config"

	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *vfs.VFS, string) {
	t.Helper()
	store, err := cas.Open(filepath.Join(t.TempDir(), "cas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v := vfs.New(store, config.VFSConfig{})
	ws, err := v.CreateWorkspace("ws", vfs.KindCode, vfs.SourceLocal, "ns", "", false)
	require.NoError(t, err)

	sched, err := priority.New(config.CoreSchedConfig{PollInterval: "5ms"})
	require.NoError(t, err)
	require.NoError(t, sched.Init(context.Background()))
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	epis := memory.NewEpisodic(store, nil)
	working := memory.NewWorking(10, time.Minute)

	c := New(v, sched, epis, working)
	return c, v, ws.ID
}

func TestRegister_RejectsDuplicateID(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	require.NoError(t, c.Register(Variant{ID: "a1", Name: "coder", Role: "worker", Capabilities: []Capability{CapabilityCodeGeneration}}))
	err := c.Register(Variant{ID: "a1", Name: "coder2", Role: "worker"})
	require.Error(t, err)
}

func TestSubmit_CapturesEpisodeAndUpdatesMetrics(t *testing.T) {
	c, _, wsID := newTestCoordinator(t)
	require.NoError(t, c.Register(Variant{ID: "a1", Name: "coder", Role: "worker", Capabilities: []Capability{CapabilityCodeGeneration}}))

	scope := vfs.NewScope([]string{"/out.txt"}, nil)
	fn := func(ctx context.Context, sess *vfs.Session) (memory.Episode, error) {
		return memory.Episode{TaskDescription: "write output", FilesTouched: []string{"/out.txt"}}, nil
	}

	ch, err := c.Submit(Task{ID: "t1", AgentID: "a1", Priority: priority.Normal, WorkspaceID: wsID, Scope: scope, Fn: fn})
	require.NoError(t, err)

	res := <-ch
	require.NoError(t, res.Err)

	metrics, err := c.GetMetrics("a1")
	require.NoError(t, err)
	require.Equal(t, int64(1), metrics.TasksCompleted)
	require.Equal(t, int64(0), metrics.TasksFailed)

	episodes, err := c.episodic.ListByAgent("a1")
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	require.Equal(t, "success", episodes[0].Outcome)
}

func TestSubmit_UnknownAgentReturnsError(t *testing.T) {
	c, _, wsID := newTestCoordinator(t)
	_, err := c.Submit(Task{ID: "t1", AgentID: "ghost", WorkspaceID: wsID})
	require.Error(t, err)
}

func TestUnregister_RejectsFurtherSubmissions(t *testing.T) {
	c, _, wsID := newTestCoordinator(t)
	require.NoError(t, c.Register(Variant{ID: "a1", Name: "coder", Role: "worker"}))
	require.NoError(t, c.Unregister("a1"))

	_, err := c.Submit(Task{ID: "t1", AgentID: "a1", WorkspaceID: wsID, Fn: func(ctx context.Context, sess *vfs.Session) (memory.Episode, error) {
		return memory.Episode{}, nil
	}})
	require.Error(t, err)
}

func TestSubmit_FailedTaskIncrementsFailureMetric(t *testing.T) {
	c, _, wsID := newTestCoordinator(t)
	require.NoError(t, c.Register(Variant{ID: "a1", Name: "coder", Role: "worker"}))

	fn := func(ctx context.Context, sess *vfs.Session) (memory.Episode, error) {
		return memory.Episode{TaskDescription: "will fail"}, assertError{}
	}
	ch, err := c.Submit(Task{ID: "t1", AgentID: "a1", Priority: priority.Normal, WorkspaceID: wsID, Fn: fn})
	require.NoError(t, err)
	res := <-ch
	require.Error(t, res.Err)

	metrics, err := c.GetMetrics("a1")
	require.NoError(t, err)
	require.Equal(t, int64(1), metrics.TasksFailed)
}

type assertError struct{}

func (assertError) Error() string { return "task failed" }

func TestListAgents_ReturnsSortedByID(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	require.NoError(t, c.Register(Variant{ID: "b1", Name: "b"}))
	require.NoError(t, c.Register(Variant{ID: "a1", Name: "a"}))

	agents := c.ListAgents()
	require.Len(t, agents, 2)
	require.Equal(t, "a1", agents[0].ID)
	require.Equal(t, "b1", agents[1].ID)
}

func TestVariant_HasCapability(t *testing.T) {
	v := Variant{Capabilities: []Capability{CapabilityTesting, CapabilityReview}}
	require.True(t, v.HasCapability(CapabilityTesting))
	require.False(t, v.HasCapability(CapabilityArchitecture))
}

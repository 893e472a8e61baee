package priority

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/heike/internal/config"

	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, cfg config.CoreSchedConfig) *Scheduler {
	t.Helper()
	if cfg.PollInterval == "" {
		cfg.PollInterval = "5ms"
	}
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func noop(value any) Run {
	return func(ctx context.Context) (any, error) { return value, nil }
}

func TestAdmit_HigherPriorityRunsBeforeLower(t *testing.T) {
	s := newTestScheduler(t, config.CoreSchedConfig{MaxConcurrency: 1, PerAgentConcurrency: 1, MaxQueueSize: 10, FairnessWindow: 8})

	var order []string
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}
	record := func(name string) Run {
		return func(ctx context.Context) (any, error) {
			<-mu
			order = append(order, name)
			mu <- struct{}{}
			return nil, nil
		}
	}

	lowCh := s.Admit(&Request{RequestID: "low", AgentID: "a1", Priority: Low, Run: record("low")})
	criticalCh := s.Admit(&Request{RequestID: "crit", AgentID: "a2", Priority: Critical, Run: record("crit")})

	<-criticalCh
	<-lowCh
	require.Equal(t, []string{"crit", "low"}, order)
}

func TestAdmit_ResultDeliveredOnSuccess(t *testing.T) {
	s := newTestScheduler(t, config.CoreSchedConfig{MaxConcurrency: 2, PerAgentConcurrency: 2, MaxQueueSize: 10, FairnessWindow: 8})

	ch := s.Admit(&Request{RequestID: "r1", AgentID: "a1", Priority: Normal, Run: noop(42)})
	res := <-ch
	require.NoError(t, res.Err)
	require.Equal(t, 42, res.Value)
}

// TestAdmit_QueueFull_DropsOldest leaves the scheduler un-started so the
// dispatch loop never drains the queue, making the drop-oldest behavior
// deterministic to observe.
func TestAdmit_QueueFull_DropsOldest(t *testing.T) {
	s, err := New(config.CoreSchedConfig{MaxConcurrency: 1, PerAgentConcurrency: 1, MaxQueueSize: 2, FairnessWindow: 8})
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))

	first := s.Admit(&Request{RequestID: "first", AgentID: "a1", Priority: Normal, Run: noop(nil)})
	_ = s.Admit(&Request{RequestID: "second", AgentID: "a1", Priority: Normal, Run: noop(nil)})
	_ = s.Admit(&Request{RequestID: "third", AgentID: "a1", Priority: Normal, Run: noop(nil)})

	res := <-first
	require.ErrorContains(t, res.Err, "queue full")
	require.Equal(t, int64(1), s.Dropped(Normal))
}

func TestAdmit_DeadlineExceeded_CancelsAndReportsDeadline(t *testing.T) {
	s := newTestScheduler(t, config.CoreSchedConfig{MaxConcurrency: 1, PerAgentConcurrency: 1, MaxQueueSize: 10, FairnessWindow: 8})

	slow := func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			return "too slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ch := s.Admit(&Request{RequestID: "r1", AgentID: "a1", Priority: Normal, Deadline: time.Now().Add(10 * time.Millisecond), Run: slow})
	res := <-ch
	require.Error(t, res.Err)
}

func TestAge_ReflectsTimeSinceAdmission(t *testing.T) {
	s := newTestScheduler(t, config.CoreSchedConfig{MaxConcurrency: 0, PerAgentConcurrency: 1, MaxQueueSize: 10, FairnessWindow: 8})
	req := &Request{RequestID: "r1", AgentID: "a1", Priority: Normal, Run: noop(nil)}
	s.Admit(req)
	time.Sleep(5 * time.Millisecond)
	require.Greater(t, Age(req), time.Duration(0))
}

func TestPriority_String(t *testing.T) {
	require.Equal(t, "critical", Critical.String())
	require.Equal(t, "background", Background.String())
}

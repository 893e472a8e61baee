package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/heike/internal/coc/cas"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *cas.Store {
	t.Helper()
	s, err := cas.Open(filepath.Join(t.TempDir(), "cas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEpisodic_AppendAndGet_RoundTrips(t *testing.T) {
	ep := NewEpisodic(newTestStore(t), nil)
	ctx := context.Background()

	stored, err := ep.Append(ctx, Episode{
		Kind:            "task",
		AgentID:         "agent-1",
		WorkspaceID:     "ws-1",
		TaskDescription: "fix bug",
		Outcome:         "success",
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)

	got, err := ep.Get(stored.ID)
	require.NoError(t, err)
	require.Equal(t, "fix bug", got.TaskDescription)
	require.Equal(t, "success", got.Outcome)
}

func TestEpisodic_ListByAgent_ReturnsOldestFirst(t *testing.T) {
	ep := NewEpisodic(newTestStore(t), nil)
	ctx := context.Background()

	base := time.Now()
	first, err := ep.Append(ctx, Episode{AgentID: "a1", WorkspaceID: "w", TaskDescription: "first", CreatedAt: base})
	require.NoError(t, err)
	second, err := ep.Append(ctx, Episode{AgentID: "a1", WorkspaceID: "w", TaskDescription: "second", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	_, err = ep.Append(ctx, Episode{AgentID: "other", WorkspaceID: "w", TaskDescription: "unrelated", CreatedAt: base})
	require.NoError(t, err)

	got, err := ep.ListByAgent("a1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, first.ID, got[0].ID)
	require.Equal(t, second.ID, got[1].ID)
}

func TestEpisodic_ListByWorkspace_FiltersByWorkspace(t *testing.T) {
	ep := NewEpisodic(newTestStore(t), nil)
	ctx := context.Background()

	_, err := ep.Append(ctx, Episode{AgentID: "a1", WorkspaceID: "ws-a", TaskDescription: "in ws-a"})
	require.NoError(t, err)
	_, err = ep.Append(ctx, Episode{AgentID: "a2", WorkspaceID: "ws-b", TaskDescription: "in ws-b"})
	require.NoError(t, err)

	got, err := ep.ListByWorkspace("ws-a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "in ws-a", got[0].TaskDescription)
}

func TestEpisodic_Get_UnknownIDReturnsError(t *testing.T) {
	ep := NewEpisodic(newTestStore(t), nil)
	_, err := ep.Get("does-not-exist")
	require.Error(t, err)
}

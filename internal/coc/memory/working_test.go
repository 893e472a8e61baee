package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorking_SetGet_RoundTrips(t *testing.T) {
	w := NewWorking(10, time.Minute)
	w.Set("agent-1", "k", "v")
	v, ok := w.Get("agent-1", "k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestWorking_Get_MissingKeyReturnsFalse(t *testing.T) {
	w := NewWorking(10, time.Minute)
	_, ok := w.Get("agent-1", "missing")
	require.False(t, ok)
}

func TestWorking_TTLExpiry_EvictsEntry(t *testing.T) {
	a := newAgentWorking(10, time.Millisecond)
	base := time.Now()
	a.set("k", "v", base)

	_, ok := a.get("k", base.Add(10*time.Millisecond))
	require.False(t, ok)
	require.Equal(t, 0, a.len())
}

func TestWorking_LRUEviction_DropsLeastRecentlyUsed(t *testing.T) {
	a := newAgentWorking(2, time.Hour)
	base := time.Now()
	a.set("a", 1, base)
	a.set("b", 2, base)
	// touch "a" so "b" becomes the least recently used.
	_, _ = a.get("a", base)
	a.set("c", 3, base)

	_, ok := a.get("b", base)
	require.False(t, ok, "b should have been evicted as LRU")
	_, ok = a.get("a", base)
	require.True(t, ok)
	_, ok = a.get("c", base)
	require.True(t, ok)
	require.Equal(t, 2, a.len())
}

func TestWorking_PerAgentIsolation(t *testing.T) {
	w := NewWorking(10, time.Minute)
	w.Set("agent-1", "k", "one")
	w.Set("agent-2", "k", "two")

	v1, ok := w.Get("agent-1", "k")
	require.True(t, ok)
	require.Equal(t, "one", v1)

	v2, ok := w.Get("agent-2", "k")
	require.True(t, ok)
	require.Equal(t, "two", v2)

	require.Equal(t, 1, w.Len("agent-1"))
}

func TestWorking_Delete_RemovesEntry(t *testing.T) {
	w := NewWorking(10, time.Minute)
	w.Set("agent-1", "k", "v")
	w.Delete("agent-1", "k")
	_, ok := w.Get("agent-1", "k")
	require.False(t, ok)
}

func TestWorking_Len_PurgesExpiredBeforeCounting(t *testing.T) {
	a := newAgentWorking(10, time.Millisecond)
	base := time.Now()
	a.set("k1", 1, base)
	a.set("k2", 2, base)

	a.purgeExpired(base.Add(10 * time.Millisecond))
	require.Equal(t, 0, a.len())
}

func TestWorking_SetExistingKey_RefreshesTTLAndPosition(t *testing.T) {
	a := newAgentWorking(2, time.Hour)
	base := time.Now()
	a.set("a", 1, base)
	a.set("b", 2, base)
	a.set("a", 10, base) // refresh "a", making "b" the LRU victim
	a.set("c", 3, base)

	v, ok := a.get("a", base)
	require.True(t, ok)
	require.Equal(t, 10, v)
	_, ok = a.get("b", base)
	require.False(t, ok)
}

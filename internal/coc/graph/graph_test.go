package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func sym(id string) Symbol {
	return Symbol{ID: id, Name: id, Kind: KindFunction, Location: Location{Workspace: "w", Path: "f.go", StartLine: 1, EndLine: 2}}
}

// TestImpact_RiskTiers implements spec §8 scenario 4.
func TestImpact_RiskTiers(t *testing.T) {
	g := New()
	g.UpsertSymbol(sym("S0"))

	addDependents := func(prefix string, n int, dependOnID string) {
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("%s-%d", prefix, i)
			g.UpsertSymbol(sym(id))
			g.UpsertEdge(id, dependOnID, EdgeDependsOn, 1.0)
		}
	}

	addDependents("d1", 6, "S0")
	res := g.Impact([]string{"S0"}, 5)
	require.Equal(t, RiskMedium, res.Risk, "6 transitive dependents should be medium")

	addDependents("d2", 20, "d1-0")
	res = g.Impact([]string{"S0"}, 5)
	require.Equal(t, RiskHigh, res.Risk)

	addDependents("d3", 30, "d2-0")
	res = g.Impact([]string{"S0"}, 5)
	require.Equal(t, RiskCritical, res.Risk)
}

func TestUpsertEdge_DuplicateRollsStrengthAndFrequency(t *testing.T) {
	g := New()
	g.UpsertSymbol(sym("a"))
	g.UpsertSymbol(sym("b"))

	g.UpsertEdge("a", "b", EdgeCalls, 0.3)
	g.UpsertEdge("a", "b", EdgeCalls, 0.9)
	g.UpsertEdge("a", "b", EdgeCalls, 0.1)

	e, ok := g.edges[edgeKey{From: "a", To: "b", Kind: EdgeCalls}]
	require.True(t, ok)
	require.Equal(t, 3, e.Frequency)
	require.InDelta(t, 0.9, e.Strength, 1e-9)
}

func TestUpsertEdge_RejectsSelfLoopUnlessRecursive(t *testing.T) {
	g := New()
	g.UpsertSymbol(sym("a"))
	g.UpsertEdge("a", "a", EdgeCalls, 1.0)
	require.Len(t, g.edges, 0)

	g.UpsertEdge("a", "a", EdgeRecursive, 1.0)
	require.Len(t, g.edges, 1)
}

func TestHubs_OrderedByDegreeThenID(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.UpsertSymbol(sym(id))
	}
	g.UpsertEdge("a", "b", EdgeCalls, 1)
	g.UpsertEdge("a", "c", EdgeCalls, 1)
	g.UpsertEdge("d", "a", EdgeCalls, 1)

	hubs := g.Hubs(2)
	require.Len(t, hubs, 2)
	require.Equal(t, "a", hubs[0].Symbol.ID)
	require.Equal(t, 3, hubs[0].Degree)
}

func TestShortestPath_WithinMaxDepth(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.UpsertSymbol(sym(id))
	}
	g.UpsertEdge("a", "b", EdgeCalls, 1)
	g.UpsertEdge("b", "c", EdgeCalls, 1)
	g.UpsertEdge("c", "d", EdgeCalls, 1)

	path, ok := g.ShortestPath("a", "d", 5)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b", "c", "d"}, path)

	_, ok = g.ShortestPath("a", "d", 2)
	require.False(t, ok)
}

func TestCycles_DetectsSCCAndSelfLoop(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c", "x"} {
		g.UpsertSymbol(sym(id))
	}
	g.UpsertEdge("a", "b", EdgeCalls, 1)
	g.UpsertEdge("b", "c", EdgeCalls, 1)
	g.UpsertEdge("c", "a", EdgeCalls, 1)
	g.UpsertEdge("x", "x", EdgeRecursive, 1)

	cycles := g.Cycles(nil)
	require.Len(t, cycles, 2)
}

func TestRemoveSymbolsIn_RemovesIncidentEdges(t *testing.T) {
	g := New()
	g.UpsertSymbol(sym("a"))
	g.UpsertSymbol(sym("b"))
	g.UpsertEdge("a", "b", EdgeCalls, 1)

	g.RemoveSymbolsIn("w", "f.go")

	_, ok := g.Get("a")
	require.False(t, ok)
	require.Empty(t, g.outAdj["a"])
	require.Empty(t, g.inAdj["b"])
}

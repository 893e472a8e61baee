// Package graph implements the Symbol graph (spec §4.D): a typed directed
// graph of code symbols with bounded traversal, impact analysis, shortest
// path and cycle detection. Per spec §9's re-architecture note for cyclic
// graphs, nodes and edges are stored in id-indexed maps with a side-table
// adjacency index — never owning pointers between nodes — so deletes are
// local and traversals are checkable. Algorithms are grounded on
// _examples/original_source/cortex/src/graph/code_analyzer.rs.
package graph

import (
	"sort"
)

type SymbolKind string

const (
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindStruct    SymbolKind = "struct"
	KindEnum      SymbolKind = "enum"
	KindTrait     SymbolKind = "trait"
	KindImpl      SymbolKind = "impl"
	KindModule    SymbolKind = "module"
	KindTypeAlias SymbolKind = "type_alias"
	KindVariable  SymbolKind = "variable"
	KindInterface SymbolKind = "interface"
	KindClass     SymbolKind = "class"
)

type EdgeKind string

const (
	EdgeCalls      EdgeKind = "calls"
	EdgeDependsOn  EdgeKind = "depends_on"
	EdgeImports    EdgeKind = "imports"
	EdgeImplements EdgeKind = "implements"
	EdgeExtends    EdgeKind = "extends"
	EdgeUsesType   EdgeKind = "uses_type"
	EdgeReferences EdgeKind = "references"
	EdgeRecursive  EdgeKind = "recursive-call"
)

// edgeKindOrdinal gives a deterministic ordering over edge kinds for
// tie-breaking traversal order (spec §4.D: "lower kind ordinal, lower id").
var edgeKindOrdinal = map[EdgeKind]int{
	EdgeCalls: 0, EdgeDependsOn: 1, EdgeImports: 2, EdgeImplements: 3,
	EdgeExtends: 4, EdgeUsesType: 5, EdgeReferences: 6, EdgeRecursive: 7,
}

type Location struct {
	Workspace string
	Path      string
	StartLine int
	EndLine   int
	StartCol  int
	EndCol    int
}

type SymbolMetadata struct {
	Complexity      int
	TokenCost       int
	TestCoverage    *float64
	UsageFrequency  int
}

// Symbol is a named code entity (spec §3).
type Symbol struct {
	ID         string
	Name       string
	Kind       SymbolKind
	Location   Location
	Signature  string
	BodyHash   string
	Metadata   SymbolMetadata
	Embedding  []float32
}

// Edge identity is (From, To, Kind) — duplicates increment Frequency and
// roll Strength via max(old,new) (spec §3, decided in DESIGN.md §Open
// Questions item 1).
type Edge struct {
	From     string
	To       string
	Kind     EdgeKind
	Strength float64
	Frequency int
}

type edgeKey struct {
	From string
	To   string
	Kind EdgeKind
}

// Graph is one workspace's symbol graph. All operations are scoped to the
// Graph instance; callers keep one Graph per workspace (spec §4.D:
// "Consistency: ... no cross-workspace leakage").
type Graph struct {
	nodes map[string]*Symbol
	edges map[edgeKey]*Edge

	// adjacency side-tables, id -> list of edge keys, kept in sync with
	// edges. Never store symbol pointers here — ids only.
	outAdj map[string][]edgeKey
	inAdj  map[string][]edgeKey

	pathByFile map[string]map[string]struct{} // path -> set of symbol ids, for RemoveSymbolsIn
}

func New() *Graph {
	return &Graph{
		nodes:      make(map[string]*Symbol),
		edges:      make(map[edgeKey]*Edge),
		outAdj:     make(map[string][]edgeKey),
		inAdj:      make(map[string][]edgeKey),
		pathByFile: make(map[string]map[string]struct{}),
	}
}

// UpsertSymbol inserts or replaces a symbol by id.
func (g *Graph) UpsertSymbol(s Symbol) {
	g.nodes[s.ID] = &s
	key := s.Location.Workspace + "\x00" + s.Location.Path
	set, ok := g.pathByFile[key]
	if !ok {
		set = make(map[string]struct{})
		g.pathByFile[key] = set
	}
	set[s.ID] = struct{}{}
}

// RemoveSymbolsIn deletes every symbol whose location is under (workspace,
// path), along with their incident edges (spec §3: symbols are deleted
// "when the enclosing file disappears from the workspace").
func (g *Graph) RemoveSymbolsIn(workspace, path string) {
	key := workspace + "\x00" + path
	ids, ok := g.pathByFile[key]
	if !ok {
		return
	}
	for id := range ids {
		g.removeSymbol(id)
	}
	delete(g.pathByFile, key)
}

func (g *Graph) removeSymbol(id string) {
	for _, ek := range append([]edgeKey(nil), g.outAdj[id]...) {
		g.removeEdgeKey(ek)
	}
	for _, ek := range append([]edgeKey(nil), g.inAdj[id]...) {
		g.removeEdgeKey(ek)
	}
	delete(g.outAdj, id)
	delete(g.inAdj, id)
	delete(g.nodes, id)
}

func (g *Graph) removeEdgeKey(ek edgeKey) {
	delete(g.edges, ek)
	g.outAdj[ek.From] = removeKey(g.outAdj[ek.From], ek)
	g.inAdj[ek.To] = removeKey(g.inAdj[ek.To], ek)
}

func removeKey(list []edgeKey, target edgeKey) []edgeKey {
	out := list[:0]
	for _, k := range list {
		if k != target {
			out = append(out, k)
		}
	}
	return out
}

// UpsertEdge inserts an edge or, on duplicate (From,To,Kind), increments
// Frequency and rolls Strength to max(old,new) (spec §3).
func (g *Graph) UpsertEdge(from, to string, kind EdgeKind, strength float64) {
	if from == to && kind != EdgeRecursive {
		// spec §3 invariant: no self-loop unless kind=recursive-call.
		return
	}
	key := edgeKey{From: from, To: to, Kind: kind}
	if existing, ok := g.edges[key]; ok {
		existing.Frequency++
		if strength > existing.Strength {
			existing.Strength = strength
		}
		return
	}
	e := &Edge{From: from, To: to, Kind: kind, Strength: strength, Frequency: 1}
	g.edges[key] = e
	g.outAdj[from] = append(g.outAdj[from], key)
	g.inAdj[to] = append(g.inAdj[to], key)
}

// Get returns the symbol by id.
func (g *Graph) Get(id string) (Symbol, bool) {
	s, ok := g.nodes[id]
	if !ok {
		return Symbol{}, false
	}
	return *s, true
}

type Direction string

const (
	DirOut  Direction = "out"
	DirIn   Direction = "in"
	DirBoth Direction = "both"
)

// Neighbors returns the ids adjacent to id, filtered by edge kind (nil =
// all kinds) and direction.
func (g *Graph) Neighbors(id string, kindFilter map[EdgeKind]struct{}, dir Direction) []string {
	var keys []edgeKey
	if dir == DirOut || dir == DirBoth {
		keys = append(keys, g.outAdj[id]...)
	}
	if dir == DirIn || dir == DirBoth {
		keys = append(keys, g.inAdj[id]...)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, k := range keys {
		if kindFilter != nil {
			if _, ok := kindFilter[k.Kind]; !ok {
				continue
			}
		}
		other := k.To
		if k.To == id {
			other = k.From
		}
		if _, dup := seen[other]; dup {
			continue
		}
		seen[other] = struct{}{}
		out = append(out, other)
	}
	sort.Strings(out)
	return out
}

// ReachableResult pairs a symbol with its BFS distance from the origin.
type ReachableResult struct {
	Symbol   Symbol
	Distance int
}

// Reachable performs a bounded BFS from id up to maxDepth hops, following
// out-edges (optionally filtered by kind), returning each reached symbol
// with its distance.
func (g *Graph) Reachable(id string, maxDepth int, kindFilter map[EdgeKind]struct{}) []ReachableResult {
	visited := map[string]int{id: 0}
	queue := []string{id}
	var out []ReachableResult
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := visited[cur]
		if d >= maxDepth {
			continue
		}
		for _, next := range g.Neighbors(cur, kindFilter, DirOut) {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = d + 1
			queue = append(queue, next)
			if sym, ok := g.Get(next); ok {
				out = append(out, ReachableResult{Symbol: sym, Distance: d + 1})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Symbol.ID < out[j].Symbol.ID
	})
	return out
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFor is a pure function of the transitive dependent count (spec §4.D).
func RiskFor(transitiveCount int) RiskLevel {
	switch {
	case transitiveCount <= 5:
		return RiskLow
	case transitiveCount <= 20:
		return RiskMedium
	case transitiveCount <= 50:
		return RiskHigh
	default:
		return RiskCritical
	}
}

type ImpactResult struct {
	Directly     []string
	Transitively []string
	Risk         RiskLevel
}

// Impact computes the blast radius of changing changedIDs: symbols that
// directly depend on them (in-edges at depth 1) and everything transitively
// reachable from those via in-edges, up to maxDepth (spec §4.D).
func (g *Graph) Impact(changedIDs []string, maxDepth int) ImpactResult {
	directSet := make(map[string]struct{})
	for _, id := range changedIDs {
		for _, dep := range g.Neighbors(id, nil, DirIn) {
			directSet[dep] = struct{}{}
		}
	}

	transitiveSet := make(map[string]struct{})
	visited := make(map[string]int)
	for _, id := range changedIDs {
		visited[id] = 0
	}
	queue := append([]string(nil), changedIDs...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := visited[cur]
		if d >= maxDepth {
			continue
		}
		for _, dep := range g.Neighbors(cur, nil, DirIn) {
			if _, seen := visited[dep]; seen {
				continue
			}
			visited[dep] = d + 1
			queue = append(queue, dep)
			transitiveSet[dep] = struct{}{}
		}
	}

	directly := sortedKeys(directSet)
	transitively := sortedKeys(transitiveSet)
	return ImpactResult{
		Directly:     directly,
		Transitively: transitively,
		Risk:         RiskFor(len(transitively)),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ShortestPath finds the shortest out-edge path from a to b within
// maxDepth hops, BFS with deterministic tie-break (lower kind ordinal,
// lower id) when multiple edges tie for the next hop.
func (g *Graph) ShortestPath(a, b string, maxDepth int) ([]string, bool) {
	if a == b {
		return []string{a}, true
	}
	type frame struct {
		id   string
		path []string
	}
	visited := map[string]bool{a: true}
	queue := []frame{{id: a, path: []string{a}}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if len(cur.path)-1 >= maxDepth {
			continue
		}
		next := g.orderedOutNeighbors(cur.id)
		for _, n := range next {
			if visited[n] {
				continue
			}
			visited[n] = true
			path := append(append([]string(nil), cur.path...), n)
			if n == b {
				return path, true
			}
			queue = append(queue, frame{id: n, path: path})
		}
	}
	return nil, false
}

// orderedOutNeighbors returns out-neighbors ordered deterministically by
// (edge kind ordinal, neighbor id) as spec §4.D requires for path tie-breaks.
func (g *Graph) orderedOutNeighbors(id string) []string {
	keys := append([]edgeKey(nil), g.outAdj[id]...)
	sort.Slice(keys, func(i, j int) bool {
		oi, oj := edgeKindOrdinal[keys[i].Kind], edgeKindOrdinal[keys[j].Kind]
		if oi != oj {
			return oi < oj
		}
		return keys[i].To < keys[j].To
	})
	seen := make(map[string]struct{})
	var out []string
	for _, k := range keys {
		if _, dup := seen[k.To]; dup {
			continue
		}
		seen[k.To] = struct{}{}
		out = append(out, k.To)
	}
	return out
}

type HubResult struct {
	Symbol Symbol
	Degree int
}

// Hubs returns the top-k symbols by in_degree+out_degree, ties broken by
// symbol id (spec §4.D, tested by spec §8's quantified invariant).
func (g *Graph) Hubs(k int) []HubResult {
	degree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		degree[id] = len(g.outAdj[id]) + len(g.inAdj[id])
	}
	ids := make([]string, 0, len(degree))
	for id := range degree {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if degree[ids[i]] != degree[ids[j]] {
			return degree[ids[i]] > degree[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if k < len(ids) {
		ids = ids[:k]
	}
	out := make([]HubResult, 0, len(ids))
	for _, id := range ids {
		sym, _ := g.Get(id)
		out = append(out, HubResult{Symbol: sym, Degree: degree[id]})
	}
	return out
}

// Cycle is a strongly connected component of size > 1, or a self-loop
// symbol id not in allowList.
type Cycle struct {
	Members []string
}

// Cycles returns SCCs with size > 1 plus self-loops not in allowList, via
// Tarjan's algorithm over out-edges.
func (g *Graph) Cycles(allowList map[string]struct{}) []Cycle {
	type tarjanState struct {
		index, low map[string]int
		onStack    map[string]bool
		stack      []string
		counter    int
		result     []Cycle
	}
	st := &tarjanState{
		index: make(map[string]int), low: make(map[string]int), onStack: make(map[string]bool),
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var strongconnect func(v string)
	strongconnect = func(v string) {
		st.index[v] = st.counter
		st.low[v] = st.counter
		st.counter++
		st.stack = append(st.stack, v)
		st.onStack[v] = true

		for _, w := range g.orderedOutNeighbors(v) {
			if _, seen := st.index[w]; !seen {
				strongconnect(w)
				if st.low[w] < st.low[v] {
					st.low[v] = st.low[w]
				}
			} else if st.onStack[w] {
				if st.index[w] < st.low[v] {
					st.low[v] = st.index[w]
				}
			}
		}

		if st.low[v] == st.index[v] {
			var members []string
			for {
				n := len(st.stack) - 1
				w := st.stack[n]
				st.stack = st.stack[:n]
				st.onStack[w] = false
				members = append(members, w)
				if w == v {
					break
				}
			}
			if len(members) > 1 {
				sort.Strings(members)
				st.result = append(st.result, Cycle{Members: members})
			}
		}
	}

	for _, id := range ids {
		if _, seen := st.index[id]; !seen {
			strongconnect(id)
		}
	}

	// self-loops not in the allow-list
	for _, id := range ids {
		for _, ek := range g.outAdj[id] {
			if ek.From == ek.To {
				if _, allowed := allowList[id]; !allowed {
					st.result = append(st.result, Cycle{Members: []string{id}})
				}
			}
		}
	}

	sort.Slice(st.result, func(i, j int) bool {
		return st.result[i].Members[0] < st.result[j].Members[0]
	})
	return st.result
}

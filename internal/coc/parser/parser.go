// Package parser implements the Code parser interface (spec §4.C): a
// language-agnostic strategy abstraction over symbol/dependency extraction.
// Concrete language front-ends (tree-sitter or otherwise) are external
// collaborators (spec §1); this package only owns the contract and the
// registry of named strategies, grounded on the teacher's
// internal/skill/parser strategy-registration pattern.
package parser

import (
	"fmt"
	"sync"

	"github.com/harunnryd/heike/internal/coc/graph"
	heikeErrors "github.com/harunnryd/heike/internal/errors"
)

// Location is a well-formed source location (spec §4.C: "partial parses are
// acceptable as long as emitted symbols have well-formed locations").
type Location struct {
	Workspace  string
	Path       string
	StartLine  int
	EndLine    int
	StartCol   int
	EndCol     int
}

// Valid reports whether the location forms a well-formed range.
func (l Location) Valid() bool {
	if l.Path == "" {
		return false
	}
	if l.StartLine < 0 || l.EndLine < l.StartLine {
		return false
	}
	if l.StartCol < 0 || l.EndCol < 0 {
		return false
	}
	return true
}

// ParsedSymbol is the CPI's view of a symbol, narrower than graph.Symbol:
// the CPI only knows what it extracted from source; SG assigns/merges the
// stable id.
type ParsedSymbol struct {
	Name      string
	Kind      graph.SymbolKind
	Location  Location
	Signature string
	BodyHash  string
}

// ParsedEdge is the CPI's view of a dependency edge between two symbols it
// saw in the same parse, referenced by name (SG resolves names to ids).
type ParsedEdge struct {
	FromName string
	ToName   string
	Kind     graph.EdgeKind
}

// ParsedFile is CPI's output for one (language, bytes) input (spec §4.C).
type ParsedFile struct {
	Symbols     []ParsedSymbol
	Edges       []ParsedEdge
	Imports     []string
	Diagnostics []string
}

// Strategy is one language front-end. Implementations must be deterministic
// for identical input.
type Strategy interface {
	Language() string
	Parse(path string, content []byte) (ParsedFile, error)
}

// Registry dispatches to registered Strategy implementations by language,
// mirroring internal/skill/parser's named-strategy registry.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds or replaces the strategy for a language.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Language()] = s
}

// Parse dispatches to the strategy registered for language. Unsupported
// languages yield an Unsupported error (spec §4.C).
func (r *Registry) Parse(language, path string, content []byte) (ParsedFile, error) {
	r.mu.RLock()
	s, ok := r.strategies[language]
	r.mu.RUnlock()
	if !ok {
		return ParsedFile{}, heikeErrors.Unsupported(fmt.Sprintf("language %q", language))
	}
	pf, err := s.Parse(path, content)
	if err != nil {
		return ParsedFile{}, err
	}
	for _, sym := range pf.Symbols {
		if !sym.Location.Valid() {
			return ParsedFile{}, fmt.Errorf("parser %s emitted a symbol %q with an invalid location", language, sym.Name)
		}
	}
	return pf, nil
}

// Languages lists every registered language, for diagnostics.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for lang := range r.strategies {
		out = append(out, lang)
	}
	return out
}

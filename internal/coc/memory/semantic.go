package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/heike/internal/coc/cas"
	heikeErrors "github.com/harunnryd/heike/internal/errors"

	"github.com/oklog/ulid/v2"
)

const (
	defaultConsolidationThreshold = 0.8
	patternKeyPrefix              = "pattern:"
	processedKeyPrefix            = "processed-episode:"
)

// Pattern is a generalized, reusable insight distilled from episodes that
// share structural similarity (spec §3), grounded on
// _examples/original_source/cortex/src/memory/semantic.rs's CodePattern.
type Pattern struct {
	ID                 string
	Name               string
	Description        string
	Kind               string
	AppliesTo          []string // context markers
	AverageImprovement float64
	SuccessRate        float64
	TimesApplied       int64
	SourceEpisodeIDs   []string // kept per DESIGN.md open-question decision 3
}

// Semantic is the durable semantic memory tier (spec §4.G): patterns
// extracted from episodic memory and periodically consolidated, ported from
// semantic.rs's learn_patterns/consolidate pair.
type Semantic struct {
	store     *cas.Store
	threshold float64

	mu        sync.Mutex
	patterns  map[string]*Pattern
	processed map[string]struct{} // episode IDs already folded into a pattern
}

// NewSemantic builds a semantic-memory tier persisted in store. threshold is
// the Jaccard-similarity cutoff above which two candidate patterns are
// considered the same (semantic.rs's consolidation_threshold, default 0.8);
// pass 0 to use the default.
func NewSemantic(store *cas.Store, threshold float64) (*Semantic, error) {
	if threshold <= 0 {
		threshold = defaultConsolidationThreshold
	}
	s := &Semantic{store: store, threshold: threshold, patterns: make(map[string]*Pattern), processed: make(map[string]struct{})}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Semantic) load() error {
	raw, err := s.store.ListRawPrefix(patternKeyPrefix)
	if err != nil {
		return err
	}
	for _, data := range raw {
		var p Pattern
		if err := json.Unmarshal(data, &p); err != nil {
			return heikeErrors.Corrupted("unmarshal pattern: " + err.Error())
		}
		s.patterns[p.ID] = &p
	}
	seen, err := s.store.ListRawPrefix(processedKeyPrefix)
	if err != nil {
		return err
	}
	for k := range seen {
		s.processed[strings.TrimPrefix(k, processedKeyPrefix)] = struct{}{}
	}
	return nil
}

func (s *Semantic) persistPattern(p *Pattern) error {
	data, err := json.Marshal(p)
	if err != nil {
		return heikeErrors.Corrupted("marshal pattern: " + err.Error())
	}
	return s.store.PutRaw(patternKeyPrefix+p.ID, data)
}

// Patterns returns a snapshot of all known patterns.
func (s *Semantic) Patterns() []Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// candidate is an in-flight pattern extracted from one episode, before
// merging into the persisted Pattern set.
type candidate struct {
	kind        string
	name        string
	description string
	markers     []string
	episodeID   string
	improvement float64
}

// extractMarkers mirrors semantic.rs's extract_markers: tokenize, drop short
// words, take the first five, lowercase.
func extractMarkers(fields ...string) []string {
	seen := make(map[string]struct{})
	markers := make([]string, 0, 5)
	for _, field := range fields {
		for _, w := range strings.Fields(field) {
			w = strings.ToLower(strings.Trim(w, ".,;:!?()[]{}\"'"))
			if len(w) <= 3 {
				continue
			}
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			markers = append(markers, w)
			if len(markers) == 5 {
				return markers
			}
		}
	}
	return markers
}

// extractCandidates mirrors semantic.rs's extract_episode_patterns: a
// "File Co-Access Pattern" when multiple files were touched together, a
// "Query Sequence Pattern" when multiple queries were made in sequence.
func extractCandidates(ep Episode) []candidate {
	var out []candidate
	if len(ep.FilesTouched) > 1 {
		out = append(out, candidate{
			kind:        "file_co_access",
			name:        "File Co-Access Pattern",
			description: "Files frequently modified together: " + strings.Join(ep.FilesTouched, ", "),
			markers:     extractMarkers(append(append([]string{}, ep.FilesTouched...), ep.TaskDescription)...),
			episodeID:   ep.ID,
			improvement: outcomeImprovement(ep.Outcome),
		})
	}
	if len(ep.QueriesMade) > 1 {
		out = append(out, candidate{
			kind:        "query_sequence",
			name:        "Query Sequence Pattern",
			description: "Recurring query sequence: " + strings.Join(ep.QueriesMade, " -> "),
			markers:     extractMarkers(append(append([]string{}, ep.QueriesMade...), ep.TaskDescription)...),
			episodeID:   ep.ID,
			improvement: outcomeImprovement(ep.Outcome),
		})
	}
	return out
}

func outcomeImprovement(outcome string) float64 {
	if outcome == "success" {
		return 1
	}
	return 0
}

func patternKey(kind string, markers []string) string {
	sorted := append([]string{}, markers...)
	sort.Strings(sorted)
	return kind + "|" + strings.Join(sorted, ",")
}

func markerSet(markers []string) map[string]struct{} {
	set := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		set[m] = struct{}{}
	}
	return set
}

// patternsAreSimilar mirrors semantic.rs's Jaccard-overlap similarity check
// on context markers.
func patternsAreSimilar(a, b []string, threshold float64) bool {
	return jaccardOverlap(markerSet(a), markerSet(b)) > threshold
}

// jaccardOverlap is shared with the retrieval engine's lexical channel
// (internal/coc/retrieval) — duplicated here rather than imported to keep MT
// free of a dependency on RE for a two-line set operation.
func jaccardOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Consolidate folds episodes into the persisted Pattern set (spec §4.G). It
// is idempotent: episodes already folded into a pattern (tracked by ID) are
// skipped on subsequent calls, so re-running consolidation with no new
// episodes leaves the Pattern set (ids, frequencies) unchanged — spec §8
// scenario 6.
func (s *Semantic) Consolidate(_ context.Context, episodes []Episode) ([]Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []candidate
	for _, ep := range episodes {
		if ep.Outcome != "success" {
			continue
		}
		if _, done := s.processed[ep.ID]; done {
			continue
		}
		candidates = append(candidates, extractCandidates(ep)...)
	}

	grouped := make(map[string][]candidate)
	for _, c := range candidates {
		key := patternKey(c.kind, c.markers)
		grouped[key] = append(grouped[key], c)
	}

	for _, group := range grouped {
		if err := s.foldGroup(group); err != nil {
			return nil, err
		}
	}

	for _, ep := range episodes {
		if ep.Outcome != "success" {
			continue
		}
		if _, done := s.processed[ep.ID]; done {
			continue
		}
		s.processed[ep.ID] = struct{}{}
		if err := s.store.PutRaw(processedKeyPrefix+ep.ID, nil); err != nil {
			return nil, err
		}
	}

	if err := s.mergeSimilarLocked(); err != nil {
		return nil, err
	}

	return s.patternsLocked(), nil
}

// foldGroup merges a batch of same-key candidates into one existing or new
// Pattern, summing frequency and averaging the running success rate.
func (s *Semantic) foldGroup(group []candidate) error {
	if len(group) == 0 {
		return nil
	}
	first := group[0]

	var target *Pattern
	for _, p := range s.patterns {
		if p.Kind == first.kind && patternsAreSimilar(p.AppliesTo, first.markers, s.threshold) {
			target = p
			break
		}
	}
	if target == nil {
		target = &Pattern{
			ID:          ulid.Make().String(),
			Name:        first.name,
			Description: first.description,
			Kind:        first.kind,
			AppliesTo:   first.markers,
		}
		s.patterns[target.ID] = target
	}

	for _, c := range group {
		total := target.SuccessRate * float64(target.TimesApplied)
		target.TimesApplied++
		total += c.improvement
		target.SuccessRate = total / float64(target.TimesApplied)
		target.AverageImprovement = target.SuccessRate
		target.SourceEpisodeIDs = append(target.SourceEpisodeIDs, c.episodeID)
	}

	return s.persistPattern(target)
}

// mergeSimilarLocked is semantic.rs's consolidate(): finds remaining
// pattern pairs above the similarity threshold and merges them, summing
// frequency and unioning source episodes. Caller must hold s.mu.
func (s *Semantic) mergeSimilarLocked() error {
	ids := make([]string, 0, len(s.patterns))
	for id := range s.patterns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	removed := make(map[string]struct{})
	for i := 0; i < len(ids); i++ {
		if _, gone := removed[ids[i]]; gone {
			continue
		}
		a := s.patterns[ids[i]]
		for j := i + 1; j < len(ids); j++ {
			if _, gone := removed[ids[j]]; gone {
				continue
			}
			b := s.patterns[ids[j]]
			if a.Kind != b.Kind || !patternsAreSimilar(a.AppliesTo, b.AppliesTo, s.threshold) {
				continue
			}
			a.TimesApplied += b.TimesApplied
			a.SuccessRate = (a.SuccessRate + b.SuccessRate) / 2
			a.AverageImprovement = a.SuccessRate
			a.AppliesTo = unionMarkers(a.AppliesTo, b.AppliesTo)
			a.SourceEpisodeIDs = append(a.SourceEpisodeIDs, b.SourceEpisodeIDs...)
			removed[b.ID] = struct{}{}
		}
	}

	for id := range removed {
		delete(s.patterns, id)
		if err := s.store.DeleteRaw(patternKeyPrefix + id); err != nil {
			return err
		}
	}
	for _, id := range ids {
		if _, gone := removed[id]; gone {
			continue
		}
		if err := s.persistPattern(s.patterns[id]); err != nil {
			return err
		}
	}
	return nil
}

func unionMarkers(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, m := range append(append([]string{}, a...), b...) {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func (s *Semantic) patternsLocked() []Pattern {
	out := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

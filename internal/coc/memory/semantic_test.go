package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func sharedFilesEpisode(id string) Episode {
	return Episode{
		ID:              id,
		AgentID:         "agent-1",
		WorkspaceID:     "ws-1",
		TaskDescription: "update authentication middleware",
		FilesTouched:    []string{"auth.rs", "middleware.rs"},
		Outcome:         "success",
	}
}

// TestConsolidate_GroupsRepeatedEpisodesIntoOnePattern implements spec §8
// scenario 6's first half: five successful episodes sharing files and
// markers consolidate into a single Pattern with frequency 5.
func TestConsolidate_GroupsRepeatedEpisodesIntoOnePattern(t *testing.T) {
	sem, err := NewSemantic(newTestStore(t), 0)
	require.NoError(t, err)

	episodes := make([]Episode, 0, 5)
	for i := 0; i < 5; i++ {
		episodes = append(episodes, sharedFilesEpisode(string(rune('a'+i))))
	}

	patterns, err := sem.Consolidate(context.Background(), episodes)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	require.Equal(t, int64(5), patterns[0].TimesApplied)
}

// TestConsolidate_IsIdempotentOnRepeatedCalls implements spec §8 scenario 6's
// second half: re-running consolidation with no new episodes leaves the
// Pattern set unchanged (same id, same frequency).
func TestConsolidate_IsIdempotentOnRepeatedCalls(t *testing.T) {
	sem, err := NewSemantic(newTestStore(t), 0)
	require.NoError(t, err)

	episodes := make([]Episode, 0, 5)
	for i := 0; i < 5; i++ {
		episodes = append(episodes, sharedFilesEpisode(string(rune('a'+i))))
	}

	first, err := sem.Consolidate(context.Background(), episodes)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := sem.Consolidate(context.Background(), episodes)
	require.NoError(t, err)
	require.Len(t, second, 1)

	require.Equal(t, first[0].ID, second[0].ID)
	require.Equal(t, first[0].TimesApplied, second[0].TimesApplied)
}

func TestConsolidate_IgnoresFailedEpisodes(t *testing.T) {
	sem, err := NewSemantic(newTestStore(t), 0)
	require.NoError(t, err)

	ep := sharedFilesEpisode("x")
	ep.Outcome = "failure"

	patterns, err := sem.Consolidate(context.Background(), []Episode{ep})
	require.NoError(t, err)
	require.Empty(t, patterns)
}

func TestConsolidate_DistinctMarkersProduceDistinctPatterns(t *testing.T) {
	sem, err := NewSemantic(newTestStore(t), 0)
	require.NoError(t, err)

	a := sharedFilesEpisode("a")
	b := Episode{
		ID:              "b",
		AgentID:         "agent-1",
		WorkspaceID:     "ws-1",
		TaskDescription: "optimize database connection pooling",
		FilesTouched:    []string{"pool.rs", "database.rs"},
		Outcome:         "success",
	}

	patterns, err := sem.Consolidate(context.Background(), []Episode{a, b})
	require.NoError(t, err)
	require.Len(t, patterns, 2)
}

func TestJaccardOverlap_IdenticalSetsYieldOne(t *testing.T) {
	set := markerSet([]string{"auth", "middleware"})
	require.Equal(t, 1.0, jaccardOverlap(set, set))
}

func TestPatternsAreSimilar_RespectsThreshold(t *testing.T) {
	require.True(t, patternsAreSimilar([]string{"auth", "middleware"}, []string{"auth", "middleware"}, 0.8))
	require.False(t, patternsAreSimilar([]string{"auth", "middleware"}, []string{"database", "pool"}, 0.8))
}

package persistence

import (
	"os"
	"path/filepath"
	"testing"

	_ "github.com/janpfeifer/tetrisGo/internal/ai/linear"
	"github.com/janpfeifer/tetrisGo/internal/ai/mlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	store, err := NewStore(filepath.Join(t.TempDir(), "models"))
	require.NoError(t, err)
	return store
}

func TestIsMilestone(t *testing.T) {
	var got []int
	for ep := 0; ep <= 120; ep++ {
		if IsMilestone(ep, 50) {
			got = append(got, ep)
		}
	}
	assert.Equal(t, []int{1, 50, 100}, got)
	assert.True(t, IsMilestone(7, 1))
	assert.False(t, IsMilestone(7, 0))
}

func TestState(t *testing.T) {
	store := newTestStore(t)
	_, ok := store.LoadState()
	assert.False(t, ok, "no state yet")

	state := &TrainingState{
		LastEpisode: 150,
		BestScore:   321,
		Recent:      []BatchSummary{{Range: "100-150", Avg: 20, Max: 321, Steps: 17.5}},
		Parameters:  map[string]string{"episodes": "3000"},
	}
	state.Chart.Append(50, 10, 30, 500)
	state.Chart.Append(100, 12, 40, 500)
	require.NoError(t, store.SaveState(state))

	loaded, ok := store.LoadState()
	require.True(t, ok)
	assert.Equal(t, 150, loaded.LastEpisode)
	assert.Equal(t, 321, loaded.BestScore)
	assert.Equal(t, []int{50, 100}, loaded.Chart.Eps)
	assert.Equal(t, []int{30, 40}, loaded.Chart.Maxs)
	assert.Equal(t, state.Recent, loaded.Recent)
	assert.Equal(t, "3000", loaded.Parameters["episodes"])

	// No temporary files left behind.
	entries, err := os.ReadDir(store.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StateFileName, entries[0].Name())

	// Malformed file is treated as no state.
	require.NoError(t, os.WriteFile(store.StatePath(), []byte("{not json"), 0o644))
	_, ok = store.LoadState()
	assert.False(t, ok)
}

func TestChartCap(t *testing.T) {
	var chart ChartData
	for ii := 1; ii <= 7; ii++ {
		chart.Append(ii*50, ii, ii*2, 5)
	}
	assert.Equal(t, 5, chart.Len())
	assert.Equal(t, []int{150, 200, 250, 300, 350}, chart.Eps)
	assert.Equal(t, []int{3, 4, 5, 6, 7}, chart.Avgs)
}

func TestCheckpoints(t *testing.T) {
	store := newTestStore(t)
	n := mlp.New(4, []int{3}, mlp.Relu, 1)
	for _, ep := range []int{1, 50, 100} {
		require.NoError(t, store.SaveMilestone(n, ep))
	}
	require.NoError(t, store.SaveConsistent(n, 73))
	// Not milestones or not checkpoints: ignored by the scan.
	for _, name := range []string{"episode_37.mlp", "episode_150.mlp.tmp", "episode_x.mlp", "episode_200.txt", "notes"} {
		require.NoError(t, os.WriteFile(filepath.Join(store.Dir, name), []byte("x"), 0o644))
	}

	assert.Equal(t, []int{1, 50, 100}, store.ListMilestones(50))

	// A second checkpoint kind for the same episode is listed once.
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir, "episode_50.linear"), []byte("x"), 0o644))
	assert.Equal(t, []int{1, 50, 100}, store.ListMilestones(50))
	require.NoError(t, os.Remove(filepath.Join(store.Dir, "episode_50.linear")))
	assert.Equal(t, []int{73}, store.ListConsistent())
	assert.Equal(t, 50, store.LatestMilestone(99, 50))
	assert.Equal(t, 100, store.LatestMilestone(120, 50))
	assert.Equal(t, 1, store.LatestMilestone(36, 50))
	assert.Equal(t, 0, store.LatestMilestone(0, 50))

	assert.False(t, store.HasBest())
	_, err := store.LoadCheckpoint(BestRef)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	require.NoError(t, store.SaveBest(n))
	assert.True(t, store.HasBest())
	learner, err := store.LoadCheckpoint(BestRef)
	require.NoError(t, err)
	assert.Equal(t, n.String(), learner.String())

	_, err = store.LoadCheckpoint(EpisodeRef(150))
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	_, err = store.LoadCheckpoint(EpisodeRef(50))
	assert.NoError(t, err)

	require.NoError(t, store.Reset())
	assert.DirExists(t, store.Dir)
	assert.Empty(t, store.ListMilestones(50))
	assert.False(t, store.HasBest())
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("best")
	require.NoError(t, err)
	assert.Equal(t, BestRef, ref)
	assert.Equal(t, "Best Model", ref.Label())

	ref, err = ParseRef(" 150 ")
	require.NoError(t, err)
	assert.Equal(t, EpisodeRef(150), ref)
	assert.Equal(t, "Ep #150", ref.Label())
	assert.Equal(t, "150", ref.String())

	_, err = ParseRef("last")
	assert.Error(t, err)
}

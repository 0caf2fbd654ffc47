package viewer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/janpfeifer/tetrisGo/internal/ai/mlp"
	"github.com/janpfeifer/tetrisGo/internal/features"
	"github.com/janpfeifer/tetrisGo/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *persistence.Store {
	store, err := persistence.NewStore(filepath.Join(t.TempDir(), "models"))
	require.NoError(t, err)
	n := mlp.New(features.Dim, []int{8}, mlp.Relu, 3)
	require.NoError(t, store.SaveMilestone(n, 50))
	return store
}

func testOptions() Options {
	return Options{SaveEvery: 50, Width: 6, Height: 8, Seed: 11, ScoreLimit: 300}
}

func TestOpen(t *testing.T) {
	store := newTestStore(t)
	_, err := Open(store, persistence.EpisodeRef(37), testOptions())
	assert.ErrorIs(t, err, ErrInvalidEpisode)
	_, err = Open(store, persistence.EpisodeRef(100), testOptions())
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	_, err = Open(store, persistence.BestRef, testOptions())
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	v, err := Open(store, persistence.EpisodeRef(50), testOptions())
	require.NoError(t, err)
	assert.Equal(t, "Ep #50", v.Label())
	assert.Equal(t, DefaultDelay, v.Delay)
	assert.True(t, v.agent.Frozen())
}

func TestRun(t *testing.T) {
	store := newTestStore(t)
	v, err := Open(store, persistence.EpisodeRef(50), testOptions())
	require.NoError(t, err)
	v.Delay, v.GameDelay, v.MaxGames = 0, 0, 2

	frames := make(chan Frame, 10)
	done := make(chan error, 1)
	go func() {
		done <- v.Run(context.Background(), frames)
		close(frames)
	}()

	var gameOvers []int
	lastSteps := map[int]int{}
	bestScore := 0
	for f := range frames {
		assert.Equal(t, "Ep #50", f.Label)
		assert.Len(t, f.Board, 8)
		assert.Len(t, f.Board[0], 6)
		if f.GameOver {
			gameOvers = append(gameOvers, f.Game)
		} else {
			assert.Equal(t, lastSteps[f.Game]+1, f.Steps, "one frame per placement")
		}
		lastSteps[f.Game] = f.Steps
		assert.GreaterOrEqual(t, f.BestScore, f.Score)
		assert.GreaterOrEqual(t, f.BestScore, bestScore)
		bestScore = f.BestScore
	}
	require.NoError(t, <-done)
	assert.Equal(t, []int{1, 2}, gameOvers)
	assert.Positive(t, lastSteps[1])
}

func TestPauseAndStop(t *testing.T) {
	store := newTestStore(t)
	v, err := Open(store, persistence.EpisodeRef(50), testOptions())
	require.NoError(t, err)
	v.Delay, v.GameDelay = time.Millisecond, time.Millisecond

	v.Pause()
	assert.True(t, v.Paused())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := make(chan Frame)
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx, frames) }()

	select {
	case <-frames:
		t.Fatal("paused viewer sent a frame")
	case <-time.After(150 * time.Millisecond):
	}

	assert.False(t, v.TogglePause())
	select {
	case f := <-frames:
		assert.Equal(t, 1, f.Steps)
	case <-time.After(5 * time.Second):
		t.Fatal("resumed viewer didn't send a frame")
	}

	cancel()
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("viewer didn't stop")
	}
}

// Package viewer replays a frozen, previously trained model, for display.
//
// The Viewer owns its own game and agent: it only reads checkpoints, and never learns nor records
// transitions, so it can run concurrently with the trainer on the same models directory.
package viewer

import (
	"context"
	"sync"
	"time"

	"github.com/janpfeifer/tetrisGo/internal/agent"
	"github.com/janpfeifer/tetrisGo/internal/features"
	"github.com/janpfeifer/tetrisGo/internal/persistence"
	"github.com/janpfeifer/tetrisGo/internal/state"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultDelay between placements: 5 pieces per second.
	DefaultDelay = 200 * time.Millisecond

	// DefaultGameDelay between the end of a game and the start of the next.
	DefaultGameDelay = 2 * time.Second

	// pausePoll is how often a paused viewer checks for resume.
	pausePoll = 50 * time.Millisecond
)

// ErrInvalidEpisode is returned when the requested episode is not one with a milestone checkpoint.
var ErrInvalidEpisode = errors.New("invalid episode: it must be 1 or a multiple of the save interval")

// ErrCheckpointNotFound is returned when the requested checkpoint doesn't exist.
var ErrCheckpointNotFound = persistence.ErrCheckpointNotFound

// Frame is a read-only snapshot of the replayed game after one placement.
type Frame struct {
	// Label of the model, e.g. "Ep #50" or "Best Model".
	Label string

	// Game number, starting from 1.
	Game int

	Board         [][]state.Block
	Width, Height int
	Next          state.PieceKind

	Score, BestScore, Steps, Lines int
	PiecesPerSecond                float64
	GameOver                       bool
}

// Viewer replays games with a frozen model.
type Viewer struct {
	Ref   persistence.Ref
	agent *agent.Agent
	game  *state.Game

	// Delay between placements and GameDelay between games.
	Delay, GameDelay time.Duration

	// MaxGames, if > 0, ends Run after these many games.
	MaxGames int

	muPause sync.Mutex
	paused  bool
	resume  chan struct{}

	bestScore int
}

// Options to create a Viewer.
type Options struct {
	// SaveEvery is the interval of the milestone checkpoints, used to validate the episode requested.
	SaveEvery int

	Width, Height int
	Seed          uint64

	// ScoreLimit, if > 0, ends each game when the score reaches it.
	ScoreLimit int
}

// Open loads the checkpoint referred by ref into a frozen agent. It returns an error wrapping
// ErrInvalidEpisode if ref is not the best model nor a milestone episode, or wrapping
// ErrCheckpointNotFound if the checkpoint doesn't exist. Nothing is started on failure.
func Open(store *persistence.Store, ref persistence.Ref, opts Options) (*Viewer, error) {
	if opts.SaveEvery <= 0 {
		opts.SaveEvery = persistence.DefaultSaveEvery
	}
	if !ref.Best && !persistence.IsMilestone(ref.Episode, opts.SaveEvery) {
		return nil, errors.Wrapf(ErrInvalidEpisode, "episode %d (save interval %d)", ref.Episode, opts.SaveEvery)
	}
	learner, err := store.LoadCheckpoint(ref)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Viewer loaded %s: %s", ref.Label(), learner)
	game := state.NewGame(state.Options{
		Width:      opts.Width,
		Height:     opts.Height,
		Seed:       opts.Seed,
		ScoreLimit: opts.ScoreLimit,
	})
	return &Viewer{
		Ref:       ref,
		agent:     agent.NewFrozen(learner),
		game:      game,
		Delay:     DefaultDelay,
		GameDelay: DefaultGameDelay,
	}, nil
}

// Label of the model being replayed.
func (v *Viewer) Label() string { return v.Ref.Label() }

// Pause suspends the replay between placements.
func (v *Viewer) Pause() {
	v.muPause.Lock()
	defer v.muPause.Unlock()
	if !v.paused {
		v.paused = true
		v.resume = make(chan struct{})
	}
}

// Resume a paused replay, exactly where it was left.
func (v *Viewer) Resume() {
	v.muPause.Lock()
	defer v.muPause.Unlock()
	if v.paused {
		v.paused = false
		close(v.resume)
	}
}

// Paused returns whether the replay is paused.
func (v *Viewer) Paused() bool {
	v.muPause.Lock()
	defer v.muPause.Unlock()
	return v.paused
}

// TogglePause pauses or resumes, and returns whether it is now paused.
func (v *Viewer) TogglePause() bool {
	if v.Paused() {
		v.Resume()
		return false
	}
	v.Pause()
	return true
}

// waitWhilePaused blocks while paused. It returns false if ctx was cancelled.
func (v *Viewer) waitWhilePaused(ctx context.Context) bool {
	for {
		v.muPause.Lock()
		paused, resume := v.paused, v.resume
		v.muPause.Unlock()
		if !paused {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-resume:
		case <-time.After(pausePoll):
		}
	}
}

// sleep for d or until ctx is cancelled. It returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Run replays games until ctx is cancelled or MaxGames games were played. A frame is sent after every
// placement, the last one of each game with GameOver set. Sends block, so the consumer paces the replay
// along with Delay.
//
// Cancellation discards the game in progress and returns nil.
func (v *Viewer) Run(ctx context.Context, frames chan<- Frame) error {
	for gameNum := 1; v.MaxGames <= 0 || gameNum <= v.MaxGames; gameNum++ {
		if !v.playGame(ctx, gameNum, frames) {
			klog.V(1).Infof("Viewer %s stopped during game %d", v.Label(), gameNum)
			return nil
		}
		if v.MaxGames > 0 && gameNum == v.MaxGames {
			break
		}
		if !sleep(ctx, v.GameDelay) {
			return nil
		}
	}
	return nil
}

// playGame plays one game, and returns false if it was interrupted.
func (v *Viewer) playGame(ctx context.Context, gameNum int, frames chan<- Frame) bool {
	g := v.game
	g.Reset()
	start := time.Now()
	for !g.GameOver {
		if !v.waitWhilePaused(ctx) {
			return false
		}
		candidates := features.Enumerate(g)
		if len(candidates) == 0 {
			klog.V(1).Infof("Viewer %s: no legal placement, game over", v.Label())
			g.GameOver = true
			break
		}
		outcome := g.Commit(candidates[v.agent.SelectAction(candidates)].Placement)
		if outcome.Status == state.StepAborted {
			klog.Warningf("Viewer %s: game %d aborted at step %d", v.Label(), gameNum, g.Steps)
			break
		}
		v.bestScore = max(v.bestScore, g.Score)
		if !v.send(ctx, frames, v.frame(gameNum, start)) {
			return false
		}
		if outcome.Terminal() {
			// The last frame sent already reports the game over.
			return true
		}
		if !sleep(ctx, v.Delay) {
			return false
		}
	}
	final := v.frame(gameNum, start)
	final.GameOver = true
	return v.send(ctx, frames, final)
}

func (v *Viewer) send(ctx context.Context, frames chan<- Frame, f Frame) bool {
	if frames == nil {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case frames <- f:
		return true
	}
}

func (v *Viewer) frame(gameNum int, start time.Time) Frame {
	g := v.game
	snapshot := g.Snapshot()
	f := Frame{
		Label:     v.Label(),
		Game:      gameNum,
		Board:     snapshot.Board,
		Width:     snapshot.Width,
		Height:    snapshot.Height,
		Next:      snapshot.Next,
		Score:     snapshot.Score,
		BestScore: v.bestScore,
		Steps:     snapshot.Steps,
		Lines:     snapshot.Lines,
		GameOver:  snapshot.GameOver,
	}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		f.PiecesPerSecond = float64(snapshot.Steps) / elapsed
	}
	return f
}

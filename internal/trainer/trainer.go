// Package trainer drives the training of the value agent: it plays episodes one at a time, records
// the transitions, periodically learns from the replay buffer and saves checkpoints and the training
// state, so that training can be resumed after an interruption.
package trainer

import (
	"context"
	"maps"
	"strconv"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/tetrisGo/internal/agent"
	"github.com/janpfeifer/tetrisGo/internal/ai"
	"github.com/janpfeifer/tetrisGo/internal/ai/mlp"
	"github.com/janpfeifer/tetrisGo/internal/features"
	"github.com/janpfeifer/tetrisGo/internal/parameters"
	"github.com/janpfeifer/tetrisGo/internal/persistence"
	"github.com/janpfeifer/tetrisGo/internal/state"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultModelKind is the model created when starting the training from scratch.
const DefaultModelKind = mlp.Kind

// EpisodeRecorder is an optional sink of per-episode statistics.
type EpisodeRecorder interface {
	RecordEpisode(episode, score, steps, lines int, epsilon float32) error
}

// Options of a Trainer besides the configuration of the training.
type Options struct {
	Store *persistence.Store

	// ModelKind created if there is no checkpoint to resume from. Defaults to DefaultModelKind.
	ModelKind string

	// Seed for the pieces and the agent.
	Seed uint64

	// Width and Height of the board. Default to the standard 10x20.
	Width, Height int

	// Progress, if not nil, receives a snapshot after every episode. Sends never block: snapshots are
	// dropped if the consumer doesn't keep up.
	Progress chan<- Progress

	// Recorder, if not nil, records every completed episode.
	Recorder EpisodeRecorder
}

// Result of Trainer.Run.
type Result struct {
	// LastEpisode completed, including previous runs.
	LastEpisode int
	BestScore   int

	// AlreadyComplete is set if the persisted training had already reached the requested episodes:
	// nothing was done.
	AlreadyComplete bool

	// Stopped is set if the context was cancelled before the training completed.
	Stopped bool

	Elapsed time.Duration
}

// Trainer owns the game, the agent and the session of a training run.
// It is not safe for concurrent use: Run is meant to be executed in its own goroutine.
type Trainer struct {
	cfg   Config
	opts  Options
	store *persistence.Store

	game    *state.Game
	agent   *agent.Agent
	session *Session

	// startEpisode is the last episode completed before this run.
	startEpisode int
	lastLoss     float32

	// afterStep, if set, is called after each placement. Used for testing.
	afterStep func(episode, step int)
}

// New creates a Trainer resuming from the training state and checkpoints found in opts.Store.
//
// The persisted last episode E and the latest milestone checkpoint M <= E may differ: the model is
// loaded from M, while epsilon and the statistics continue from E. Milestones that fail to load are
// skipped in favor of older ones. If none can be loaded, training starts from scratch.
//
// Configuration errors (including unknown model parameters) are returned here, before any work starts.
func New(cfg Config, opts Options) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("trainer requires a persistence.Store")
	}
	if opts.ModelKind == "" {
		opts.ModelKind = DefaultModelKind
	}
	t := &Trainer{cfg: cfg, opts: opts, store: opts.Store}

	prevState, _ := t.store.LoadState()
	lastEpisode := 0
	if prevState != nil {
		lastEpisode = prevState.LastEpisode
	}
	learner, milestone := t.loadMilestone(lastEpisode)
	if learner != nil && len(cfg.ModelParams) > 0 {
		klog.Warningf("Model parameters %q ignored: resuming with model %s", cfg.ModelParams, learner)
	}
	if learner == nil {
		if lastEpisode > 0 {
			klog.Warningf("No checkpoint found for the %d episodes already trained: starting from scratch", lastEpisode)
		}
		prevState, lastEpisode = nil, 0
		modelParams := maps.Clone(cfg.ModelParams)
		if modelParams == nil {
			modelParams = make(parameters.Params)
		}
		if opts.ModelKind == mlp.Kind {
			if _, found := modelParams["seed"]; !found {
				modelParams["seed"] = strconv.Itoa(int(opts.Seed))
			}
		}
		var err error
		learner, err = ai.New(opts.ModelKind, features.Dim, modelParams)
		if err != nil {
			return nil, errors.WithMessage(err, "invalid model configuration")
		}
	} else {
		klog.Infof("Resuming training after episode %d, model %s loaded from milestone %d", lastEpisode, learner, milestone)
	}

	var err error
	t.agent, err = agent.New(learner, cfg.AgentConfig(opts.Seed))
	if err != nil {
		return nil, err
	}
	t.agent.SetEpisode(lastEpisode)
	t.session = NewSession(cfg, prevState)
	t.session.SetMilestones(t.store.ListMilestones(cfg.SaveEvery))
	t.session.LastEpisode = lastEpisode
	t.startEpisode = lastEpisode
	t.game = state.NewGame(state.Options{
		Width:      opts.Width,
		Height:     opts.Height,
		ScoreLimit: cfg.MaxScore,
		Seed:       opts.Seed,
	})
	return t, nil
}

// loadMilestone loads the most recent milestone at or before lastEpisode that can be loaded, trying
// older ones on failure. It returns a nil learner if there is none.
func (t *Trainer) loadMilestone(lastEpisode int) (ai.ValueLearner, int) {
	every := t.cfg.SaveEvery
	for ep := t.store.LatestMilestone(lastEpisode, every); ep > 0; ep = t.store.LatestMilestone(ep-1, every) {
		learner, err := t.store.LoadCheckpoint(persistence.EpisodeRef(ep))
		if err != nil {
			klog.Warningf("Failed to load milestone %d, trying an older one: %+v", ep, err)
			continue
		}
		return learner, ep
	}
	return nil, 0
}

// Agent returns the learning agent.
func (t *Trainer) Agent() *agent.Agent { return t.agent }

// Session returns the training statistics. It must not be accessed while Run is executing.
func (t *Trainer) Session() *Session { return t.session }

// StartEpisode returns the last episode completed before this run.
func (t *Trainer) StartEpisode() int { return t.startEpisode }

// Run trains until the configured number of episodes is reached or ctx is cancelled.
//
// Cancellation is checked before every episode and every placement. If stopped in the middle of an
// episode, the episode is discarded from the statistics, but its milestone checkpoint is still saved if
// it falls on one. The training state is saved at the end in any case, with the last completed episode.
//
// Persistence failures are logged and never abort the training.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	result := Result{LastEpisode: t.session.LastEpisode, BestScore: t.session.BestScore}
	if t.session.LastEpisode >= t.cfg.Episodes {
		klog.Infof("All %d episodes already completed (last episode %d)", t.cfg.Episodes, t.session.LastEpisode)
		result.AlreadyComplete = true
		t.publish(start, 0, 0, nil, true)
		return result, nil
	}

	var lastScore, lastSteps int
	for ep := t.startEpisode + 1; ep <= t.cfg.Episodes; ep++ {
		if ctx.Err() != nil {
			break
		}
		t.agent.SetEpisode(ep - 1)
		score, steps, completed := t.playEpisode(ctx, ep)
		if !completed {
			klog.Infof("Training stopped during episode %d", ep)
			if persistence.IsMilestone(ep, t.cfg.SaveEvery) {
				t.saveMilestone(ep)
			}
			break
		}
		point := t.endEpisode(ep, score, steps)
		lastScore, lastSteps = score, steps
		t.publish(start, lastScore, lastSteps, point, false)
	}

	result.Stopped = ctx.Err() != nil && t.session.LastEpisode < t.cfg.Episodes
	if t.session.FlushBestSave() {
		t.saveBest()
	}
	t.saveState()
	result.LastEpisode = t.session.LastEpisode
	result.BestScore = t.session.BestScore
	result.Elapsed = time.Since(start)
	t.publish(start, lastScore, lastSteps, nil, true)
	klog.Infof("Training finished at episode %d (best score %d) in %s", result.LastEpisode, result.BestScore, result.Elapsed)
	return result, nil
}

// playEpisode plays one full game, remembering every transition. It returns completed=false if ctx was
// cancelled before the end of the game.
func (t *Trainer) playEpisode(ctx context.Context, ep int) (score, steps int, completed bool) {
	g := t.game
	current := features.Reset(g)
	for {
		if ctx.Err() != nil {
			return g.Score, steps, false
		}
		if g.ScoreLimitReached() {
			break
		}
		candidates := features.Enumerate(g)
		if len(candidates) == 0 {
			break
		}
		chosen := candidates[t.agent.SelectAction(candidates)]
		outcome := g.Commit(chosen.Placement)
		if outcome.Status == state.StepAborted {
			klog.Warningf("Episode %d aborted at step %d", ep, steps)
			t.agent.EndEpisode()
			break
		}
		t.agent.Remember(current, chosen.Features, outcome.Reward, outcome.Terminal())
		current = chosen.Features
		steps++
		if t.afterStep != nil {
			t.afterStep(ep, steps)
		}
		if outcome.Terminal() {
			break
		}
	}
	return g.Score, steps, true
}

// endEpisode updates the statistics, saves checkpoints and learns after a completed episode.
func (t *Trainer) endEpisode(ep, score, steps int) *ChartPoint {
	s := t.session
	s.Record(ep, score, steps)
	klog.V(1).Infof("Episode %d: score=%d, steps=%d, lines=%d, epsilon=%.3f", ep, score, steps, t.game.Lines, t.agent.Epsilon())

	if s.UpdateConsistency(score) {
		klog.Infof("Consistency reached at episode %d: score limit %d reached in %d of the last %d episodes",
			ep, t.cfg.MaxScore, ConsistencyThreshold, ConsistencyWindow)
		t.warnOnError(t.store.SaveConsistent(t.agent.Learner(), ep), "consistency checkpoint")
	}
	if persistence.IsMilestone(ep, t.cfg.SaveEvery) {
		t.saveMilestone(ep)
	}
	if improved, save := s.UpdateBest(ep, score); improved {
		klog.V(1).Infof("New best score %d at episode %d (saved=%v)", score, ep, save)
		if save {
			t.saveBest()
		}
	} else if s.DueBestSave(ep) {
		klog.V(1).Infof("Saving deferred best model (score %d) at episode %d", s.BestScore, ep)
		t.saveBest()
	}

	var point *ChartPoint
	if ep%t.cfg.BatchWindow == 0 {
		p := s.FlushBatch(ep)
		point = &p
		last := s.Recent[len(s.Recent)-1]
		klog.Infof("Episodes %s: avg=%d, max=%d, steps=%.1f, best=%d", last.Range, last.Avg, last.Max, last.Steps, s.BestScore)
	}
	if (ep-1)%t.cfg.TrainEvery == 0 {
		t.learn(ep)
	}
	if ep%StateSaveInterval == 0 {
		t.saveState()
	}
	if t.opts.Recorder != nil {
		t.warnOnError(t.opts.Recorder.RecordEpisode(ep, score, steps, t.game.Lines, t.agent.Epsilon()), "episode log")
	}
	return point
}

// learn runs one learning step, converting panics of the model into errors: a failed step is skipped.
func (t *Trainer) learn(ep int) {
	var (
		loss    float32
		trained bool
	)
	err := exceptions.TryCatch[error](func() {
		loss, trained = t.agent.Learn(t.cfg.BatchSize, t.cfg.Epochs)
	})
	if err != nil {
		klog.Errorf("Learning step after episode %d failed, skipping it: %+v", ep, err)
		return
	}
	if trained {
		t.lastLoss = loss
	}
}

func (t *Trainer) saveMilestone(ep int) {
	if err := t.store.SaveMilestone(t.agent.Learner(), ep); err != nil {
		t.warnOnError(err, "milestone checkpoint")
		return
	}
	t.session.milestones.Insert(ep)
}

func (t *Trainer) saveBest() {
	t.warnOnError(t.store.SaveBest(t.agent.Learner()), "best model")
}

func (t *Trainer) saveState() {
	t.warnOnError(t.store.SaveState(t.session.State()), "training state")
}

func (t *Trainer) warnOnError(err error, what string) {
	if err != nil {
		klog.Warningf("Failed to save %s, skipping: %+v", what, err)
	}
}

// publish a Progress snapshot, if anyone is listening.
func (t *Trainer) publish(start time.Time, lastScore, lastSteps int, point *ChartPoint, done bool) {
	if t.opts.Progress == nil {
		return
	}
	s := t.session
	publish(t.opts.Progress, Progress{
		Episode:        s.LastEpisode,
		TotalEpisodes:  t.cfg.Episodes,
		Elapsed:        time.Since(start),
		Epsilon:        t.agent.Epsilon(),
		RollingAverage: s.RollingAverage(),
		RollingMax:     s.RollingMax(),
		BestScore:      s.BestScore,
		Milestones:     s.Milestones(),
		LastScore:      lastScore,
		LastSteps:      lastSteps,
		Loss:           t.lastLoss,
		RecentBatches:  s.RecentBatches(5),
		ChartPoint:     point,
		Done:           done,
	})
}

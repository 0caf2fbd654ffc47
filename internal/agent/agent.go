// Package agent implements the value agent: it picks among candidate placements using an
// epsilon-greedy policy over a learned value function of the resulting boards, and learns from a
// replay buffer of transitions with a single-step state-value bootstrap.
//
// An Agent is owned by a single goroutine: it is not safe for concurrent use.
package agent

import (
	"fmt"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/tetrisGo/internal/ai"
	"github.com/janpfeifer/tetrisGo/internal/features"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of the agent exploration and learning.
type Config struct {
	// Discount factor applied to the value of the resulting board, in [0, 1].
	Discount float32

	// EpsilonMin is the exploration floor. Epsilon decays linearly from 1 to EpsilonMin
	// until EpsilonStopEpisode, and stays at EpsilonMin after that.
	EpsilonMin         float32
	EpsilonStopEpisode int

	// MemSize is the capacity of the replay buffer, and ReplayStart the number of
	// transitions it must hold before learning starts.
	MemSize, ReplayStart int

	// Seed for exploration and replay sampling.
	Seed uint64
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Discount:           0.95,
		EpsilonMin:         0,
		EpsilonStopEpisode: 2000,
		MemSize:            1000,
		ReplayStart:        1000,
	}
}

// Validate returns an error if any of the values is out of range.
func (c Config) Validate() error {
	if c.Discount < 0 || c.Discount > 1 {
		return errors.Errorf("discount must be in [0, 1], got %g", c.Discount)
	}
	if c.EpsilonMin < 0 || c.EpsilonMin > 1 {
		return errors.Errorf("epsilon_min must be in [0, 1], got %g", c.EpsilonMin)
	}
	if c.MemSize <= 0 {
		return errors.Errorf("mem_size must be > 0, got %d", c.MemSize)
	}
	if c.ReplayStart < 0 {
		return errors.Errorf("replay_start must be >= 0, got %d", c.ReplayStart)
	}
	return nil
}

// Epsilon returns the exploration rate for the given episode. It is a pure function of the episode
// and of the configuration, so it is recomputed identically on resume.
func Epsilon(episode int, cfg Config) float32 {
	if cfg.EpsilonStopEpisode <= 0 || episode >= cfg.EpsilonStopEpisode {
		return cfg.EpsilonMin
	}
	decay := (1 - cfg.EpsilonMin) * float32(episode) / float32(cfg.EpsilonStopEpisode)
	return math32.Max(cfg.EpsilonMin, math32.Min(1, 1-decay))
}

// Agent chooses among candidate placements and learns their value.
type Agent struct {
	cfg     Config
	learner ai.ValueLearner
	rng     *rand.Rand
	epsilon float32
	frozen  bool

	// Replay is nil for frozen agents.
	Replay *ReplayBuffer
}

// New creates a learning agent with an empty replay buffer, and epsilon set for episode 0.
func New(learner ai.ValueLearner, cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if learner.FeatureDim() != features.Dim {
		return nil, errors.Errorf("model %s expects %d features, boards have %d",
			learner, learner.FeatureDim(), features.Dim)
	}
	a := &Agent{
		cfg:     cfg,
		learner: learner,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		Replay:  NewReplayBuffer(cfg.MemSize),
	}
	a.SetEpisode(0)
	return a, nil
}

// NewFrozen creates an agent that always exploits (epsilon 0) and never learns: Remember and Learn
// are no-ops. The learner is never modified.
func NewFrozen(learner ai.ValueScorer) *Agent {
	var l ai.ValueLearner
	if vl, ok := learner.(ai.ValueLearner); ok {
		l = vl
	} else {
		l = scorerOnly{learner}
	}
	return &Agent{
		learner: l,
		rng:     rand.New(rand.NewPCG(0, 1)),
		frozen:  true,
	}
}

// scorerOnly adapts a ValueScorer into a ValueLearner for frozen agents.
type scorerOnly struct {
	ai.ValueScorer
}

func (scorerOnly) Learn([][]float32, []float32) float32 { panic("frozen model can't learn") }
func (scorerOnly) Loss([][]float32, []float32) float32  { return 0 }
func (scorerOnly) Save(string) error                    { return errors.New("frozen model can't be saved") }
func (scorerOnly) Kind() string                         { return "frozen" }
func (scorerOnly) FeatureDim() int                      { return features.Dim }

// String implements fmt.Stringer.
func (a *Agent) String() string {
	if a.frozen {
		return fmt.Sprintf("Agent(frozen, %s)", a.learner)
	}
	return fmt.Sprintf("Agent(%s, epsilon=%.3f, replay=%d/%d)", a.learner, a.epsilon, a.Replay.Len(), a.Replay.Cap())
}

// Learner returns the model used by the agent.
func (a *Agent) Learner() ai.ValueLearner { return a.learner }

// Config returns the agent configuration.
func (a *Agent) Config() Config { return a.cfg }

// Frozen returns whether the agent never explores nor learns.
func (a *Agent) Frozen() bool { return a.frozen }

// SetEpisode updates epsilon for the given episode. It has no effect on frozen agents.
func (a *Agent) SetEpisode(episode int) {
	if a.frozen {
		return
	}
	a.epsilon = Epsilon(episode, a.cfg)
}

// Epsilon returns the current exploration rate.
func (a *Agent) Epsilon() float32 { return a.epsilon }

// SelectAction returns the index of the chosen candidate: with probability epsilon a uniformly
// random one, otherwise the one with the highest estimated value, ties broken by the first seen.
//
// It returns -1 for an empty list: callers must check for the end of the game before calling it.
func (a *Agent) SelectAction(candidates features.Candidates) int {
	if len(candidates) == 0 {
		return -1
	}
	if a.epsilon > 0 && a.rng.Float32() < a.epsilon {
		return a.rng.IntN(len(candidates))
	}
	return a.Greedy(candidates)
}

// Greedy returns the index of the candidate with the highest estimated value, or -1 if empty.
func (a *Agent) Greedy(candidates features.Candidates) int {
	if len(candidates) == 0 {
		return -1
	}
	if len(candidates) == 1 {
		return 0
	}
	scores := a.learner.BatchScore(candidates.Features())
	best := 0
	for ii := 1; ii < len(scores); ii++ {
		if scores[ii] > scores[best] {
			best = ii
		}
	}
	if klog.V(3).Enabled() {
		klog.Infof("Greedy: %d candidates, best #%d (%s) value=%.3f",
			len(candidates), best, candidates[best].Placement, scores[best])
	}
	return best
}

// Remember appends a transition to the replay buffer. No-op for frozen agents.
func (a *Agent) Remember(state, next []float32, reward float32, terminal bool) {
	if a.frozen {
		return
	}
	a.Replay.Push(Transition{State: state, Next: next, Reward: reward, Terminal: terminal})
}

// EndEpisode marks the last remembered transition as terminal, for episodes cut short by the engine
// (an aborted step): its value is then not bootstrapped past the end of the game.
func (a *Agent) EndEpisode() {
	if a.frozen {
		return
	}
	a.Replay.MarkLastTerminal()
}

// Learn samples batchSize transitions uniformly from the replay buffer, and fits the model towards
// the bootstrapped targets for the given number of epochs.
//
// It is skipped (trained=false) if the buffer holds fewer than ReplayStart or batchSize transitions,
// or if the agent is frozen. The returned loss is the one of the last epoch.
func (a *Agent) Learn(batchSize, epochs int) (loss float32, trained bool) {
	if a.frozen || batchSize <= 0 || epochs <= 0 {
		return 0, false
	}
	if a.Replay.Len() < a.cfg.ReplayStart || a.Replay.Len() < batchSize {
		return 0, false
	}
	batch := a.Replay.Sample(a.rng, batchSize)
	states := make([][]float32, len(batch))
	nexts := make([][]float32, len(batch))
	for ii, t := range batch {
		states[ii] = t.State
		nexts[ii] = t.Next
	}
	nextValues := a.learner.BatchScore(nexts)
	targets := make([]float32, len(batch))
	for ii, t := range batch {
		targets[ii] = t.Reward
		if !t.Terminal {
			targets[ii] += a.cfg.Discount * nextValues[ii]
		}
	}
	for range epochs {
		loss = a.learner.Learn(states, targets)
	}
	klog.V(2).Infof("Learn: batch=%d, epochs=%d, loss=%.4f", batchSize, epochs, loss)
	return loss, true
}

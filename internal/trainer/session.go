package trainer

import (
	"fmt"
	"math"
	"slices"

	"github.com/janpfeifer/tetrisGo/internal/generics"
	"github.com/janpfeifer/tetrisGo/internal/persistence"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Session holds the statistics of a training run. It is created from the persisted TrainingState,
// updated once per completed episode, and converted back to a TrainingState to be saved.
//
// It is owned by the trainer goroutine; Progress snapshots are copies.
type Session struct {
	cfg Config

	// LastEpisode completed.
	LastEpisode int
	BestScore   int

	// lastBestSave is the episode the best model was last saved.
	lastBestSave int
	// pendingBest is set when an improvement was not saved due to the throttling.
	pendingBest bool

	// milestones with a checkpoint.
	milestones generics.Set[int]

	rolling     *generics.Ring[float64]
	batchScores []float64
	batchSteps  []float64

	Chart  persistence.ChartData
	Recent []persistence.BatchSummary

	// consistency tracks whether each of the last episodes reached the score limit.
	consistency *generics.Ring[bool]
}

// NewSession creates a session for the configuration, resuming from the given state if not nil.
func NewSession(cfg Config, state *persistence.TrainingState) *Session {
	s := &Session{
		cfg:         cfg,
		rolling:     generics.NewRing[float64](RollingWindow),
		consistency: generics.NewRing[bool](ConsistencyWindow),
		milestones:  generics.MakeSet[int](),
	}
	if state != nil {
		s.LastEpisode = state.LastEpisode
		s.BestScore = state.BestScore
		s.Chart = persistence.ChartData{
			Eps:  slices.Clone(state.Chart.Eps),
			Avgs: slices.Clone(state.Chart.Avgs),
			Maxs: slices.Clone(state.Chart.Maxs),
		}
		// Chart series of different lengths are truncated to the shortest.
		n := min(len(s.Chart.Eps), len(s.Chart.Avgs), len(s.Chart.Maxs))
		s.Chart.Eps, s.Chart.Avgs, s.Chart.Maxs = s.Chart.Eps[:n], s.Chart.Avgs[:n], s.Chart.Maxs[:n]
		s.Recent = slices.Clone(state.Recent)
	}
	return s
}

// SetMilestones sets the episodes with a milestone checkpoint.
func (s *Session) SetMilestones(episodes []int) {
	s.milestones = generics.SetWith(episodes...)
}

// Milestones returns the number of milestone checkpoints.
func (s *Session) Milestones() int { return len(s.milestones) }

// State returns the TrainingState to persist.
func (s *Session) State() *persistence.TrainingState {
	return &persistence.TrainingState{
		LastEpisode: s.LastEpisode,
		BestScore:   s.BestScore,
		Chart: persistence.ChartData{
			Eps:  slices.Clone(s.Chart.Eps),
			Avgs: slices.Clone(s.Chart.Avgs),
			Maxs: slices.Clone(s.Chart.Maxs),
		},
		Recent:     s.RecentBatches(MaxRecentBatches),
		Parameters: s.cfg.Params(),
	}
}

// Record a completed episode in the rolling and batch statistics.
func (s *Session) Record(episode, score, steps int) {
	s.LastEpisode = episode
	s.rolling.Push(float64(score))
	s.batchScores = append(s.batchScores, float64(score))
	s.batchSteps = append(s.batchSteps, float64(steps))
}

// RollingAverage returns the average score of the last RollingWindow episodes, rounded.
func (s *Session) RollingAverage() int {
	if s.rolling.Len() == 0 {
		return 0
	}
	return int(math.Round(stat.Mean(s.rolling.Slice(), nil)))
}

// RollingMax returns the max score of the last RollingWindow episodes.
func (s *Session) RollingMax() int {
	if s.rolling.Len() == 0 {
		return 0
	}
	return int(floats.Max(s.rolling.Slice()))
}

// UpdateBest updates the best score with the score of the episode. It returns whether the score is a
// new best, and whether the best model should be saved: saves are throttled to at most one every
// BestSaveInterval episodes, except for the very first best and improvements larger than
// BestSaveImprovement. Throttled improvements are deferred: see DueBestSave and FlushBestSave.
func (s *Session) UpdateBest(episode, score int) (improved, save bool) {
	if score <= s.BestScore {
		return false, false
	}
	oldBest := s.BestScore
	s.BestScore = score
	sinceLastSave := episode - s.lastBestSave
	majorImprovement := oldBest > 0 && float64(score) > float64(oldBest)*BestSaveImprovement
	if sinceLastSave >= BestSaveInterval || majorImprovement || oldBest == 0 {
		s.lastBestSave = episode
		s.pendingBest = false
		return true, true
	}
	s.pendingBest = true
	return true, false
}

// DueBestSave returns whether a deferred best model save is due at the episode, that is, the throttle
// interval since the last save has elapsed.
func (s *Session) DueBestSave(episode int) bool {
	if !s.pendingBest || episode-s.lastBestSave < BestSaveInterval {
		return false
	}
	s.pendingBest = false
	s.lastBestSave = episode
	return true
}

// FlushBestSave returns whether a deferred best model save is pending, and clears it. Used at the end
// of a run.
func (s *Session) FlushBestSave() bool {
	pending := s.pendingBest
	s.pendingBest = false
	return pending
}

// UpdateConsistency records whether the episode reached the score limit, and returns whether the
// agent is consistently reaching it. Always false if there is no score limit.
func (s *Session) UpdateConsistency(score int) bool {
	if s.cfg.MaxScore <= 0 {
		return false
	}
	s.consistency.Push(score >= s.cfg.MaxScore)
	if !s.consistency.Full() {
		return false
	}
	count := 0
	for reached := range s.consistency.All() {
		if reached {
			count++
		}
	}
	return count >= ConsistencyThreshold
}

// FlushBatch is called at the end of a batch window: it appends a chart point and a batch summary, and
// resets the batch statistics. It returns the new chart point.
func (s *Session) FlushBatch(episode int) ChartPoint {
	summary := persistence.BatchSummary{
		Range: fmt.Sprintf("%d-%d", max(0, episode-s.cfg.BatchWindow), episode),
	}
	if len(s.batchScores) > 0 {
		summary.Avg = int(math.Round(stat.Mean(s.batchScores, nil)))
		summary.Max = int(floats.Max(s.batchScores))
		summary.Steps = stat.Mean(s.batchSteps, nil)
	}
	s.Recent = append(s.Recent, summary)
	if len(s.Recent) > MaxRecentBatches {
		s.Recent = slices.Clone(s.Recent[len(s.Recent)-MaxRecentBatches:])
	}

	point := ChartPoint{Episode: episode, Avg: s.RollingAverage(), Max: s.RollingMax()}
	s.Chart.Append(point.Episode, point.Avg, point.Max, MaxChartPoints)
	s.batchScores = s.batchScores[:0]
	s.batchSteps = s.batchSteps[:0]
	return point
}

// RecentBatches returns a copy of the last n batch summaries.
func (s *Session) RecentBatches(n int) []persistence.BatchSummary {
	start := max(0, len(s.Recent)-n)
	return slices.Clone(s.Recent[start:])
}

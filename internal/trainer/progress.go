package trainer

import (
	"time"

	"github.com/janpfeifer/tetrisGo/internal/persistence"
)

// ChartPoint is one point of the score chart: the rolling statistics at the end of a batch window.
type ChartPoint struct {
	Episode, Avg, Max int
}

// Progress is a read-only snapshot of the training, published after every completed episode.
type Progress struct {
	Episode, TotalEpisodes int
	Elapsed                time.Duration
	Epsilon                float32

	RollingAverage, RollingMax int
	BestScore                  int

	// Milestones is the number of milestone checkpoints saved.
	Milestones int

	LastScore, LastSteps int

	// Loss of the last learning step, if any.
	Loss float32

	RecentBatches []persistence.BatchSummary

	// ChartPoint is set when the episode closed a batch window.
	ChartPoint *ChartPoint

	// Done is set on the last snapshot, when training finished or was stopped.
	Done bool
}

// publish sends p without blocking: if the consumer is not keeping up, the snapshot is dropped.
func publish(progress chan<- Progress, p Progress) bool {
	if progress == nil {
		return false
	}
	select {
	case progress <- p:
		return true
	default:
		return false
	}
}

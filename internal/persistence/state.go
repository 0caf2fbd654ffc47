package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StateFileName is the name of the training state document, in the store directory.
const StateFileName = "_training_state.json"

// ChartData holds the parallel series of the score chart: one point per batch window.
type ChartData struct {
	Eps  []int `json:"eps"`
	Avgs []int `json:"avgs"`
	Maxs []int `json:"maxs"`
}

// Len returns the number of points in the chart.
func (c *ChartData) Len() int { return len(c.Eps) }

// Append a point, dropping the oldest ones if the chart grows beyond maxLen points.
func (c *ChartData) Append(ep, avg, maxScore, maxLen int) {
	c.Eps = append(c.Eps, ep)
	c.Avgs = append(c.Avgs, avg)
	c.Maxs = append(c.Maxs, maxScore)
	if maxLen > 0 && len(c.Eps) > maxLen {
		drop := len(c.Eps) - maxLen
		c.Eps = c.Eps[drop:]
		c.Avgs = c.Avgs[drop:]
		c.Maxs = c.Maxs[drop:]
	}
}

// BatchSummary describes one batch window of episodes.
type BatchSummary struct {
	// Range of the episodes, e.g. "50-100".
	Range string  `json:"range"`
	Avg   int     `json:"avg"`
	Max   int     `json:"max"`
	Steps float64 `json:"steps"`
}

// TrainingState is the persisted progress of the training, enough to resume it.
type TrainingState struct {
	// LastEpisode completed, 1-based.
	LastEpisode int            `json:"last_episode"`
	BestScore   int            `json:"best_score"`
	Chart       ChartData      `json:"chart_data"`
	Recent      []BatchSummary `json:"recent_episodes"`

	// Parameters in effect, as configuration strings.
	Parameters map[string]string `json:"parameters,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// StatePath returns the path of the training state file.
func (s *Store) StatePath() string {
	return filepath.Join(s.Dir, StateFileName)
}

// LoadState reads the training state. A missing or malformed file is reported as ok=false: it means
// there is no prior state.
func (s *Store) LoadState() (state *TrainingState, ok bool) {
	path := s.StatePath()
	contents, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			klog.Warningf("Failed to read training state %s, ignoring it: %v", path, err)
		}
		return nil, false
	}
	state = &TrainingState{}
	if err = json.Unmarshal(contents, state); err != nil {
		klog.Warningf("Malformed training state %s, ignoring it: %v", path, err)
		return nil, false
	}
	return state, true
}

// SaveState writes the training state atomically: to a temporary file first, then renamed over the
// previous one, so readers never see a partially written document.
func (s *Store) SaveState(state *TrainingState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	contents, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode training state")
	}
	if err = os.MkdirAll(s.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", s.Dir)
	}
	f, err := os.CreateTemp(s.Dir, StateFileName+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary state file in %s", s.Dir)
	}
	tmpPath := f.Name()
	_, err = f.Write(contents)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write %s", tmpPath)
	}
	if err = os.Rename(tmpPath, s.StatePath()); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename %s to %s", tmpPath, s.StatePath())
	}
	klog.V(1).Infof("Saved training state: last episode %d, best score %d", state.LastEpisode, state.BestScore)
	return nil
}

// Package persistence manages the models directory: the training state document, the model
// checkpoints saved at milestone episodes, the "best" model and the consistency checkpoints.
//
// Checkpoints are saved by base name (e.g. "episode_50"), and the model kind is appended as the
// extension (see ai.SaveCheckpoint), so any registered model kind can be loaded back.
//
// The trainer and the viewer may use the same directory concurrently: the viewer only reads
// checkpoints, and all writes are atomic (temporary file, then rename).
package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/janpfeifer/tetrisGo/internal/ai"
	"github.com/janpfeifer/tetrisGo/internal/generics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultSaveEvery is the default interval, in episodes, of the milestone checkpoints.
const DefaultSaveEvery = 50

const (
	milestonePrefix  = "episode_"
	consistentPrefix = "consistent_ep_"
	bestName         = "best"
)

// ErrCheckpointNotFound is returned when the requested checkpoint doesn't exist.
// It is the same as ai.ErrCheckpointNotFound.
var ErrCheckpointNotFound = ai.ErrCheckpointNotFound

// Store is a models directory.
type Store struct {
	Dir string
}

// NewStore returns a Store on dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create models directory %s", dir)
	}
	return &Store{Dir: dir}, nil
}

// IsMilestone returns whether a checkpoint is saved for the episode: the first one and every `every`
// episodes.
func IsMilestone(episode, every int) bool {
	if episode <= 0 {
		return false
	}
	return episode == 1 || (every > 0 && episode%every == 0)
}

// MilestoneBase returns the base path of the checkpoint of the given episode.
func (s *Store) MilestoneBase(episode int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s%d", milestonePrefix, episode))
}

// BestBase returns the base path of the best model checkpoint.
func (s *Store) BestBase() string {
	return filepath.Join(s.Dir, bestName)
}

// ConsistentBase returns the base path of the consistency checkpoint of the given episode.
func (s *Store) ConsistentBase(episode int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s%d", consistentPrefix, episode))
}

// SaveMilestone saves the learner as the checkpoint of the episode.
func (s *Store) SaveMilestone(learner ai.ValueLearner, episode int) error {
	return ai.SaveCheckpoint(learner, s.MilestoneBase(episode))
}

// SaveBest saves the learner as the best model.
func (s *Store) SaveBest(learner ai.ValueLearner) error {
	return ai.SaveCheckpoint(learner, s.BestBase())
}

// SaveConsistent saves the learner as the consistency checkpoint of the episode.
func (s *Store) SaveConsistent(learner ai.ValueLearner, episode int) error {
	return ai.SaveCheckpoint(learner, s.ConsistentBase(episode))
}

// HasBest returns whether there is a best model checkpoint.
func (s *Store) HasBest() bool {
	_, _, err := ai.FindCheckpoint(s.BestBase())
	return err == nil
}

// parseCheckpointName parses names like "<prefix><number>.<kind>" where kind is a registered model
// kind. Temporary and backup files don't match.
func parseCheckpointName(name, prefix string) (episode int, ok bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	numStr, kind, found := strings.Cut(strings.TrimPrefix(name, prefix), ".")
	if !found || !slices.Contains(ai.RegisteredKinds(), kind) {
		return 0, false
	}
	episode, err := strconv.Atoi(numStr)
	if err != nil || episode <= 0 {
		return 0, false
	}
	return episode, true
}

// scan returns the sorted, de-duplicated episode numbers of the checkpoints with the given prefix.
func (s *Store) scan(prefix string) []int {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			klog.Warningf("Failed to list models directory %s: %v", s.Dir, err)
		}
		return nil
	}
	// The same episode may have checkpoints of different kinds.
	episodes := generics.MakeSet[int]()
	for _, entry := range entries {
		if ep, ok := parseCheckpointName(entry.Name(), prefix); ok {
			episodes.Insert(ep)
		}
	}
	return slices.Collect(generics.SortedKeys(episodes))
}

// ListMilestones returns the sorted episodes with a milestone checkpoint. Checkpoints of episodes that
// are not milestones for the given interval are ignored.
func (s *Store) ListMilestones(every int) []int {
	return slices.DeleteFunc(s.scan(milestonePrefix), func(ep int) bool { return !IsMilestone(ep, every) })
}

// ListConsistent returns the sorted episodes with a consistency checkpoint.
func (s *Store) ListConsistent() []int {
	return s.scan(consistentPrefix)
}

// LatestMilestone returns the latest milestone episode at or before atOrBefore, or 0 if there is none.
func (s *Store) LatestMilestone(atOrBefore, every int) int {
	latest := 0
	for _, ep := range s.ListMilestones(every) {
		if ep <= atOrBefore {
			latest = ep
		}
	}
	return latest
}

// Ref identifies a checkpoint to load: either the best model, or the milestone of an episode.
type Ref struct {
	Best    bool
	Episode int
}

// BestRef refers to the best model.
var BestRef = Ref{Best: true}

// EpisodeRef refers to the milestone checkpoint of the episode.
func EpisodeRef(episode int) Ref { return Ref{Episode: episode} }

// ParseRef parses "best" or an episode number.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, bestName) {
		return BestRef, nil
	}
	ep, err := strconv.Atoi(s)
	if err != nil {
		return Ref{}, errors.Errorf("invalid checkpoint %q: it must be \"best\" or an episode number", s)
	}
	return EpisodeRef(ep), nil
}

// String returns "best" or the episode number.
func (r Ref) String() string {
	if r.Best {
		return bestName
	}
	return strconv.Itoa(r.Episode)
}

// Label is a human-readable name of the checkpoint.
func (r Ref) Label() string {
	if r.Best {
		return "Best Model"
	}
	return fmt.Sprintf("Ep #%d", r.Episode)
}

// Base returns the checkpoint base path of the reference.
func (s *Store) Base(r Ref) string {
	if r.Best {
		return s.BestBase()
	}
	return s.MilestoneBase(r.Episode)
}

// LoadCheckpoint loads the referred checkpoint. If it doesn't exist, the error wraps
// ErrCheckpointNotFound.
func (s *Store) LoadCheckpoint(r Ref) (ai.ValueLearner, error) {
	learner, err := ai.LoadCheckpoint(s.Base(r))
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q (%s)", r, r.Label())
	}
	return learner, nil
}

// Reset removes all checkpoints and the training state, leaving an empty models directory.
// It must not be called while a trainer or viewer is using the store.
func (s *Store) Reset() error {
	if err := os.RemoveAll(s.Dir); err != nil {
		return errors.Wrapf(err, "failed to remove models directory %s", s.Dir)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to re-create models directory %s", s.Dir)
	}
	klog.Infof("Removed all models and training state from %s", s.Dir)
	return nil
}

// Package ai (Artificial Intelligence) defines the interfaces that value approximators have to
// implement, and a registry of the available model kinds.
//
// A value approximator maps a feature vector of a resulting board (see package features) to an
// estimate of the future score of the game from that board on.
package ai

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/janpfeifer/tetrisGo/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ValueScorer returns the estimated value of resulting boards, given their features.
type ValueScorer interface {
	// BatchScore scores a batch of feature vectors in one pass.
	BatchScore(features [][]float32) []float32

	// String returns the model name and description.
	String() string
}

// ValueLearner is the interface used to train a ValueScorer model, based on value labels.
type ValueLearner interface {
	ValueScorer

	// Learn from the given batch of feature vectors and its associate value labels.
	// It does one update step and returns the training loss -- mean over batch.
	Learn(features [][]float32, labels []float32) (loss float32)

	// Loss returns the mean squared error of the model on the given examples.
	Loss(features [][]float32, labels []float32) (loss float32)

	// Save the model to path. The saved checkpoint must be self-describing: Model.Load can
	// recreate the learner, with its hyperparameters, from it.
	// Implementations write to a temporary location first and then rename, so readers never see partial
	// checkpoints.
	Save(path string) error

	// Kind of the model, the name it was registered with. It is used as the checkpoint file extension.
	Kind() string

	// FeatureDim is the expected length of each feature vector.
	FeatureDim() int
}

// Model creates or loads ValueLearner of one kind.
type Model interface {
	// New creates a freshly initialized learner. It should pop from params the parameters it uses.
	New(featureDim int, params parameters.Params) (ValueLearner, error)

	// Load a learner from a checkpoint saved with ValueLearner.Save.
	Load(path string) (ValueLearner, error)
}

// ErrCheckpointNotFound is returned when a checkpoint doesn't exist for any of the registered kinds.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

var (
	// Registered models.
	kindToModels = make(map[string]Model)
)

// RegisterModel so it can be created by New and loaded by LoadCheckpoint.
// Should be called during initialization.
func RegisterModel(kind string, model Model) {
	kindToModels[kind] = model
}

// RegisteredKinds returns the sorted list of registered model kinds.
func RegisteredKinds() []string {
	kinds := make([]string, 0, len(kindToModels))
	for kind := range kindToModels {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// New creates a new learner of the given kind.
//
// Parameters used by the model are removed from params: if any parameter is left unused, it returns
// an error -- it is likely a typo in the configuration.
func New(kind string, featureDim int, params parameters.Params) (ValueLearner, error) {
	model, ok := kindToModels[kind]
	if !ok {
		return nil, errors.Errorf("unknown model kind %q, registered kinds are %v", kind, RegisteredKinds())
	}
	learner, err := model.New(featureDim, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create model %q", kind)
	}
	if len(params) > 0 {
		return nil, errors.Errorf("unknown parameters for model %q: %s", kind, strings.Join(params.Keys(), ", "))
	}
	klog.V(1).Infof("Created new model %s", learner)
	return learner, nil
}

// CheckpointPath returns the path where a checkpoint of the given kind is saved for basePath.
func CheckpointPath(basePath, kind string) string {
	return basePath + "." + kind
}

// SaveCheckpoint saves the learner to basePath, with the model kind appended as extension.
func SaveCheckpoint(learner ValueLearner, basePath string) error {
	path := CheckpointPath(basePath, learner.Kind())
	if err := learner.Save(path); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint %q", path)
	}
	klog.V(1).Infof("Saved checkpoint %s", path)
	return nil
}

// BackupSuffix is appended to the path of a checkpoint that is moved aside while its replacement is
// being renamed into place.
const BackupSuffix = "~"

// FindCheckpoint returns the path and kind of the checkpoint saved at basePath. If more than one kind
// of model was saved with the same basePath, the most recent one is returned.
//
// If there is none, but a backup of one (see BackupSuffix) exists, the backup is returned: this happens
// while a checkpoint is being replaced.
func FindCheckpoint(basePath string) (path, kind string, err error) {
	for _, suffix := range []string{"", BackupSuffix} {
		var newest time.Time
		for _, k := range RegisteredKinds() {
			p := CheckpointPath(basePath, k) + suffix
			info, statErr := os.Stat(p)
			if statErr != nil {
				continue
			}
			if path == "" || info.ModTime().After(newest) {
				path, kind, newest = p, k, info.ModTime()
			}
		}
		if path != "" {
			break
		}
	}
	if path == "" {
		return "", "", errors.Wrapf(ErrCheckpointNotFound, "no checkpoint for %q (kinds %v)", basePath, RegisteredKinds())
	}
	return path, kind, nil
}

// LoadCheckpoint loads the learner saved at basePath, of whatever kind it was saved.
// If there is no checkpoint, the returned error wraps ErrCheckpointNotFound.
func LoadCheckpoint(basePath string) (ValueLearner, error) {
	path, kind, err := FindCheckpoint(basePath)
	if err != nil {
		return nil, err
	}
	learner, err := kindToModels[kind].Load(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint %q", path)
	}
	klog.V(1).Infof("Loaded checkpoint %s: %s", path, learner)
	return learner, nil
}

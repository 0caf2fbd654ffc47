package gomlx

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/tetrisGo/internal/ai"
	"github.com/janpfeifer/tetrisGo/internal/parameters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// newTestScorer creates a small model, or skips the test if no backend is available.
func newTestScorer(t *testing.T, config string) ai.ValueLearner {
	var learner ai.ValueLearner
	err := exceptions.TryCatch[error](func() {
		var err error
		learner, err = ai.New(Kind, 3, parameters.NewFromConfigString(config))
		require.NoError(t, err)
	})
	if err != nil {
		t.Skipf("GoMLX backend not available: %+v", err)
	}
	return learner
}

func linearExamples(rng *rand.Rand, num int) (features [][]float32, labels []float32) {
	for range num {
		f := []float32{float32(rng.NormFloat64()), float32(rng.NormFloat64()), float32(rng.NormFloat64())}
		features = append(features, f)
		labels = append(labels, 2*f[0]-f[1]+3*f[2]+1)
	}
	return
}

func TestLearn(t *testing.T) {
	learner := newTestScorer(t, "fnn_num_hidden_nodes=8,learning_rate=0.01")
	assert.Equal(t, Kind, learner.Kind())
	assert.Equal(t, 3, learner.FeatureDim())
	assert.Contains(t, learner.String(), "3x8 relu")

	rng := rand.New(rand.NewPCG(42, 0))
	features, labels := linearExamples(rng, 128)
	initialLoss := learner.Loss(features, labels)
	for range 300 {
		learner.Learn(features, labels)
	}
	finalLoss := learner.Loss(features, labels)
	t.Logf("initial loss=%g, final loss=%g", initialLoss, finalLoss)
	assert.Less(t, finalLoss, initialLoss/4)

	// Padding doesn't change the results.
	scores := learner.BatchScore(features[:5])
	require.Len(t, scores, 5)
	assert.InDeltaSlice(t, learner.BatchScore(features)[:5], scores, 1e-4)
}

func TestSaveAndLoad(t *testing.T) {
	learner := newTestScorer(t, "fnn_num_hidden_layers=2,fnn_num_hidden_nodes=6")
	rng := rand.New(rand.NewPCG(7, 0))
	features, labels := linearExamples(rng, 16)
	for range 5 {
		learner.Learn(features, labels)
	}

	base := filepath.Join(t.TempDir(), "best")
	require.NoError(t, ai.SaveCheckpoint(learner, base))
	// Saving twice replaces the previous checkpoint.
	require.NoError(t, ai.SaveCheckpoint(learner, base))
	assert.DirExists(t, ai.CheckpointPath(base, Kind))
	assert.NoDirExists(t, ai.CheckpointPath(base, Kind)+"~")

	loaded, err := ai.LoadCheckpoint(base)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.FeatureDim())
	assert.Contains(t, loaded.String(), "2x6")
	assert.InDeltaSlice(t, learner.BatchScore(features), loaded.BatchScore(features), 1e-5)

	// While being replaced, only the backup exists: it is loaded instead.
	path := ai.CheckpointPath(base, Kind)
	require.NoError(t, os.Rename(path, path+ai.BackupSuffix))
	found, kind, err := ai.FindCheckpoint(base)
	require.NoError(t, err)
	assert.Equal(t, Kind, kind)
	assert.Equal(t, path+ai.BackupSuffix, found)
	loaded, err = ai.LoadCheckpoint(base)
	require.NoError(t, err)
	assert.InDeltaSlice(t, learner.BatchScore(features), loaded.BatchScore(features), 1e-5)
}

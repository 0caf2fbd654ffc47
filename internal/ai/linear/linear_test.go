package linear

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/tetrisGo/internal/ai"
	"github.com/janpfeifer/tetrisGo/internal/parameters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreAndGradient(t *testing.T) {
	model := NewWithWeights(
		// Weights:
		2, -1, 4,
		// Bias:
		3)
	model.L2Reg = 0

	grad := make([]float32, len(model.weights))
	for _, test := range []struct {
		inputs             []float32
		label, score, loss float32
		grad               []float32
	}{
		{inputs: []float32{0, 0, 0}, label: 0.9, score: 3, loss: 4.41,
			grad: []float32{0, 0, 0, 4.2}},
		{inputs: []float32{0.2, -0.1, -0.5}, label: 0.9, score: 1.5, loss: 0.36,
			grad: []float32{0.24, -0.12, -0.6, 1.2}},
		{inputs: []float32{1, 1, 1}, label: 8, score: 8, loss: 0,
			grad: []float32{0, 0, 0, 0}},
	} {
		score := model.BatchScore([][]float32{test.inputs})[0]
		loss := model.Loss([][]float32{test.inputs}, []float32{test.label})
		model.calculateGradient([][]float32{test.inputs}, []float32{test.label}, grad)
		assert.InDelta(t, test.score, score, 1e-5)
		assert.InDelta(t, test.loss, loss, 1e-5)
		assert.InDeltaSlice(t, test.grad, grad, 1e-5)
	}
}

func TestClipL2(t *testing.T) {
	vec := []float32{3, 4}
	clipL2(vec, 10)
	assert.Equal(t, []float32{3, 4}, vec)
	clipL2(vec, 1)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, vec, 1e-6)
}

// TestLearn checks that it is able to learn our "want" linear model from examples.
func TestLearn(t *testing.T) {
	want := NewWithWeights(2, -1, 4, 3)

	got := New(3)
	got.LearningRate = 0.01
	got.L2Reg = 0

	rng := rand.New(rand.NewPCG(42, 0))
	numExamples, numFeatures := 10_000, 3
	examples := make([][]float32, numExamples)
	for i := range examples {
		examples[i] = make([]float32, numFeatures)
		for j := range examples[i] {
			examples[i][j] = float32(rng.NormFloat64())
		}
	}
	labels := want.BatchScore(examples)

	batchSize := 100
	var finalLoss float32
	for range 50 {
		for i := 0; i < numExamples; i += batchSize {
			end := min(i+batchSize, numExamples)
			finalLoss = got.Learn(examples[i:end], labels[i:end])
		}
	}
	assert.Less(t, finalLoss, float32(1e-4))
	assert.InDeltaSlice(t, want.Weights(), got.Weights(), 0.01)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s := NewWithWeights(0.5, -1.25, 3)
	s.LearningRate = 0.02
	s.NumSteps = 3
	base := filepath.Join(dir, "best")
	require.NoError(t, ai.SaveCheckpoint(s, base))
	assert.FileExists(t, base+".linear")
	_, err := os.Stat(base + ".linear.tmp")
	assert.True(t, os.IsNotExist(err), "temporary file removed")

	learner, err := ai.LoadCheckpoint(base)
	require.NoError(t, err)
	loaded := learner.(*Scorer)
	assert.Equal(t, s.Weights(), loaded.Weights())
	assert.Equal(t, float32(0.02), loaded.LearningRate)
	assert.Equal(t, 3, loaded.NumSteps)
	assert.Equal(t, 2, loaded.FeatureDim())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.linear"), []byte("1\nabc\n"), 0644))
	_, err = Load(filepath.Join(dir, "bad.linear"))
	assert.Error(t, err)
}

func TestNewFromParams(t *testing.T) {
	learner, err := ai.New(Kind, 4, parameters.NewFromConfigString("learning_rate=0.1,steps=2,l2_reg=0"))
	require.NoError(t, err)
	s := learner.(*Scorer)
	assert.Equal(t, 4, s.FeatureDim())
	assert.Equal(t, float32(0.1), s.LearningRate)
	assert.Equal(t, 2, s.NumSteps)
	assert.Equal(t, make([]float32, 5), s.Weights())

	for _, config := range []string{"learning_rate=0", "steps=0", "steps=x", "hidden=3"} {
		_, err = ai.New(Kind, 4, parameters.NewFromConfigString(config))
		assert.Errorf(t, err, "config %q should have failed", config)
	}
}

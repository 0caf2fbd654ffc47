package mlp

import (
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/tetrisGo/internal/ai"
	"github.com/janpfeifer/tetrisGo/internal/parameters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lossFloat64 is the MSE without the float32 conversion, for numeric gradient checks.
func lossFloat64(n *Network, features [][]float32, labels []float32) float64 {
	outputs := n.forward(n.toDense(features))
	pred := outputs[len(outputs)-1]
	var sum float64
	for ii, label := range labels {
		diff := pred.At(ii, 0) - float64(label)
		sum += diff * diff
	}
	return sum / float64(len(labels))
}

func randomExamples(rng *rand.Rand, num, dim int) (features [][]float32, labels []float32) {
	for range num {
		f := make([]float32, dim)
		var label float32
		for ii := range f {
			f[ii] = float32(rng.NormFloat64())
			label += float32(ii+1) * f[ii]
		}
		features = append(features, f)
		labels = append(labels, label)
	}
	return
}

func TestGradients(t *testing.T) {
	n := New(3, []int{4, 5}, Tanh, 7)
	// Make biases non-zero.
	for _, l := range n.layers {
		for ii := range l.B {
			l.B[ii] = 0.1 * float64(ii+1)
		}
	}
	rng := rand.New(rand.NewPCG(42, 0))
	features, labels := randomExamples(rng, 6, 3)
	outputs := n.forward(n.toDense(features))
	gradW, gradB := n.gradients(outputs, labels)

	const eps = 1e-6
	for li, l := range n.layers {
		data := l.W.RawMatrix().Data
		got := gradW[li].RawMatrix().Data
		for ii := range data {
			original := data[ii]
			data[ii] = original + eps
			plus := lossFloat64(n, features, labels)
			data[ii] = original - eps
			minus := lossFloat64(n, features, labels)
			data[ii] = original
			numeric := (plus - minus) / (2 * eps)
			assert.InDeltaf(t, numeric, got[ii], 1e-5, "layer %d, weight %d", li, ii)
		}
		for ii := range l.B {
			original := l.B[ii]
			l.B[ii] = original + eps
			plus := lossFloat64(n, features, labels)
			l.B[ii] = original - eps
			minus := lossFloat64(n, features, labels)
			l.B[ii] = original
			numeric := (plus - minus) / (2 * eps)
			assert.InDeltaf(t, numeric, gradB[li][ii], 1e-5, "layer %d, bias %d", li, ii)
		}
	}
}

func TestClipL2(t *testing.T) {
	n := New(2, []int{3}, Relu, 1)
	rng := rand.New(rand.NewPCG(1, 0))
	features, labels := randomExamples(rng, 4, 2)
	for ii := range labels {
		labels[ii] *= 100
	}
	gradW, gradB := n.gradients(n.forward(n.toDense(features)), labels)
	clipL2(gradW, gradB, 0.5)
	var total float64
	for ii := range gradW {
		for _, v := range gradW[ii].RawMatrix().Data {
			total += v * v
		}
		for _, v := range gradB[ii] {
			total += v * v
		}
	}
	assert.InDelta(t, 0.5, math.Sqrt(total), 1e-9)
}

// TestLearn checks that it is able to fit a linear function of the inputs.
func TestLearn(t *testing.T) {
	n := New(3, []int{16, 16}, Relu, 3)
	n.LearningRate = 0.01
	rng := rand.New(rand.NewPCG(42, 0)) // Ensure reproducibility
	features, labels := randomExamples(rng, 256, 3)
	initialLoss := n.Loss(features, labels)
	for step := range 500 {
		loss := n.Learn(features, labels)
		if step%100 == 0 {
			fmt.Printf("\tstep %d: loss=%g\n", step, loss)
		}
	}
	finalLoss := n.Loss(features, labels)
	fmt.Printf("\tinitial loss=%g, final loss=%g\n", initialLoss, finalLoss)
	assert.Less(t, finalLoss, initialLoss/10)
	assert.Equal(t, 500, n.Steps())

	// Output is linear (unbounded): it can predict values far above 1.
	scores := n.BatchScore([][]float32{{3, 3, 3}})
	assert.Greater(t, scores[0], float32(5))
}

func TestSaveAndLoad(t *testing.T) {
	n := New(4, []int{8, 8}, Relu, 11)
	rng := rand.New(rand.NewPCG(5, 0))
	features, labels := randomExamples(rng, 32, 4)
	for range 10 {
		n.Learn(features, labels)
	}

	dir := t.TempDir()
	base := filepath.Join(dir, "episode_50")
	require.NoError(t, ai.SaveCheckpoint(n, base))
	assert.FileExists(t, ai.CheckpointPath(base, Kind))
	assert.NoFileExists(t, ai.CheckpointPath(base, Kind)+".tmp")

	loaded, err := ai.LoadCheckpoint(base)
	require.NoError(t, err)
	assert.Equal(t, Kind, loaded.Kind())
	assert.Equal(t, 4, loaded.FeatureDim())
	assert.Equal(t, n.String(), loaded.String())
	assert.Equal(t, n.BatchScore(features), loaded.BatchScore(features))

	// Optimizer state is restored: one more step on both gives the same model.
	n.Learn(features, labels)
	loaded.Learn(features, labels)
	assert.Equal(t, n.BatchScore(features), loaded.BatchScore(features))

	_, err = ai.LoadCheckpoint(filepath.Join(dir, "episode_100"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrCheckpointNotFound)

	_, err = Load(filepath.Join(dir, "missing.mlp"))
	assert.Error(t, err)
}

func TestNewFromParams(t *testing.T) {
	params := parameters.NewFromConfigString("hidden=8-4,learning_rate=0.01,activation=tanh,seed=3")
	learner, err := ai.New(Kind, 4, params)
	require.NoError(t, err)
	n := learner.(*Network)
	assert.Equal(t, []int{4, 8, 4, 1}, n.Sizes)
	assert.Equal(t, Tanh, n.Activation)
	assert.Equal(t, 0.01, n.LearningRate)
	assert.Equal(t, "mlp[4-8-4-1 tanh]", n.String())

	// Default network.
	learner, err = ai.New(Kind, 4, parameters.Params{})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 32, 32, 32, 1}, learner.(*Network).Sizes)

	for _, config := range []string{"hidden=8-x", "activation=sigmoid", "learning_rate=-1", "unknown=3"} {
		_, err = ai.New(Kind, 4, parameters.NewFromConfigString(config))
		assert.Errorf(t, err, "config %q should have failed", config)
	}
	_, err = ai.New("nonexistent", 4, parameters.Params{})
	assert.Error(t, err)
}

package mlp

import (
	"bytes"
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// checkpointMagic identifies mlp checkpoints.
const checkpointMagic = "tetrisGo/mlp"

const checkpointVersion = 1

// layerCheckpoint holds the row-major weights of one layer and its optimizer state.
type layerCheckpoint struct {
	W, B   []float64
	MW, VW []float64
	MB, VB []float64
}

// checkpoint is the serialized form of a Network: it includes all that is needed to recreate it,
// including the optimizer state, so training can resume exactly.
type checkpoint struct {
	Magic   string
	Version int

	Sizes      []int
	Activation Activation
	Layers     []layerCheckpoint

	LearningRate, Beta1, Beta2, Epsilon, GradientL2Clip float64
	Step                                                int
}

func cloneData(m *mat.Dense) []float64 {
	return append([]float64(nil), m.RawMatrix().Data...)
}

// Save implements ai.ValueLearner. It writes a gob encoded checkpoint to a temporary file, and renames
// it to path, so a concurrent reader never observes a partially written file.
func (n *Network) Save(path string) error {
	n.mu.Lock()
	cp := checkpoint{
		Magic:          checkpointMagic,
		Version:        checkpointVersion,
		Sizes:          append([]int(nil), n.Sizes...),
		Activation:     n.Activation,
		LearningRate:   n.LearningRate,
		Beta1:          n.Beta1,
		Beta2:          n.Beta2,
		Epsilon:        n.Epsilon,
		GradientL2Clip: n.GradientL2Clip,
		Step:           n.step,
	}
	for _, l := range n.layers {
		cp.Layers = append(cp.Layers, layerCheckpoint{
			W:  cloneData(l.W),
			B:  append([]float64(nil), l.B...),
			MW: cloneData(l.mW),
			VW: cloneData(l.vW),
			MB: append([]float64(nil), l.mB...),
			VB: append([]float64(nil), l.vB...),
		})
	}
	n.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&cp); err != nil {
		return errors.Wrapf(err, "failed to encode model %s", n)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename %s to %s", tmpPath, path)
	}
	return nil
}

// Load a Network saved with Network.Save.
func Load(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	var cp checkpoint
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cp); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	if cp.Magic != checkpointMagic {
		return nil, errors.Errorf("%s is not a %s checkpoint", path, Kind)
	}
	if cp.Version > checkpointVersion {
		return nil, errors.Errorf("%s has checkpoint version %d, only up to %d is supported", path, cp.Version, checkpointVersion)
	}
	if len(cp.Sizes) < 2 || len(cp.Layers) != len(cp.Sizes)-1 || cp.Sizes[len(cp.Sizes)-1] != 1 {
		return nil, errors.Errorf("%s has invalid layer sizes %v for %d layers", path, cp.Sizes, len(cp.Layers))
	}
	n := &Network{
		Sizes:          cp.Sizes,
		Activation:     cp.Activation,
		LearningRate:   cp.LearningRate,
		Beta1:          cp.Beta1,
		Beta2:          cp.Beta2,
		Epsilon:        cp.Epsilon,
		GradientL2Clip: cp.GradientL2Clip,
		step:           cp.Step,
	}
	for ii, lc := range cp.Layers {
		in, out := cp.Sizes[ii], cp.Sizes[ii+1]
		if len(lc.W) != in*out || len(lc.B) != out || len(lc.MW) != in*out || len(lc.VW) != in*out ||
			len(lc.MB) != out || len(lc.VB) != out {
			return nil, errors.Errorf("%s: layer #%d doesn't match shape [%d, %d]", path, ii, in, out)
		}
		n.layers = append(n.layers, &layer{
			W:  mat.NewDense(in, out, lc.W),
			B:  lc.B,
			mW: mat.NewDense(in, out, lc.MW),
			vW: mat.NewDense(in, out, lc.VW),
			mB: lc.MB,
			vB: lc.VB,
		})
	}
	return n, nil
}

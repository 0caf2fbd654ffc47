// Package mlp implements a pure Go feed-forward neural network (multi-layer perceptron) value model,
// that can be used to play as well as training: it defines its own gradient (backpropagation) and
// it is trained with the Adam optimizer.
//
// It is registered as the model kind "mlp".
package mlp

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/janpfeifer/tetrisGo/internal/ai"
	"github.com/janpfeifer/tetrisGo/internal/parameters"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Kind is the name the model is registered with.
const Kind = "mlp"

// Activation function of the hidden layers. The output layer is always linear.
type Activation string

const (
	Relu Activation = "relu"
	Tanh Activation = "tanh"
)

// Default hyperparameters.
var (
	DefaultHidden       = []int{32, 32, 32}
	DefaultLearningRate = 0.001
)

// layer is a fully connected layer: y = x*W + B.
type layer struct {
	W *mat.Dense // Shape [inputDim, outputDim].
	B []float64

	// Adam first and second moments.
	mW, vW *mat.Dense
	mB, vB []float64
}

func newLayer(in, out int, rng *rand.Rand) *layer {
	// Glorot (Xavier) uniform initialization.
	limit := math.Sqrt(6.0 / float64(in+out))
	data := make([]float64, in*out)
	for ii := range data {
		data[ii] = (2*rng.Float64() - 1) * limit
	}
	return &layer{
		W:  mat.NewDense(in, out, data),
		B:  make([]float64, out),
		mW: mat.NewDense(in, out, nil),
		vW: mat.NewDense(in, out, nil),
		mB: make([]float64, out),
		vB: make([]float64, out),
	}
}

// Network is a feed-forward network with one scalar (linear) output.
// It implements ai.ValueLearner.
type Network struct {
	// Sizes of the layers, including input and output (always 1).
	Sizes      []int
	Activation Activation
	layers     []*layer

	// LearningRate and Adam parameters.
	LearningRate, Beta1, Beta2, Epsilon float64

	// GradientL2Clip clips the global gradient to this l2 length before applying, if > 0.
	GradientL2Clip float64

	// step is the number of updates applied so far.
	step int

	// Serialize learning and scoring.
	mu sync.Mutex
}

var _ ai.ValueLearner = (*Network)(nil)

// New creates a new network with Glorot initialized weights.
func New(featureDim int, hidden []int, activation Activation, seed uint64) *Network {
	sizes := make([]int, 0, len(hidden)+2)
	sizes = append(sizes, featureDim)
	sizes = append(sizes, hidden...)
	sizes = append(sizes, 1)
	rng := rand.New(rand.NewPCG(seed, 0))
	n := &Network{
		Sizes:        sizes,
		Activation:   activation,
		LearningRate: DefaultLearningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
	for ii := 0; ii < len(sizes)-1; ii++ {
		n.layers = append(n.layers, newLayer(sizes[ii], sizes[ii+1], rng))
	}
	return n
}

// String implements ai.ValueScorer.
func (n *Network) String() string {
	return fmt.Sprintf("%s[%s %s]", Kind, parameters.FormatInts(n.Sizes), n.Activation)
}

// Kind implements ai.ValueLearner.
func (n *Network) Kind() string { return Kind }

// FeatureDim implements ai.ValueLearner.
func (n *Network) FeatureDim() int { return n.Sizes[0] }

// Steps returns the number of training steps applied.
func (n *Network) Steps() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.step
}

// toDense converts a batch of feature vectors to a matrix of shape [batchSize, featureDim].
func (n *Network) toDense(features [][]float32) *mat.Dense {
	dim := n.Sizes[0]
	data := make([]float64, 0, len(features)*dim)
	for ii, f := range features {
		if len(f) != dim {
			panic(errors.Errorf("mlp: features #%d have dimension %d, but model expects %d", ii, len(f), dim))
		}
		for _, v := range f {
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(len(features), dim, data)
}

func (n *Network) activate(v float64) float64 {
	if n.Activation == Tanh {
		return math.Tanh(v)
	}
	return max(v, 0)
}

// activationGrad returns the derivative of the activation, given its output y.
func (n *Network) activationGrad(y float64) float64 {
	if n.Activation == Tanh {
		return 1 - y*y
	}
	if y > 0 {
		return 1
	}
	return 0
}

// forward returns the outputs of every layer, starting with the input x itself.
// The last element has shape [batchSize, 1].
func (n *Network) forward(x *mat.Dense) []*mat.Dense {
	outputs := make([]*mat.Dense, 0, len(n.layers)+1)
	outputs = append(outputs, x)
	a := x
	for ii, l := range n.layers {
		var z mat.Dense
		z.Mul(a, l.W)
		last := ii == len(n.layers)-1
		z.Apply(func(_, col int, v float64) float64 {
			v += l.B[col]
			if last {
				return v
			}
			return n.activate(v)
		}, &z)
		a = &z
		outputs = append(outputs, a)
	}
	return outputs
}

// BatchScore implements ai.ValueScorer.
func (n *Network) BatchScore(features [][]float32) []float32 {
	if len(features) == 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	outputs := n.forward(n.toDense(features))
	return denseColumn(outputs[len(outputs)-1])
}

func denseColumn(m *mat.Dense) []float32 {
	rows, _ := m.Dims()
	values := make([]float32, rows)
	for ii := range values {
		values[ii] = float32(m.At(ii, 0))
	}
	return values
}

// Loss implements ai.ValueLearner: mean squared error.
func (n *Network) Loss(features [][]float32, labels []float32) float32 {
	if len(features) == 0 {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	outputs := n.forward(n.toDense(features))
	return mse(outputs[len(outputs)-1], labels)
}

func mse(predictions *mat.Dense, labels []float32) float32 {
	var sum float64
	for ii, label := range labels {
		diff := predictions.At(ii, 0) - float64(label)
		sum += diff * diff
	}
	return float32(sum / float64(len(labels)))
}

// gradients of the MSE loss with respect to the weights and biases of every layer:
//
//	Loss = sum_i (pred_i - label_i)^2 / N
//	dLoss/dPred_i = 2 * (pred_i - label_i) / N
//
// and then backpropagated layer by layer: for z = a*W + B, dW = a^T * dz, dB = sum_rows(dz),
// da = dz * W^T, and dz of the previous layer is da times the activation derivative.
func (n *Network) gradients(outputs []*mat.Dense, labels []float32) (gradW []*mat.Dense, gradB [][]float64) {
	numLayers := len(n.layers)
	gradW = make([]*mat.Dense, numLayers)
	gradB = make([][]float64, numLayers)

	batchSize := len(labels)
	pred := outputs[numLayers]
	dz := mat.NewDense(batchSize, 1, nil)
	for ii, label := range labels {
		dz.Set(ii, 0, 2*(pred.At(ii, 0)-float64(label))/float64(batchSize))
	}

	for li := numLayers - 1; li >= 0; li-- {
		l := n.layers[li]
		a := outputs[li]

		var gw mat.Dense
		gw.Mul(a.T(), dz)
		gradW[li] = &gw

		_, outDim := dz.Dims()
		gb := make([]float64, outDim)
		for row := range batchSize {
			for col := range outDim {
				gb[col] += dz.At(row, col)
			}
		}
		gradB[li] = gb

		if li == 0 {
			break
		}
		var da mat.Dense
		da.Mul(dz, l.W.T())
		da.Apply(func(row, col int, v float64) float64 {
			return v * n.activationGrad(a.At(row, col))
		}, &da)
		dz = &da
	}
	return
}

// clipL2 scales the gradients so that their global l2 length is at most maxLen.
func clipL2(gradW []*mat.Dense, gradB [][]float64, maxLen float64) {
	var total float64
	for ii := range gradW {
		norm := floats.Norm(gradW[ii].RawMatrix().Data, 2)
		total += norm * norm
		norm = floats.Norm(gradB[ii], 2)
		total += norm * norm
	}
	l2 := math.Sqrt(total)
	if l2 <= maxLen {
		return
	}
	ratio := maxLen / l2
	for ii := range gradW {
		floats.Scale(ratio, gradW[ii].RawMatrix().Data)
		floats.Scale(ratio, gradB[ii])
	}
}

// adamUpdate applies one Adam step to param, given its gradient and moments m and v.
func (n *Network) adamUpdate(param, grad, m, v []float64) {
	t := float64(n.step)
	correction1 := 1 - math.Pow(n.Beta1, t)
	correction2 := 1 - math.Pow(n.Beta2, t)
	for ii, g := range grad {
		m[ii] = n.Beta1*m[ii] + (1-n.Beta1)*g
		v[ii] = n.Beta2*v[ii] + (1-n.Beta2)*g*g
		mHat := m[ii] / correction1
		vHat := v[ii] / correction2
		param[ii] -= n.LearningRate * mHat / (math.Sqrt(vHat) + n.Epsilon)
	}
}

// Learn implements ai.ValueLearner: one Adam step on the batch. It returns the loss before the update.
func (n *Network) Learn(features [][]float32, labels []float32) (loss float32) {
	if len(features) == 0 {
		return 0
	}
	if len(features) != len(labels) {
		panic(errors.Errorf("mlp: %d examples but %d labels", len(features), len(labels)))
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	outputs := n.forward(n.toDense(features))
	loss = mse(outputs[len(outputs)-1], labels)
	gradW, gradB := n.gradients(outputs, labels)
	if n.GradientL2Clip > 0 {
		clipL2(gradW, gradB, n.GradientL2Clip)
	}
	n.step++
	for ii, l := range n.layers {
		n.adamUpdate(l.W.RawMatrix().Data, gradW[ii].RawMatrix().Data, l.mW.RawMatrix().Data, l.vW.RawMatrix().Data)
		n.adamUpdate(l.B, gradB[ii], l.mB, l.vB)
	}
	return loss
}

// model implements ai.Model for the registry.
type model struct{}

func init() {
	ai.RegisterModel(Kind, model{})
}

// New implements ai.Model. Parameters:
//
//   - hidden: sizes of the hidden layers separated by "-", default "32-32-32".
//   - activation: "relu" (default) or "tanh".
//   - learning_rate: default 0.001.
//   - clip: global gradient l2 clipping, default 0 (disabled).
//   - seed: random seed for the weights initialization.
func (model) New(featureDim int, params parameters.Params) (ai.ValueLearner, error) {
	hidden, err := parameters.PopIntsOr(params, "hidden", DefaultHidden)
	if err != nil {
		return nil, err
	}
	activation, err := parameters.PopParamOr(params, "activation", string(Relu))
	if err != nil {
		return nil, err
	}
	activation = strings.ToLower(activation)
	if activation != string(Relu) && activation != string(Tanh) {
		return nil, errors.Errorf("mlp: unknown activation %q, valid values are %q and %q", activation, Relu, Tanh)
	}
	learningRate, err := parameters.PopParamOr(params, "learning_rate", DefaultLearningRate)
	if err != nil {
		return nil, err
	}
	if learningRate <= 0 {
		return nil, errors.Errorf("mlp: learning_rate=%g must be > 0", learningRate)
	}
	clip, err := parameters.PopParamOr(params, "clip", 0.0)
	if err != nil {
		return nil, err
	}
	seed, err := parameters.PopParamOr(params, "seed", 0)
	if err != nil {
		return nil, err
	}
	n := New(featureDim, hidden, Activation(activation), uint64(seed))
	n.LearningRate = learningRate
	n.GradientL2Clip = clip
	return n, nil
}

// Load implements ai.Model.
func (model) Load(path string) (ai.ValueLearner, error) {
	n, err := Load(path)
	if err != nil {
		return nil, err
	}
	return n, nil
}

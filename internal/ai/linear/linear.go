// Package linear implements a pure Go linear value model (one weight per feature + bias), trained with
// plain SGD on the mean squared error. It defines its own gradient.
//
// It is registered as the model kind "linear". It is a weak approximator, but fast and easy to inspect:
// checkpoints are text files with one weight per line.
package linear

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/tetrisGo/internal/ai"
	"github.com/janpfeifer/tetrisGo/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kind is the name the model is registered with, and the extension of its checkpoints.
const Kind = "linear"

// Default hyperparameters.
const (
	DefaultLearningRate   = 1e-3
	DefaultL2Reg          = 1e-4
	DefaultGradientL2Clip = 10.0
	DefaultNumSteps       = 1
)

// Scorer is a linear model on the feature vector. It implements ai.ValueLearner.
type Scorer struct {
	// weights holds one weight per feature, and the bias as the last element.
	weights []float32

	// LearningRate to use when training the linear model and L2Reg to use.
	LearningRate, L2Reg float32

	// GradientL2Clip clips the gradient to this l2 length before applying. Disabled if 0.
	GradientL2Clip float32

	// NumSteps of gradient descent when Learn is called.
	NumSteps int

	// mu protects weights.
	mu sync.Mutex
}

var _ ai.ValueLearner = (*Scorer)(nil)

// NewWithWeights creates a new Scorer with the given weights, the last one being the bias.
// Ownership of the weights is transferred.
func NewWithWeights(weights ...float32) *Scorer {
	return &Scorer{
		weights:        weights,
		LearningRate:   DefaultLearningRate,
		L2Reg:          DefaultL2Reg,
		GradientL2Clip: DefaultGradientL2Clip,
		NumSteps:       DefaultNumSteps,
	}
}

// New creates a zero-initialized Scorer for featureDim features.
func New(featureDim int) *Scorer {
	return NewWithWeights(make([]float32, featureDim+1)...)
}

// String implements ai.ValueScorer.
func (s *Scorer) String() string {
	return fmt.Sprintf("linear[%d features, lr=%g]", s.FeatureDim(), s.LearningRate)
}

// Kind implements ai.ValueLearner.
func (s *Scorer) Kind() string { return Kind }

// FeatureDim implements ai.ValueLearner.
func (s *Scorer) FeatureDim() int { return len(s.weights) - 1 }

// Weights returns a copy of the weights, the bias last.
func (s *Scorer) Weights() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float32(nil), s.weights...)
}

// score assumes s.mu is locked.
func (s *Scorer) score(features []float32) float32 {
	if len(s.weights)-1 != len(features) {
		panic(errors.Errorf("linear: features dimension is %d, but weights dimension is %d (+1 bias)",
			len(features), len(s.weights)-1))
	}
	sum := s.weights[len(s.weights)-1]
	for ii, feature := range features {
		sum += feature * s.weights[ii]
	}
	return sum
}

// BatchScore implements ai.ValueScorer.
func (s *Scorer) BatchScore(features [][]float32) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	scores := make([]float32, len(features))
	for ii, x := range features {
		scores[ii] = s.score(x)
	}
	return scores
}

// l2RegularizationLoss is the regularization term for the loss.
func (s *Scorer) l2RegularizationLoss() float32 {
	if s.L2Reg == 0 {
		return 0
	}
	var sum float32
	for _, param := range s.weights {
		sum += param * param
	}
	return sum * s.L2Reg
}

// Learn implements ai.ValueLearner: NumSteps of gradient descent on the batch. It returns the loss
// after the update.
func (s *Scorer) Learn(features [][]float32, labels []float32) (loss float32) {
	if len(features) == 0 {
		return 0
	}
	if len(features) != len(labels) {
		panic(errors.Errorf("linear: %d examples but %d labels", len(features), len(labels)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	grad := make([]float32, len(s.weights))
	for range max(s.NumSteps, 1) {
		s.calculateGradient(features, labels, grad)
		if s.GradientL2Clip > 0 {
			clipL2(grad, s.GradientL2Clip)
		}
		for ii := range grad {
			s.weights[ii] -= s.LearningRate * grad[ii]
		}
	}
	return s.lockedLoss(features, labels)
}

// calculateGradient of the MSE (MeanSquaredError) loss:
//
//	  x, x_i: input (features) and x term i
//	  w, w_i: weights, and weight term i
//	  b: bias term of the model
//	  score: w*x+b
//	Loss = (label - score)^2/N + L2Reg*|w|^2
//	  dLoss/dw_i = 2*(score-label)*x_i/N + 2*L2Reg*w_i
//	  dLoss/db = 2*(score-label)/N + 2*L2Reg*b
func (s *Scorer) calculateGradient(inputs [][]float32, labels []float32, gradient []float32) {
	clear(gradient)
	N := float32(len(inputs))
	for exampleIdx, x := range inputs {
		c := 2 * (s.score(x) - labels[exampleIdx])
		for i, x_i := range x {
			gradient[i] += c * x_i
		}
		// Gradient of the bias term (the last).
		gradient[len(gradient)-1] += c
	}
	for ii := range gradient {
		gradient[ii] /= N
	}
	if s.L2Reg > 0 {
		for ii := range s.weights {
			gradient[ii] += 2 * s.weights[ii] * s.L2Reg
		}
	}
}

// Loss implements ai.ValueLearner.
func (s *Scorer) Loss(features [][]float32, labels []float32) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedLoss(features, labels)
}

func (s *Scorer) lockedLoss(features [][]float32, labels []float32) (loss float32) {
	if len(features) == 0 {
		return 0
	}
	for ii, x := range features {
		diff := labels[ii] - s.score(x)
		loss += diff * diff
	}
	loss /= float32(len(labels))
	loss += s.l2RegularizationLoss()
	return
}

func l2Len(vec []float32) float32 {
	var total float32
	for _, value := range vec {
		total += value * value
	}
	return math32.Sqrt(total)
}

// clipL2 clips the L2 length of the vector.
func clipL2(vec []float32, maxLen float32) {
	l2 := l2Len(vec)
	if l2 > maxLen {
		ratio := maxLen / l2
		klog.V(2).Infof("linear: clip gradient l2=%g to %g", l2, maxLen)
		for ii := range vec {
			vec[ii] *= ratio
		}
	}
}

// Save implements ai.ValueLearner. The checkpoint is a text file: the hyperparameters as "# key=value"
// comment lines, followed by one weight per line, the bias last.
func (s *Scorer) Save(path string) error {
	s.mu.Lock()
	lines := []string{
		fmt.Sprintf("# learning_rate=%g", s.LearningRate),
		fmt.Sprintf("# l2_reg=%g", s.L2Reg),
		fmt.Sprintf("# clip=%g", s.GradientL2Clip),
		fmt.Sprintf("# steps=%d", s.NumSteps),
	}
	for _, value := range s.weights {
		lines = append(lines, strconv.FormatFloat(float64(value), 'g', -1, 32))
	}
	s.mu.Unlock()

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return errors.Wrapf(err, "failed to save %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename %s to %s", tmpPath, path)
	}
	return nil
}

// Load a Scorer saved with Scorer.Save.
func Load(path string) (*Scorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	params := parameters.Params{}
	var weights []float32
	for lineNum, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if comment, found := strings.CutPrefix(line, "#"); found {
			if key, value, ok := strings.Cut(strings.TrimSpace(comment), "="); ok {
				params[key] = value
			}
			continue
		}
		f64, err := strconv.ParseFloat(line, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse weight in %s, at line #%d", path, lineNum+1)
		}
		weights = append(weights, float32(f64))
	}
	if len(weights) < 2 {
		return nil, errors.Errorf("linear checkpoint %s has %d weights, it needs at least one feature and the bias",
			path, len(weights))
	}
	s := NewWithWeights(weights...)
	if err = s.setHyperParameters(params); err != nil {
		return nil, errors.WithMessagef(err, "invalid hyperparameters in %s", path)
	}
	return s, nil
}

// setHyperParameters pops from params the hyperparameters.
func (s *Scorer) setHyperParameters(params parameters.Params) error {
	var err error
	if s.LearningRate, err = parameters.PopParamOr(params, "learning_rate", s.LearningRate); err != nil {
		return err
	}
	if s.LearningRate <= 0 {
		return errors.Errorf("linear: learning_rate=%g must be > 0", s.LearningRate)
	}
	if s.L2Reg, err = parameters.PopParamOr(params, "l2_reg", s.L2Reg); err != nil {
		return err
	}
	if s.GradientL2Clip, err = parameters.PopParamOr(params, "clip", s.GradientL2Clip); err != nil {
		return err
	}
	if s.NumSteps, err = parameters.PopParamOr(params, "steps", s.NumSteps); err != nil {
		return err
	}
	if s.NumSteps <= 0 {
		return errors.Errorf("linear: steps=%d must be > 0", s.NumSteps)
	}
	return nil
}

// model implements ai.Model for the registry.
type model struct{}

func init() {
	ai.RegisterModel(Kind, model{})
}

// New implements ai.Model. Parameters:
//
//   - learning_rate: default 0.001.
//   - l2_reg: L2 regularization, default 1e-4.
//   - clip: gradient l2 clipping, default 10 (0 disables it).
//   - steps: gradient descent steps per batch, default 1.
func (model) New(featureDim int, params parameters.Params) (ai.ValueLearner, error) {
	s := New(featureDim)
	if err := s.setHyperParameters(params); err != nil {
		return nil, err
	}
	return s, nil
}

// Load implements ai.Model.
func (model) Load(path string) (ai.ValueLearner, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

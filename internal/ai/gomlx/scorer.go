package gomlx

import (
	"fmt"
	"os"
	"sync"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/tetrisGo/internal/ai"
	"github.com/janpfeifer/tetrisGo/internal/generics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scorer wraps a GoMLX FNN model and its executors.
//
// It implements ai.ValueScorer and ai.ValueLearner.
type Scorer struct {
	ctx        *context.Context
	featureDim int

	// Executors.
	scoreExec, lossExec, trainStepExec *context.Exec

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// muLearning "write" for learning, and "read" for scoring.
	muLearning sync.RWMutex

	// loadedFrom is the checkpoint directory the model was loaded from, if any.
	loadedFrom string
}

var _ ai.ValueLearner = (*Scorer)(nil)

// newScorer creates the executors for the model in ctx.
func newScorer(ctx *context.Context, loadedFrom string) (*Scorer, error) {
	s := &Scorer{
		ctx:        ctx,
		featureDim: context.GetParamOr(ctx, ParamFeatureDim, 0),
		loadedFrom: loadedFrom,
	}
	if s.featureDim <= 0 {
		return nil, errors.Errorf("invalid %q=%d for model %s", ParamFeatureDim, s.featureDim, Kind)
	}
	s.optimizer = optimizers.FromContext(ctx)

	muNewExec.Lock()
	defer muNewExec.Unlock()
	s.scoreExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			// Remove last axis with dimension 1.
			return graph.Squeeze(forwardGraph(ctx, inputs), -1)
		})
	s.lossExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			inputs := inputsAndLabels[:len(inputsAndLabels)-1]
			labels := inputsAndLabels[len(inputsAndLabels)-1]
			return lossGraph(ctx, inputs, labels)
		})
	s.trainStepExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			inputs := inputsAndLabels[:len(inputsAndLabels)-1]
			labels := inputsAndLabels[len(inputsAndLabels)-1]
			g := labels.Graph()
			ctx.SetTraining(g, true)
			loss := lossGraph(ctx, inputs, labels)
			s.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})

	// Force creating/loading of variables without race conditions first.
	_ = s.BatchScore([][]float32{make([]float32, s.featureDim)})
	return s, nil
}

// String implements fmt.Stringer and ai.ValueScorer.
func (s *Scorer) String() string {
	if s == nil {
		return "<nil>[GoMLX]"
	}
	desc := fmt.Sprintf("%s[GoMLX %dx%d %s]", Kind,
		context.GetParamOr(s.ctx, fnnLayer.ParamNumHiddenLayers, 0),
		context.GetParamOr(s.ctx, fnnLayer.ParamNumHiddenNodes, 0),
		context.GetParamOr(s.ctx, activations.ParamActivation, ""))
	if s.loadedFrom != "" {
		desc += "@" + s.loadedFrom
	}
	return desc
}

// Kind implements ai.ValueLearner.
func (s *Scorer) Kind() string { return Kind }

// FeatureDim implements ai.ValueLearner.
func (s *Scorer) FeatureDim() int { return s.featureDim }

// BatchScore implements ai.ValueScorer.
func (s *Scorer) BatchScore(features [][]float32) []float32 {
	if len(features) == 0 {
		return nil
	}
	inputs := createInputs(s.ctx, features)

	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	donatedInputs := generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})
	scoresT := s.scoreExec.Call(donatedInputs...)[0]
	scores := scoresT.Value().([]float32)
	// Remove any padding:
	return scores[:len(features)]
}

// Learn implements ai.ValueLearner: one optimizer step. It returns the loss.
func (s *Scorer) Learn(features [][]float32, labels []float32) (loss float32) {
	if len(features) == 0 {
		return 0
	}
	s.muLearning.Lock()
	defer s.muLearning.Unlock()
	lossT := s.trainStepExec.Call(s.createInputsAndLabels(features, labels)...)[0]
	return tensors.ToScalar[float32](lossT)
}

// Loss implements ai.ValueLearner.
func (s *Scorer) Loss(features [][]float32, labels []float32) (loss float32) {
	if len(features) == 0 {
		return 0
	}
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	lossT := s.lossExec.Call(s.createInputsAndLabels(features, labels)...)[0]
	return tensors.ToScalar[float32](lossT)
}

func (s *Scorer) createInputsAndLabels(features [][]float32, labels []float32) []any {
	inputs := createInputs(s.ctx, features)
	inputs = append(inputs, createLabels(s.ctx, labels))
	return generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})
}

// Save implements ai.ValueLearner. The checkpoint is a directory with the GoMLX checkpoint of the
// variables and hyperparameters. It is written to a temporary directory and then renamed to path; a
// previous checkpoint at path is kept as path+"~" until the rename succeeds.
func (s *Scorer) Save(path string) error {
	s.muLearning.Lock()
	defer s.muLearning.Unlock()

	tmpPath := path + ".tmp"
	if err := os.RemoveAll(tmpPath); err != nil {
		return errors.Wrapf(err, "failed to remove stale %s", tmpPath)
	}
	handler, err := checkpoints.Build(s.ctx).Dir(tmpPath).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %s", tmpPath)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint in %s", tmpPath)
	}

	backupPath := path + ai.BackupSuffix
	if _, err = os.Stat(path); err == nil {
		_ = os.RemoveAll(backupPath)
		if err = os.Rename(path, backupPath); err != nil {
			return errors.Wrapf(err, "failed to rename %s to %s", path, backupPath)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to stat %s", path)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to rename %s to %s", tmpPath, path)
	}
	if err = os.RemoveAll(backupPath); err != nil {
		klog.Warningf("Failed to remove backup checkpoint %s: %+v", backupPath, err)
	}
	return nil
}

// Load a model saved with Scorer.Save. The hyperparameters are restored from the checkpoint.
func Load(path string) (*Scorer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a %s checkpoint directory", path, Kind)
	}
	ctx := NewContext(0)
	_, err = checkpoints.Build(ctx).Dir(path).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint from %s", path)
	}
	return newScorer(ctx, path)
}

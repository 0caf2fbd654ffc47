package gomlx

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// ParamFeatureDim is the context hyperparameter holding the input dimension. It is saved with
// the checkpoint, so the model can be loaded without any external information.
const ParamFeatureDim = "feature_dim"

// NewContext creates a context with hyperparameters set to their defaults: 3 hidden layers of 32 units
// with relu activations, and a linear output.
func NewContext(featureDim int) *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamFeatureDim: featureDim,
		"batch_size":    128,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		optimizers.ParamAdamEpsilon:  1e-7,
		optimizers.ParamAdamDType:    "",
		activations.ParamActivation:  "relu",
		layers.ParamDropoutRate:      0.0,
		regularizers.ParamL2:         0.0,
		regularizers.ParamL1:         0.0,

		// FNN network parameters:
		fnnLayer.ParamNumHiddenLayers: 3,
		fnnLayer.ParamNumHiddenNodes:  32,
		fnnLayer.ParamResidual:        false,
		fnnLayer.ParamNormalization:   "none",
	})
	return ctx.Checked(false)
}

// paddedBatchSize returns a padded batchSize for the given number of examples.
// This is important so we don't have too many different versions of the program for every different batch size.
func paddedBatchSize(ctx *context.Context, numExamples int) int {
	// Make sure the default batchSize is supported without padding.
	defaultBatchSize := context.GetParamOr(ctx, "batch_size", 128)
	if numExamples == defaultBatchSize {
		return numExamples
	}
	paddedSize := 1
	for paddedSize < numExamples {
		// Increase 1.5x at a time.
		paddedSize = paddedSize + (paddedSize+1)/2
	}
	return paddedSize
}

// createInputs returns the padded features tensor and the number of used examples.
func createInputs(ctx *context.Context, features [][]float32) []*tensors.Tensor {
	dim := context.GetParamOr(ctx, ParamFeatureDim, 0)
	padded := paddedBatchSize(ctx, len(features))
	featuresT := tensors.FromShape(shapes.Make(dtypes.Float32, padded, dim))
	tensors.MutableFlatData(featuresT, func(flat []float32) {
		for ii, f := range features {
			copy(flat[ii*dim:(ii+1)*dim], f)
		}
	})
	return []*tensors.Tensor{featuresT, tensors.FromScalar(int32(len(features)))}
}

// createLabels returns the labels tensor, padded to match the inputs.
func createLabels(ctx *context.Context, labels []float32) *tensors.Tensor {
	padded := paddedBatchSize(ctx, len(labels))
	labelsT := tensors.FromShape(shapes.Make(dtypes.Float32, padded, 1))
	tensors.MutableFlatData(labelsT, func(flat []float32) {
		copy(flat, labels)
	})
	return labelsT
}

// batchMask based on padding on the inputs.
func batchMask(inputs []*Node) *Node {
	x := inputs[0]
	usedBatchSize := inputs[1]
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	return LessThan(Iota(g, shapes.Make(dtypes.Int32, batchSize, 1), 0), usedBatchSize)
}

// forwardGraph returns the value estimates, shaped [batchSize, 1]. The output is linear (unbounded).
func forwardGraph(ctx *context.Context, inputs []*Node) *Node {
	x := inputs[0]
	batchSize := x.Shape().Dim(0)
	values := fnnLayer.New(ctx.In("fnn"), x, 1).Done()
	values.AssertDims(batchSize, 1)
	return values
}

// lossGraph returns the mean squared error over the non-padded examples.
func lossGraph(ctx *context.Context, inputs []*Node, labels *Node) *Node {
	predictions := forwardGraph(ctx, inputs)
	return losses.MeanSquaredError([]*Node{labels, batchMask(inputs)}, []*Node{predictions})
}

// Package gomlx implements a value model (ai.ValueLearner) using GoMLX, a feed-forward neural network (FNN)
// on the board features, trained with Adam.
//
// It is registered as the model kind "fnn". A GoMLX backend must be linked in by the program, e.g.:
//
//	import _ "github.com/gomlx/gomlx/backends/xla"
package gomlx

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/tetrisGo/internal/ai"
	"github.com/janpfeifer/tetrisGo/internal/parameters"
	"github.com/pkg/errors"
)

// Kind is the name the model is registered with, and the extension of its checkpoints (directories).
const Kind = "fnn"

var (
	// Backend is a singleton, the same for all models.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewExec is a Mutex used to synchronize creation of executors (and hence variables) in the backend.
	muNewExec sync.Mutex
)

// model implements ai.Model.
type model struct{}

// init registers the model kind, so end users can select it.
func init() {
	ai.RegisterModel(Kind, model{})
}

// New implements ai.Model. Any of the context hyperparameters (see NewContext) can be set with params.
func (model) New(featureDim int, params parameters.Params) (ai.ValueLearner, error) {
	ctx := NewContext(featureDim)
	if err := extractParams(Kind, params, ctx); err != nil {
		return nil, err
	}
	return newScorer(ctx, "")
}

// Load implements ai.Model.
func (model) Load(path string) (ai.ValueLearner, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// extractParams and write them as context hyperparameters.
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope || key == ParamFeatureDim {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", modelName, key, defaultValue)
		}
	})
	return err
}

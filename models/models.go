// Package models builds the classifier whose out-of-distribution behavior is
// evaluated, and restores its trained weights from a checkpoint.
//
// The model is a flattening FNN backbone followed by a dense prediction layer
// living in the context scope "pred" and a softmax activation. ModelFn serves
// class probabilities -- the shape the model was trained and checkpointed
// in -- while LogitsModelFn rebuilds the exact same graph minus the final
// activation, sharing the "pred" variables, so callers can temperature-scale
// the raw logits.
package models

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/JanDiers/ood-detection/datasets"
)

// PredScope is the context scope of the final prediction layer.
const PredScope = "pred"

// Config describes the classifier under evaluation and the two datasets it is
// evaluated against.
type Config struct {
	// Strategy selects the computation backend, in the
	// "<backend_name>:<backend_configuration>" format (e.g. "xla:cpu").
	// Empty uses the default configuration (GOMLX_BACKEND aware).
	Strategy string

	// InDistribution is the dataset the model was trained on.
	InDistribution datasets.Config

	// OutOfDistribution is the dataset the model has never seen.
	OutOfDistribution datasets.Config

	// CheckpointPath is the directory holding the trained weights.
	CheckpointPath string

	// NumClasses of the classifier output.
	NumClasses int
}

// NewBackend creates the computation backend selected by Strategy.
func (cfg *Config) NewBackend() backends.Backend {
	if cfg.Strategy == "" {
		return backends.MustNew()
	}
	return must.M1(backends.NewWithConfig(cfg.Strategy))
}

// NewContext returns a context with the default model hyperparameters.
// Parameters stored along the checkpoint override these on load.
func (cfg *Config) NewContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		activations.ParamActivation: "relu",
		fnn.ParamNumHiddenLayers:    2,
		fnn.ParamNumHiddenNodes:     64,
	})
	return ctx
}

// LoadCheckpoint restores the trained weights (and hyperparameters) into ctx.
// It fails if the checkpoint does not exist.
func (cfg *Config) LoadCheckpoint(ctx *context.Context) error {
	if cfg.CheckpointPath == "" {
		return errors.New("models: no checkpoint path configured")
	}
	_, err := checkpoints.Load(ctx).Dir(cfg.CheckpointPath).Done()
	if err != nil {
		return errors.WithMessagef(err, "restoring model weights from %q", cfg.CheckpointPath)
	}
	return nil
}

// ModelFn returns the model as trained: class probabilities out.
func (cfg *Config) ModelFn() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{graph.Softmax(cfg.logitsGraph(ctx, inputs[0]))}
	}
}

// LogitsModelFn returns the model with the final activation stripped: it
// outputs the pre-activation logits and shares all variables -- including the
// "pred" layer's -- with ModelFn.
func (cfg *Config) LogitsModelFn() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{cfg.logitsGraph(ctx, inputs[0])}
	}
}

func (cfg *Config) logitsGraph(ctx *context.Context, batch *graph.Node) *graph.Node {
	ctx = ctx.In("model")
	batchSize := batch.Shape().Dimensions[0]
	hidden := graph.Reshape(batch, batchSize, -1)
	numHiddenNodes := context.GetParamOr(ctx, fnn.ParamNumHiddenNodes, 64)
	hidden = fnn.New(ctx.In("backbone"), hidden, numHiddenNodes).Done()
	hidden = activations.ApplyFromContext(ctx, hidden)
	logits := layers.Dense(ctx.In(PredScope), hidden, true, cfg.NumClasses)
	logits.AssertDims(batchSize, cfg.NumClasses)
	return logits
}

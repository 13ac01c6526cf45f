// Package odin measures how well a trained classifier tells in-distribution
// inputs apart from out-of-distribution (OOD) ones, using the ODIN method:
// inputs are perturbed along the sign of the input-gradient of a
// temperature-scaled cross-entropy loss taken against the model's own top-1
// prediction, then re-scored with a temperature-scaled softmax. Well-fit
// inputs grow more confident under the perturbation than unseen ones.
//
// The method and its constants follow Liang et al., "Enhancing the
// Reliability of Out-of-distribution Image Detection in Neural Networks"
// (ICLR 2018).
package odin

import (
	"fmt"
	"io"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Config holds the evaluation policy constants. The defaults reproduce the
// reference ODIN recipe.
type Config struct {
	// Temperature divides the logits, both for the perturbation loss and the
	// final softmax. Must be positive.
	Temperature float64

	// Epsilon is the magnitude of the gradient-sign step subtracted from the
	// inputs. Must be non-negative; zero disables the perturbation.
	Epsilon float64

	// BatchSize both datasets are re-bound to before scoring, overriding
	// whatever batch size the descriptors carry.
	BatchSize int

	// Percentile (0 to 100) of the in-distribution max-probability used as
	// the OOD decision threshold.
	Percentile float64
}

// DefaultConfig returns the constants of the reference implementation:
// temperature 2, epsilon 0.3, batch size 16, 5th percentile.
func DefaultConfig() Config {
	return Config{Temperature: 2.0, Epsilon: 0.3, BatchSize: 16, Percentile: 5}
}

// Scorer runs the ODIN perturb-and-rescore step over batches of inputs.
//
// The whole per-batch recipe is fused into a single computation graph:
// pseudo-labels from the unperturbed logits, temperature-scaled cross-entropy,
// input gradient, FGSM-style step, re-scoring, stable softmax.
type Scorer struct {
	exec        *context.Exec
	temperature float64
	epsilon     float64
}

// NewScorer builds a scorer for modelFn, which must map an input batch to raw
// class scores (logits) and be differentiable with respect to its input.
// ctx must already hold the model variables (e.g. restored from a
// checkpoint).
func NewScorer(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, cfg Config) *Scorer {
	if cfg.Temperature <= 0 {
		exceptions.Panicf("odin: temperature must be positive, got %g", cfg.Temperature)
	}
	if cfg.Epsilon < 0 {
		exceptions.Panicf("odin: epsilon must be non-negative, got %g", cfg.Epsilon)
	}
	s := &Scorer{temperature: cfg.Temperature, epsilon: cfg.Epsilon}
	s.exec = context.MustNewExec(backend, ctx,
		func(ctx *context.Context, x *graph.Node) *graph.Node {
			return s.stepGraph(ctx, modelFn, x)
		})
	return s
}

func (s *Scorer) stepGraph(ctx *context.Context, modelFn train.ModelFn, x *graph.Node) *graph.Node {
	logits := modelFn(ctx, nil, []*graph.Node{x})[0]
	pseudoLabels := graph.ExpandAxes(graph.ArgMax(logits, -1, dtypes.Int32), -1)
	scaled := graph.DivScalar(logits, s.temperature)
	loss := losses.SparseCategoricalCrossEntropyLogits(
		[]*graph.Node{pseudoLabels}, []*graph.Node{scaled})

	// Each example's loss only depends on its own input row, so summing
	// preserves the per-example gradient direction.
	grad := graph.Gradient(graph.ReduceAllSum(loss), x)[0]
	perturbed := graph.Sub(x, graph.MulScalar(graph.Sign(grad), s.epsilon))
	perturbed = graph.StopGradient(perturbed)

	rescored := modelFn(ctx, nil, []*graph.Node{perturbed})[0]
	return graph.Softmax(graph.DivScalar(rescored, s.temperature))
}

// Score consumes ds and returns one probability row per example, rows in
// dataset iteration order. It displays a progress bar on stderr while
// scoring. The model variables are not modified.
func (s *Scorer) Score(ds train.Dataset) (Confidences, error) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(ds.Name()),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stderr),
	)
	var confidences Confidences
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "scoring dataset %q", ds.Name())
		}
		if len(inputs) == 0 {
			return nil, errors.Errorf("dataset %q yielded a batch without inputs", ds.Name())
		}
		var scored *tensors.Tensor
		err = exceptions.TryCatch[error](func() {
			scored = s.exec.MustExec(inputs[0])[0]
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "scoring dataset %q", ds.Name())
		}
		rows, err := confidenceRows(scored)
		if err != nil {
			return nil, err
		}
		confidences = append(confidences, rows...)
		_ = bar.Add(1)
		finalizeAll(inputs, labels, []*tensors.Tensor{scored})
	}
	_ = bar.Finish()
	_, _ = fmt.Fprintln(os.Stderr)
	return confidences, nil
}

// confidenceRows converts a [batchSize, numClasses] tensor into per-example
// probability rows.
func confidenceRows(t *tensors.Tensor) ([][]float64, error) {
	shape := t.Shape()
	if shape.Rank() != 2 {
		return nil, errors.Errorf("expected confidences shaped [batch_size, num_classes], got %s", shape)
	}
	numRows, numClasses := shape.Dimensions[0], shape.Dimensions[1]
	var flat []float64
	switch shape.DType {
	case dtypes.Float64:
		flat = tensors.MustCopyFlatData[float64](t)
	case dtypes.Float32:
		flat32 := tensors.MustCopyFlatData[float32](t)
		flat = make([]float64, len(flat32))
		for i, v := range flat32 {
			flat[i] = float64(v)
		}
	default:
		return nil, errors.Errorf("unsupported confidences dtype %s", shape.DType)
	}
	rows := make([][]float64, numRows)
	for i := range rows {
		rows[i] = flat[i*numClasses : (i+1)*numClasses]
	}
	return rows, nil
}

// finalizeAll frees the device buffers of tensors whose ownership was
// transferred to us by Dataset.Yield (plus our own intermediates).
func finalizeAll(groups ...[]*tensors.Tensor) {
	for _, group := range groups {
		for _, t := range group {
			if t != nil {
				_ = t.FinalizeAll()
			}
		}
	}
}

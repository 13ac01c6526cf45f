package models

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatch() *tensors.Tensor {
	return tensors.FromValue([][]float32{
		{0.1, -0.5, 1.2, 0.0, 0.7},
		{1.0, 0.3, -0.2, 0.8, -1.1},
		{-0.4, 0.9, 0.5, -0.6, 0.2},
		{0.0, 0.0, 0.0, 0.0, 0.0},
	})
}

func execModelFn(backend backends.Backend, ctx *context.Context, fn train.ModelFn) *context.Exec {
	return context.MustNewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		return fn(ctx, nil, []*graph.Node{x})[0]
	})
}

func TestLogitsModelFnSharesVariables(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := &Config{NumClasses: 3}
	ctx := cfg.NewContext()

	batch := testBatch()

	// First execution creates the variables.
	probsExec := execModelFn(backend, ctx, cfg.ModelFn())
	probs := tensors.MustCopyFlatData[float32](probsExec.MustExec(batch)[0])

	// The logit model must reuse them, not create a second layer stack.
	logitsExec := execModelFn(backend, ctx.Reuse(), cfg.LogitsModelFn())
	logits := logitsExec.MustExec(batch)[0]

	require.Equal(t, []int{4, 3}, logits.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](logits)

	for row := 0; row < 4; row++ {
		want := softmaxRow(flat[row*3 : (row+1)*3])
		for class := 0; class < 3; class++ {
			assert.InDeltaf(t, want[class], probs[row*3+class], 1e-5,
				"row %d class %d", row, class)
		}
	}
}

func softmaxRow(logits []float32) []float64 {
	maxV := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > maxV {
			maxV = float64(v)
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func TestCheckpointRoundtrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()

	cfg := &Config{NumClasses: 3, CheckpointPath: dir}
	ctx := cfg.NewContext()

	batch := testBatch()
	exec := execModelFn(backend, ctx, cfg.LogitsModelFn())
	want := tensors.MustCopyFlatData[float32](exec.MustExec(batch)[0])

	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())

	restored := cfg.NewContext()
	require.NoError(t, cfg.LoadCheckpoint(restored))
	restoredExec := execModelFn(backend, restored.Reuse(), cfg.LogitsModelFn())
	got := tensors.MustCopyFlatData[float32](restoredExec.MustExec(batch)[0])

	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6)
	}
}

func TestLoadCheckpointRequiresPath(t *testing.T) {
	cfg := &Config{NumClasses: 3}
	assert.Error(t, cfg.LoadCheckpoint(cfg.NewContext()))
}

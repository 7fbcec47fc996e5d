package model

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

func TestClassificationLossMasking(t *testing.T) {
	m, err := New(testBackend(t), testConfig())
	require.NoError(t, err)

	exec := context.MustNewExec(m.backend, m.ctx,
		func(ctx *context.Context, in []*Node) []*Node {
			// in: logits [numBags,2], target [numBags], mask [numBags].
			return []*Node{m.classificationLoss([]*Node{in[1], in[2]}, []*Node{in[0]})}
		})

	// Both bags confidently predict class 0.
	logits := tensors.FromFlatDataAndDimensions([]float32{8, -8, 8, -8}, 2, 2)
	run := func(target, mask []float32) float64 {
		out, err := CallExec(exec, []*tensors.Tensor{
			logits,
			tensors.FromFlatDataAndDimensions(target, 2),
			tensors.FromFlatDataAndDimensions(mask, 2),
		})
		require.NoError(t, err)
		return float64(tensors.CopyFlatData[float32](out[0])[0])
	}

	// No labeled bag in the minibatch: exactly zero, not NaN from a 0/0.
	require.Equal(t, 0.0, run([]float32{0, 0}, []float32{0, 0}))

	// A correct confident label costs ~0; a wrong one costs ~16 nats here.
	require.InDelta(t, 0.0, run([]float32{0, 0}, []float32{1, 1}), 1e-3)
	wrongOnly := run([]float32{1, 1}, []float32{0, 1})
	require.Greater(t, wrongOnly, 5.0)

	// The loss averages over labeled bags only: labeling the correct bag
	// too halves the average.
	both := run([]float32{0, 1}, []float32{1, 1})
	require.InDelta(t, wrongOnly/2, both, 1e-2)
}

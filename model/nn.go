package model

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Small graph-building helpers shared by the encoder/decoder banks and the
// aggregator. Everything here is a pure function of parameters and inputs;
// dropout reads the context RNG state explicitly.

// leakyRelu with a fixed 0.01 negative slope.
func leakyRelu(x *Node) *Node {
	return Max(x, MulScalar(x, 0.01))
}

// sigmoid via its definition; used by the gated attention head.
func sigmoid(x *Node) *Node {
	return Div(OnesLike(x), AddScalar(Exp(Neg(x)), 1))
}

// dropout zeroes activations with probability rate and rescales the
// survivors, but only while training. The mask is drawn from the context RNG
// state, so a seeded context yields reproducible dropout.
func dropout(ctx *context.Context, x *Node, rate float64, training bool) *Node {
	if !training || rate <= 0 {
		return x
	}
	g := x.Graph()
	u := ctx.RandomUniform(g, x.Shape())
	keep := ConvertDType(GreaterOrEqual(u, Const(g, float32(rate))), x.DType())
	return Mul(x, MulScalar(keep, 1.0/(1.0-rate)))
}

// mlpBlock is the shared hidden trunk: numLayers x (dense -> leaky relu ->
// dropout). Each layer gets its own variable scope so stacked blocks never
// collide.
func mlpBlock(ctx *context.Context, x *Node, numLayers, hiddenDim int, rate float64, training bool) *Node {
	for i := 0; i < numLayers; i++ {
		x = layers.Dense(ctx.In(fmt.Sprintf("dense_%d", i)), x, true, hiddenDim)
		x = leakyRelu(x)
		x = dropout(ctx, x, rate, training)
	}
	return x
}

// stableSoftmax over the last axis.
func stableSoftmax(x *Node) *Node {
	m := StopGradient(ReduceMax(x, -1))
	e := Exp(Sub(x, InsertAxes(m, -1)))
	return Div(e, InsertAxes(ReduceSum(e, -1), -1))
}

// logSoftmax over the last axis.
func logSoftmax(x *Node) *Node {
	m := StopGradient(ReduceMax(x, -1))
	shifted := Sub(x, InsertAxes(m, -1))
	logZ := Log(ReduceSum(Exp(shifted), -1))
	return Sub(shifted, InsertAxes(logZ, -1))
}

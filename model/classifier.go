package model

import (
	"github.com/gomlx/gopjrt/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Classification heads: every task maps the shared sample embedding through
// its own linear output layer. Losses are masked per sample so a missing
// label contributes exactly zero for its task; a task with no labeled sample
// in the minibatch therefore contributes a zero term rather than failing the
// step.

// taskHeads builds one output head per configured task on the pooled sample
// embeddings [numBags, condDim]. Categorical tasks emit logits
// [numBags, numClasses]; continuous tasks emit [numBags, 1].
func (m *Model) taskHeads(ctx *context.Context, pooled *Node) []*Node {
	outs := make([]*Node, len(m.Cfg.Tasks))
	for i, t := range m.Cfg.Tasks {
		tctx := ctx.In("classifier").In(t.Name)
		width := t.NumClasses
		if !t.IsCategorical() {
			width = 1
		}
		outs[i] = layers.Dense(tctx, pooled, true, width)
	}
	return outs
}

// classificationLoss computes the summed per-task classification loss.
// labels holds, per task, a target vector [numBags] float32 (class index or
// continuous value; arbitrary where missing) followed by a presence mask
// [numBags] float32. heads are the taskHeads outputs. The per-task loss is
// averaged over labeled bags only; with zero labeled bags the denominator is
// clamped to one and the masked numerator is already zero.
func (m *Model) classificationLoss(labels, heads []*Node) *Node {
	if len(heads) == 0 {
		return nil
	}
	var total *Node
	for i, t := range m.Cfg.Tasks {
		target, mask := labels[2*i], labels[2*i+1]
		g := target.Graph()
		numBags := target.Shape().Dimensions[0]

		var perBag *Node
		if t.IsCategorical() {
			logp := logSoftmax(heads[i]) // [numBags, numClasses]
			cls := ConvertDType(target, dtypes.Int32)
			classIota := Iota(g, shapes.Make(dtypes.Int32, numBags, t.NumClasses), 1)
			oneHot := ConvertDType(Equal(classIota, InsertAxes(cls, -1)), dtypes.Float32)
			perBag = Neg(ReduceSum(Mul(oneHot, logp), -1))
		} else {
			pred := Reshape(heads[i], numBags)
			d := Sub(pred, target)
			perBag = Mul(d, d)
		}

		masked := Mul(perBag, mask)
		denom := Max(ReduceSum(mask), Const(g, float32(1)))
		taskLoss := Div(ReduceSum(masked), denom)
		if total == nil {
			total = taskLoss
		} else {
			total = Add(total, taskLoss)
		}
	}
	return total
}

// taskProbabilities converts head outputs to the inference-time output
// contract: softmax probabilities for categorical tasks, raw predictions
// [numBags] for continuous ones.
func (m *Model) taskProbabilities(heads []*Node) []*Node {
	outs := make([]*Node, len(heads))
	for i, t := range m.Cfg.Tasks {
		if t.IsCategorical() {
			outs[i] = stableSoftmax(heads[i])
		} else {
			outs[i] = Reshape(heads[i], heads[i].Shape().Dimensions[0])
		}
	}
	return outs
}

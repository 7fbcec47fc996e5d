package model

import (
	"github.com/gomlx/gopjrt/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Attention-MIL aggregator: pools each bag of per-cell latent codes into one
// sample embedding via softmax-normalized attention weights.
//
// Bags are index sets over the flat cell table, so the whole minibatch is
// aggregated with one masked softmax over a [numBags, numCells] membership
// mask rather than per-bag loops: reordering cells permutes mask columns and
// attention weights identically, leaving the pooled embeddings unchanged
// (permutation invariance), and a bag of size one degenerates to weight 1.

// bagMembershipMask builds the [numBags, numCells] float32 mask with 1 where
// cell j belongs to bag i. bagOf is the per-cell bag index [numCells] int32.
func bagMembershipMask(bagOf *Node, numBags int) *Node {
	g := bagOf.Graph()
	numCells := bagOf.Shape().Dimensions[0]
	rows := Iota(g, shapes.Make(dtypes.Int32, numBags, numCells), 0)
	return ConvertDType(Equal(rows, InsertAxes(bagOf, 0)), dtypes.Float32)
}

// aggregate pools the latent codes z [numCells, latentDim] into per-bag
// embeddings. Returns the pooled embeddings [numBags, condDim] and the
// per-cell attention weights [numCells]; weights are non-negative and sum to
// one within every bag.
func (m *Model) aggregate(ctx *context.Context, z, bagOf *Node, numBags int, training bool) (pooled, attnWeights *Node) {
	actx := ctx.In("aggregator")

	// Cell-level trunk into the aggregation space.
	h := mlpBlock(actx.In("trunk"), z, m.Cfg.EncoderLayers, m.Cfg.HiddenDim, m.Cfg.DropoutRate, training)
	h = layers.Dense(actx.In("trunk_out"), h, true, m.Cfg.CondDim)

	numCells := h.Shape().Dimensions[0]

	// Unnormalized per-cell score.
	var scores *Node // [numCells]
	switch m.Cfg.Scoring {
	case ScoringGatedAttention:
		v := Tanh(layers.Dense(actx.In("attn_v"), h, true, m.Cfg.AttnDim))
		u := sigmoid(layers.Dense(actx.In("attn_u"), h, true, m.Cfg.AttnDim))
		s := layers.Dense(actx.In("attn_w"), Mul(v, u), false, 1)
		scores = Reshape(s, numCells)
	case ScoringSum:
		// Uniform pooling: constant scores make the within-bag softmax
		// degenerate to 1/bagSize, preserving the attention-weight contract.
		scores = MulScalar(ReduceSum(h, -1), 0)
	default: // ScoringAttention
		a := Tanh(layers.Dense(actx.In("attn_v"), h, true, m.Cfg.AttnDim))
		s := layers.Dense(actx.In("attn_w"), a, false, 1)
		scores = Reshape(s, numCells)
	}

	// Within-bag softmax: mask scores outside the bag to -inf (additively),
	// subtract the per-bag max for stability, renormalize.
	mask := bagMembershipMask(bagOf, numBags) // [numBags, numCells]
	broadcast := Mul(mask, InsertAxes(scores, 0))
	masked := Add(broadcast, MulScalar(Sub(OnesLike(mask), mask), -1e30))
	bagMax := StopGradient(ReduceMax(masked, -1))
	e := Mul(Exp(Sub(masked, InsertAxes(bagMax, -1))), mask)
	denom := ReduceSum(e, -1)
	attn := Div(e, InsertAxes(denom, -1)) // [numBags, numCells]

	pooled = Dot(attn, h)
	// Each cell belongs to exactly one bag, so columns have a single
	// non-zero entry; summing recovers the per-cell weight vector.
	attnWeights = ReduceSum(attn, 0)
	return pooled, attnWeights
}

package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Modality encoder bank: one encoder per modality mapping a cell's feature
// vector (optionally concatenated with its batch embedding) to the mean and
// log-variance of a modality-specific latent Gaussian.

// batchEmbedding looks up the learned batch-correction vector for every cell.
// When the model has been extended with new batches, the extension table is
// appended after the base table so base rows keep their indices: extension
// never overwrites reference geometry.
func (m *Model) batchEmbedding(g *Graph, batchIdx *Node) *Node {
	table := m.batchEmbed.ValueGraph(g)
	if m.batchEmbedExt != nil {
		table = Concatenate([]*Node{table, m.batchEmbedExt.ValueGraph(g)}, 0)
	}
	return Gather(table, InsertAxes(batchIdx, -1))
}

// encodeModality builds one modality's encoder. x is [n, dim], cond is the
// [n, condDim] batch embedding or nil when encoders are unconditioned.
// Returns mu and logVar, both [n, latentDim].
func (m *Model) encodeModality(ctx *context.Context, mc ModalityConfig, x, cond *Node, training bool) (mu, logVar *Node) {
	in := x
	if cond != nil {
		in = Concatenate([]*Node{x, cond}, 1)
	}
	h := mlpBlock(ctx.In("hidden"), in, m.Cfg.EncoderLayers, m.Cfg.HiddenDim, m.Cfg.DropoutRate, training)
	mu = layers.Dense(ctx.In("mu"), h, true, m.Cfg.LatentDim)
	logVar = layers.Dense(ctx.In("logvar"), h, true, m.Cfg.LatentDim)
	return mu, logVar
}

// encodeAll runs every modality encoder. feats and presence are aligned with
// the config's modality order; presence masks are [n] float32 with 1 marking
// an observed modality. Absent rows still flow through the encoder (their
// buffers are zeros) but fusion masks their contribution out entirely.
func (m *Model) encodeAll(ctx *context.Context, feats, presence []*Node, cond *Node, training bool) (mus, logVars []*Node) {
	encCond := cond
	if m.Cfg.Conditioning == ConditionDecoders {
		encCond = nil
	}
	mus = make([]*Node, len(m.Cfg.Modalities))
	logVars = make([]*Node, len(m.Cfg.Modalities))
	for i, mc := range m.Cfg.Modalities {
		mctx := ctx.In("encoder").In(mc.Name)
		mus[i], logVars[i] = m.encodeModality(mctx, mc, feats[i], encCond, training)
	}
	return mus, logVars
}

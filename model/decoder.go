package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Modality decoder bank: one decoder per modality reconstructing that
// modality's features from the joint latent code plus the batch embedding.
// The output head's meaning depends on the likelihood family: the Gaussian
// family emits means, Bernoulli emits logits, Poisson emits log-rates.

// decodeModality builds one modality's decoder, returning its output
// parameters [n, dim].
func (m *Model) decodeModality(ctx *context.Context, mc ModalityConfig, z, cond *Node, training bool) *Node {
	in := z
	if cond != nil {
		in = Concatenate([]*Node{z, cond}, 1)
	}
	h := mlpBlock(ctx.In("hidden"), in, m.Cfg.EncoderLayers, m.Cfg.HiddenDim, m.Cfg.DropoutRate, training)
	return layers.Dense(ctx.In("out"), h, true, mc.Dim)
}

// decodeAll runs every modality decoder.
func (m *Model) decodeAll(ctx *context.Context, z, cond *Node, training bool) []*Node {
	decCond := cond
	if m.Cfg.Conditioning == ConditionEncoders {
		decCond = nil
	}
	outs := make([]*Node, len(m.Cfg.Modalities))
	for i, mc := range m.Cfg.Modalities {
		outs[i] = m.decodeModality(ctx.In("decoder").In(mc.Name), mc, z, decCond, training)
	}
	return outs
}

// reconLoss sums the per-modality negative log-likelihoods, masked by the
// presence masks so absent modalities contribute exactly zero, and averages
// over cells. Each modality's term is scaled by its configured weight.
func (m *Model) reconLoss(feats, outs, presence []*Node) *Node {
	var total *Node
	for i, mc := range m.Cfg.Modalities {
		x, out := feats[i], outs[i]
		var nll *Node // [n, dim]
		switch mc.Likelihood {
		case LikBernoulli:
			// Numerically stable BCE with logits:
			// max(l,0) - l*x + log1p(exp(-|l|)).
			nll = Add(
				Sub(Max(out, ZerosLike(out)), Mul(out, x)),
				Log1p(Exp(Neg(Abs(out)))))
		case LikPoisson:
			// out is the log-rate; the lgamma(x+1) term is constant in the
			// parameters and omitted.
			nll = Sub(Exp(out), Mul(x, out))
		default: // LikGaussian, unit variance
			d := Sub(out, x)
			nll = MulScalar(Mul(d, d), 0.5)
		}
		perCell := Mul(ReduceSum(nll, -1), presence[i])
		term := MulScalar(ReduceMean(perCell), mc.ReconWeight)
		if total == nil {
			total = term
		} else {
			total = Add(total, term)
		}
	}
	return total
}

package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Multimodal fusion: combine the per-modality latent Gaussians of each cell
// into one joint distribution, tolerating any non-empty subset of observed
// modalities. Both rules are sums over the modality set weighted by the
// presence mask, so they are trivially invariant to modality order, and the
// cell-table invariant (every cell observed somewhere) keeps them well
// defined.

// fuseLatents combines per-modality (mu, logVar) pairs under the configured
// rule. presence[i] is the [n] float32 mask of modality i.
// Returns the joint mu and logVar, both [n, latentDim].
func (m *Model) fuseLatents(mus, logVars, presence []*Node) (mu, logVar *Node) {
	cols := make([]*Node, len(presence))
	for i, p := range presence {
		cols[i] = InsertAxes(p, -1) // [n,1], broadcasts over the latent axis
	}

	switch m.Cfg.Fusion {
	case FusionMixture:
		// Average the available moments.
		k := ZerosLike(cols[0])
		muSum := ZerosLike(mus[0])
		varSum := ZerosLike(mus[0])
		for i := range mus {
			k = Add(k, cols[i])
			muSum = Add(muSum, Mul(mus[i], cols[i]))
			varSum = Add(varSum, Mul(Exp(logVars[i]), cols[i]))
		}
		k = Max(k, OnesLike(k))
		mu = Div(muSum, k)
		logVar = Log(Div(varSum, k))
		return mu, logVar

	default: // FusionPoE
		// Product of Gaussian experts with a unit-variance prior expert:
		// precisions add, means are precision weighted. The prior expert
		// keeps the product proper even for a single low-precision modality.
		precSum := OnesLike(mus[0])
		muWeighted := ZerosLike(mus[0])
		for i := range mus {
			prec := Mul(Exp(Neg(logVars[i])), cols[i])
			precSum = Add(precSum, prec)
			muWeighted = Add(muWeighted, Mul(prec, mus[i]))
		}
		mu = Div(muWeighted, precSum)
		logVar = Neg(Log(precSum))
		return mu, logVar
	}
}

// reparameterize draws z = mu + sigma*eps with eps from the context RNG while
// training, so gradients flow through mu and logVar; at inference it returns
// the mean.
func (m *Model) reparameterize(ctx *context.Context, mu, logVar *Node, training bool) *Node {
	if !training {
		return mu
	}
	eps := ctx.RandomNormal(mu.Graph(), mu.Shape())
	return Add(mu, Mul(Exp(MulScalar(logVar, 0.5)), eps))
}

// klToPrior is the mean (over cells) KL divergence between N(mu, exp(logVar))
// and the standard normal prior, summed over latent dimensions.
func klToPrior(mu, logVar *Node) *Node {
	perDim := Sub(Add(Mul(mu, mu), Exp(logVar)), AddScalar(logVar, 1))
	perCell := MulScalar(ReduceSum(perDim, -1), 0.5)
	return ReduceMean(perCell)
}

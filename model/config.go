// Package model implements the multimodal variational encoder/decoder with an
// attention-based multiple-instance-learning head, built on gomlx. One
// encoder/decoder pair per modality maps cells into a shared latent space
// while correcting for batch effects via learned batch embeddings; an
// attention aggregator pools each sample's bag of cell latent codes into a
// sample embedding that weak-label classification heads consume.
//
// All graph-building functions in this package are pure functions of the
// model parameters and their inputs; the only stochastic operation, the
// reparameterized latent draw, reads the context RNG state seeded from
// Config.Seed.
package model

import (
	"github.com/pkg/errors"

	"github.com/cytomil/cytomil/data"
)

// Likelihood selects the reconstruction likelihood family of one modality.
type Likelihood string

const (
	// LikGaussian is a unit-variance Gaussian likelihood (squared-error
	// reconstruction), suitable for continuous intensities such as surface
	// protein measurements.
	LikGaussian Likelihood = "gaussian"

	// LikBernoulli models binarized features (e.g. chromatin accessibility
	// peaks) with a logit output head.
	LikBernoulli Likelihood = "bernoulli"

	// LikPoisson is the count likelihood for transcript counts. The decoder
	// outputs log-rates; the data-dependent lgamma(x+1) term is constant in
	// the parameters and omitted from the loss.
	LikPoisson Likelihood = "poisson"
)

// FusionRule selects how per-modality latent distributions are combined into
// the joint per-cell latent distribution. Both rules are total over any
// non-empty set of observed modalities and invariant to modality order.
type FusionRule int

const (
	// FusionPoE is a product of Gaussian experts including a unit prior
	// expert: precisions add, means are precision weighted.
	FusionPoE FusionRule = iota

	// FusionMixture averages the available moments (mean of means, mean of
	// variances), matching a uniform mixture approximation.
	FusionMixture
)

// Scoring selects the bag-pooling rule of the MIL aggregator.
type Scoring int

const (
	// ScoringAttention is the two-layer tanh attention of Ilse et al.'s
	// attention MIL: score = w2·tanh(W1·h).
	ScoringAttention Scoring = iota

	// ScoringGatedAttention adds a sigmoid gate:
	// score = w·(tanh(V·h) ⊙ sigmoid(U·h)).
	ScoringGatedAttention

	// ScoringSum ignores learned scores and pools with uniform weights.
	ScoringSum
)

// Conditioning selects where the batch-covariate embedding is injected.
type Conditioning int

const (
	// ConditionBoth feeds the batch embedding to encoders and decoders.
	// This is the default: correcting technical variation needs the model
	// to both explain it away on the way in and reintroduce it on the way
	// out.
	ConditionBoth Conditioning = iota

	// ConditionEncoders conditions only the encoder bank.
	ConditionEncoders

	// ConditionDecoders conditions only the decoder bank.
	ConditionDecoders
)

// ModalityConfig declares one modality's feature width and likelihood. The
// declaration order must match the CellTable the model is used with.
type ModalityConfig struct {
	// Name of the modality, matched against CellTable modality names.
	Name string

	// Dim is the feature width. Fixed at model construction; feeding a
	// table with a different width is a shape error.
	Dim int

	// Likelihood family for this modality's reconstruction term.
	// Default LikGaussian.
	Likelihood Likelihood

	// ReconWeight scales this modality's reconstruction term. Default 1.
	ReconWeight float64
}

// TaskConfig declares one weak-label classification task. All tasks share the
// sample embedding; each has its own output layer and loss, and tolerates
// samples with a missing label (zero loss contribution).
type TaskConfig struct {
	// Name of the task, for reporting.
	Name string

	// NumClasses > 1 declares a categorical task with cross-entropy loss.
	// NumClasses == 0 declares a continuous task with squared-error loss.
	NumClasses int
}

// IsCategorical reports whether the task is categorical.
func (t TaskConfig) IsCategorical() bool { return t.NumClasses > 0 }

// Config holds the architecture and loss hyperparameters.
type Config struct {
	// Modalities, in the positional order of the cell tables this model
	// will consume. Required, at least one.
	Modalities []ModalityConfig

	// Tasks are the weak-label tasks. May be empty for a purely
	// unsupervised integration model.
	Tasks []TaskConfig

	// LatentDim is the dimensionality of the shared per-cell latent space.
	// Default 15.
	LatentDim int

	// HiddenDim is the width of encoder/decoder hidden layers. Default 32.
	HiddenDim int

	// EncoderLayers is the number of hidden layers per encoder/decoder.
	// Default 1.
	EncoderLayers int

	// CondDim is the width of the learned batch embedding and of the
	// aggregation space the MIL trunk maps latent codes into. Default 10.
	CondDim int

	// NumBatches is the number of known technical batches; the batch
	// embedding table has this many rows. Required, at least 1.
	NumBatches int

	// AttnDim is the hidden width of the attention scoring head. Default 32.
	AttnDim int

	// Fusion selects the fusion rule. Default FusionPoE.
	Fusion FusionRule

	// Scoring selects the MIL pooling rule. Default ScoringAttention.
	Scoring Scoring

	// Conditioning selects where batch embeddings are injected.
	// Default ConditionBoth.
	Conditioning Conditioning

	// DropoutRate applied inside encoder/decoder/trunk hidden layers during
	// training. Zero disables dropout.
	DropoutRate float64

	// KLWeight is the target weight of the latent-regularization term.
	// Default 1.
	KLWeight float64

	// ClassWeight is the weight of the classification term. Default 1.
	ClassWeight float64

	// Seed drives parameter initialization and the in-graph RNG used for
	// the reparameterized draw and dropout. Zero selects seed 1 so runs
	// are reproducible unless the caller explicitly randomizes.
	Seed int64
}

// ModalityNames returns the configured modality names in positional order.
func (c Config) ModalityNames() []string {
	names := make([]string, len(c.Modalities))
	for i := range c.Modalities {
		names[i] = c.Modalities[i].Name
	}
	return names
}

// withDefaults returns the config with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.LatentDim == 0 {
		c.LatentDim = 15
	}
	if c.HiddenDim == 0 {
		c.HiddenDim = 32
	}
	if c.EncoderLayers == 0 {
		c.EncoderLayers = 1
	}
	if c.CondDim == 0 {
		c.CondDim = 10
	}
	if c.AttnDim == 0 {
		c.AttnDim = 32
	}
	if c.KLWeight == 0 {
		c.KLWeight = 1
	}
	if c.ClassWeight == 0 {
		c.ClassWeight = 1
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	for i := range c.Modalities {
		if c.Modalities[i].Likelihood == "" {
			c.Modalities[i].Likelihood = LikGaussian
		}
		if c.Modalities[i].ReconWeight == 0 {
			c.Modalities[i].ReconWeight = 1
		}
	}
	return c
}

// validate checks the config after defaulting.
func (c Config) validate() error {
	if len(c.Modalities) == 0 {
		return errors.New("config needs at least one modality")
	}
	seen := make(map[string]bool, len(c.Modalities))
	for _, m := range c.Modalities {
		if m.Name == "" {
			return errors.New("modality with empty name")
		}
		if seen[m.Name] {
			return errors.Errorf("duplicate modality %q", m.Name)
		}
		seen[m.Name] = true
		if m.Dim <= 0 {
			return errors.Errorf("modality %q has non-positive dim %d", m.Name, m.Dim)
		}
		switch m.Likelihood {
		case LikGaussian, LikBernoulli, LikPoisson:
		default:
			return errors.Errorf("modality %q has unknown likelihood %q", m.Name, m.Likelihood)
		}
	}
	for _, t := range c.Tasks {
		if t.Name == "" {
			return errors.New("task with empty name")
		}
		if t.NumClasses == 1 {
			return errors.Errorf("task %q: one-class categorical task is degenerate", t.Name)
		}
		if t.NumClasses < 0 {
			return errors.Errorf("task %q has negative NumClasses", t.Name)
		}
	}
	if c.NumBatches < 1 {
		return errors.New("config needs NumBatches >= 1")
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errors.Errorf("dropout rate %g outside [0,1)", c.DropoutRate)
	}
	return nil
}

// CheckTable verifies that a cell table matches this config's modality schema
// and that every batch index fits inside numBatches rows of embedding table.
// Returns an error wrapping data.ErrShape on any mismatch.
func (c Config) CheckTable(table *data.CellTable, numBatches int) error {
	if table == nil {
		return errors.New("cell table is nil")
	}
	if table.NumModalities() != len(c.Modalities) {
		return errors.Wrapf(data.ErrShape, "table has %d modalities, model expects %d",
			table.NumModalities(), len(c.Modalities))
	}
	for i, mc := range c.Modalities {
		got := &table.Modalities[i]
		if got.Name != mc.Name {
			return errors.Wrapf(data.ErrShape, "modality %d is %q, model expects %q", i, got.Name, mc.Name)
		}
		if got.Dim != mc.Dim {
			return errors.Wrapf(data.ErrShape, "modality %q has width %d, model expects %d",
				mc.Name, got.Dim, mc.Dim)
		}
	}
	if maxID := table.MaxBatchID(); maxID >= numBatches {
		return errors.Wrapf(data.ErrShape,
			"table references batch id %d but only %d batch embeddings exist", maxID, numBatches)
	}
	return nil
}

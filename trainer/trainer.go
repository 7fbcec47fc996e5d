// Package trainer drives optimization of a model.Model over sampled bag
// minibatches: the joint reconstruction/regularization/classification
// objective with a warmable KL weight, non-finite loss handling, loss-term
// history for plotting, evaluation metrics, and reference extension onto
// query data with frozen reference parameters.
package trainer

import (
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/cytomil/cytomil/data"
	"github.com/cytomil/cytomil/model"
)

// ErrNonFinite reports a NaN or infinite loss. The wrapping error names the
// global step and the sample IDs of the offending minibatch so the bad bags
// can be found in the input data.
var ErrNonFinite = errors.New("non-finite loss")

// NonFinitePolicy selects how a non-finite minibatch loss is handled.
type NonFinitePolicy int

const (
	// Abort stops training with an error wrapping ErrNonFinite. The
	// default: silent NaNs poison every parameter they touch.
	Abort NonFinitePolicy = iota

	// SkipStep drops the offending minibatch with a warning and moves on.
	// The check runs on an evaluation pass before the parameters are
	// updated, so a skipped minibatch leaves the model untouched. If the
	// training step itself still produces a non-finite loss the trainer
	// aborts regardless, since by then the parameters may already be
	// poisoned.
	SkipStep
)

// Config holds the optimization hyperparameters.
type Config struct {
	// Epochs is the number of passes over the bag set. Default 10.
	Epochs int

	// LearningRate for Adam. Default 1e-3.
	LearningRate float64

	// KL schedules the weight of the latent-regularization term by global
	// step. Nil selects Constant(model KLWeight).
	KL Schedule

	// OnNonFinite selects the non-finite loss policy. Default Abort.
	OnNonFinite NonFinitePolicy

	// LogEvery logs per-step losses every this many steps. Zero logs at
	// epoch boundaries only.
	LogEvery int
}

// Record is one step's loss breakdown. Total is the training-mode loss of
// the optimizer step; the individual terms come from an evaluation pass over
// the same minibatch (no sampling, no dropout), so their curves are smooth
// enough to read.
type Record struct {
	Step     int
	Epoch    int
	KLWeight float64
	Total    float64
	Recon    float64
	KL       float64
	Class    float64
}

// Trainer owns one optimization run: the gomlx step trainer, the compiled
// loss-term evaluator and the accumulated history.
type Trainer struct {
	Model *model.Model
	Data  *data.Dataset
	Cfg   Config

	// History collects one Record per completed step, across epochs.
	History []Record

	loop      *train.Trainer
	termsExec *context.Exec
	numInputs int
	step      int
}

// New builds a trainer for the model over the dataset. The optimizer state
// lives in the model's context, so constructing a second trainer over the
// same model continues from the same optimizer state.
func New(m *model.Model, ds *data.Dataset, cfg Config) (*Trainer, error) {
	if m == nil || ds == nil {
		return nil, errors.New("model and dataset are required")
	}
	if ds.NumTasks != len(m.Cfg.Tasks) {
		return nil, errors.Errorf("dataset yields %d tasks, model has %d", ds.NumTasks, len(m.Cfg.Tasks))
	}
	if err := m.Cfg.CheckTable(ds.Table, m.TotalBatches()); err != nil {
		return nil, err
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 10
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 1e-3
	}
	if cfg.KL == nil {
		cfg.KL = Constant(m.Cfg.KLWeight)
	}

	t := &Trainer{
		Model: m,
		Data:  ds,
		Cfg:   cfg,
		// Core inputs, the two bag inputs, and the KL-weight scalar.
		numInputs: 2*len(m.Cfg.Modalities) + 4,
	}
	t.loop = train.NewTrainer(m.Backend(), m.Context(),
		func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
			return m.BuildTrainGraph(ctx, inputs)
		},
		m.Loss,
		optimizers.Adam().LearningRate(cfg.LearningRate).Done(),
		nil, nil)
	t.termsExec = context.MustNewExec(m.Backend(), m.Context(),
		func(ctx *context.Context, all []*graph.Node) []*graph.Node {
			preds := m.BuildEvalGraph(ctx, all[:t.numInputs])
			labels := all[t.numInputs:]
			return []*graph.Node{m.Loss(labels, preds), preds[1], preds[2], m.ClassificationTerm(labels, preds)}
		})
	return t, nil
}

// GlobalStep returns the number of completed optimizer steps.
func (t *Trainer) GlobalStep() int { return t.step }

// StepsPerEpoch is the number of minibatches in one pass over the bag set.
func (t *Trainer) StepsPerEpoch() int {
	n := t.Data.Sampler.Set.NumBags()
	per := t.Data.Sampler.Cfg.BagsPerStep
	return (n + per - 1) / per
}

// Fit runs Config.Epochs passes over the bag set.
func (t *Trainer) Fit() error {
	steps := t.StepsPerEpoch()
	klog.Infof("training on %s bags (%s cells): %d epochs x %d steps",
		humanize.Comma(int64(t.Data.Sampler.Set.NumBags())),
		humanize.Comma(int64(t.Data.Table.NumCells())),
		t.Cfg.Epochs, steps)
	for epoch := 0; epoch < t.Cfg.Epochs; epoch++ {
		for s := 0; s < steps; s++ {
			if err := t.Step(); err != nil {
				return err
			}
		}
		if len(t.History) > 0 {
			rec := t.History[len(t.History)-1]
			klog.Infof("epoch %d/%d: loss=%.4f recon=%.4f kl=%.4f class=%.4f",
				epoch+1, t.Cfg.Epochs, rec.Total, rec.Recon, rec.KL, rec.Class)
		}
	}
	return nil
}

// Step draws one minibatch and runs one optimizer step over it.
func (t *Trainer) Step() error {
	spec, inputs, labels, err := t.Data.Yield()
	if err != nil {
		return err
	}
	batch := t.Data.Last
	klWeight := t.Cfg.KL.WeightAt(t.step)
	inputs = append(inputs, tensors.FromValue(float32(klWeight)))

	// Evaluation pass first: it feeds the history and screens the
	// minibatch before any parameter is updated.
	all := make([]*tensors.Tensor, 0, len(inputs)+len(labels))
	all = append(all, inputs...)
	all = append(all, labels...)
	terms, err := model.CallExec(t.termsExec, all)
	if err != nil {
		return errors.Wrapf(err, "evaluating loss terms at step %d", t.step)
	}
	if total := scalarOf(terms[0]); !isFinite(total) {
		err := errors.Wrapf(ErrNonFinite, "step %d (kl weight %.3g), bags %v",
			t.step, klWeight, bagIDs(batch))
		if t.Cfg.OnNonFinite == SkipStep {
			klog.Warningf("skipping minibatch: %v", err)
			t.step++
			return nil
		}
		return err
	}

	var metricsOut []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		metricsOut = t.loop.TrainStep(spec, inputs, labels)
	})
	if err != nil {
		return errors.Wrapf(err, "train step %d", t.step)
	}
	total := scalarOf(metricsOut[0])
	if !isFinite(total) {
		return errors.Wrapf(ErrNonFinite, "parameters diverged at step %d, bags %v",
			t.step, bagIDs(batch))
	}

	t.History = append(t.History, Record{
		Step:     t.step,
		Epoch:    t.Data.Sampler.Epoch(),
		KLWeight: klWeight,
		Total:    total,
		Recon:    scalarOf(terms[1]),
		KL:       scalarOf(terms[2]),
		Class:    scalarOf(terms[3]),
	})
	if t.Cfg.LogEvery > 0 && t.step%t.Cfg.LogEvery == 0 {
		klog.Infof("step %s: loss=%.4f recon=%.4f kl=%.4f class=%.4f (kl weight %.3g)",
			humanize.Comma(int64(t.step)), total,
			scalarOf(terms[1]), scalarOf(terms[2]), scalarOf(terms[3]), klWeight)
	}
	t.step++
	return nil
}

func scalarOf(t *tensors.Tensor) float64 {
	return float64(tensors.CopyFlatData[float32](t)[0])
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func bagIDs(b *data.Batch) []string {
	ids := make([]string, len(b.Bags))
	for i := range b.Bags {
		ids[i] = b.Bags[i].SampleID
	}
	return ids
}

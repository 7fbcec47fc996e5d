package trainer

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/cytomil/cytomil/data"
	"github.com/cytomil/cytomil/model"
)

// ErrIncompatibleQuery reports a query dataset that shares no modality with
// the reference model. With zero overlap there is no encoder to map the
// query through, so extension cannot proceed.
var ErrIncompatibleQuery = errors.New("query shares no modality with the reference")

// ExtendConfig controls reference extension onto a query dataset.
type ExtendConfig struct {
	// NumNewBatches is the number of previously unseen technical batches
	// in the query data. Query cells must carry batch IDs in
	// [NumBatches, NumBatches+NumNewBatches), i.e. appended after the
	// reference batches. Required, at least 1.
	NumNewBatches int

	// Epochs of fine-tuning over the query bags. Default 10.
	Epochs int

	// LearningRate for the extension fit. Default 1e-3.
	LearningRate float64

	// Sampler configures query minibatch construction.
	Sampler data.SamplerConfig

	// TrainScopes lists extra variable-scope prefixes to leave trainable
	// besides the new batch embeddings. Empty means only the new batch
	// embeddings are fitted, which is the non-regression default: every
	// reference parameter stays bit-identical through extension.
	TrainScopes []string
}

// Extend maps a query dataset onto a trained reference model: it appends
// embedding rows for the query's unseen batches, freezes everything except
// those rows (plus any TrainScopes), and fine-tunes on the query bags.
// labels may be nil for a purely unsupervised mapping. Returns the trainer
// used for the fit so callers can inspect its history.
//
// The query table may carry any subset of the reference modalities; missing
// modalities are treated as unmeasured for every query cell. A query with no
// overlapping modality fails with ErrIncompatibleQuery.
func Extend(m *model.Model, query *data.CellTable, labels map[string][]data.Label, cfg ExtendConfig) (*Trainer, error) {
	if m == nil {
		return nil, errors.New("model is nil")
	}
	if query == nil {
		return nil, errors.New("query table is nil")
	}
	if cfg.NumNewBatches <= 0 {
		return nil, errors.Errorf("number of new batches must be positive, got %d", cfg.NumNewBatches)
	}
	aligned, err := alignQuery(m.Cfg, query)
	if err != nil {
		return nil, err
	}

	// Everything that can fail runs before the model is touched: extension
	// and freezing are not unwound on error, and a model extends only once.
	set, err := data.NewBagSet(aligned, labels)
	if err != nil {
		return nil, err
	}
	sampler, err := data.NewSampler(set, cfg.Sampler)
	if err != nil {
		return nil, err
	}
	ds, err := data.NewDataset(aligned, sampler, len(m.Cfg.Tasks))
	if err != nil {
		return nil, err
	}
	if err := m.Cfg.CheckTable(aligned, m.Cfg.NumBatches+cfg.NumNewBatches); err != nil {
		return nil, err
	}

	if err := m.ExtendBatches(cfg.NumNewBatches); err != nil {
		return nil, err
	}
	m.FreezeExcept(append([]string{model.ScopeBatchEmbedExt}, cfg.TrainScopes...)...)
	klog.Infof("extending reference with %d new batches over %d query cells",
		cfg.NumNewBatches, aligned.NumCells())

	t, err := New(m, ds, Config{
		Epochs:       cfg.Epochs,
		LearningRate: cfg.LearningRate,
	})
	if err != nil {
		return nil, err
	}
	if err := t.Fit(); err != nil {
		return nil, err
	}
	return t, nil
}

// alignQuery reorders the query's modality blocks to the reference schema,
// synthesizing an all-absent block for each reference modality the query
// lacks. Query modalities unknown to the reference are dropped; if nothing
// is left the query is incompatible.
func alignQuery(cfg model.Config, query *data.CellTable) (*data.CellTable, error) {
	n := query.NumCells()
	mods := make([]data.Modality, len(cfg.Modalities))
	matched := 0
	for i, mc := range cfg.Modalities {
		src := query.ModalityByName(mc.Name)
		if src == nil {
			mods[i] = data.Modality{
				Name:    mc.Name,
				Dim:     mc.Dim,
				Values:  make([]float32, n*mc.Dim),
				Present: make([]bool, n),
			}
			continue
		}
		if src.Dim != mc.Dim {
			return nil, errors.Wrapf(data.ErrShape,
				"query modality %q has width %d, reference expects %d", mc.Name, src.Dim, mc.Dim)
		}
		mods[i] = *src
		matched++
	}
	if matched == 0 {
		return nil, errors.Wrapf(ErrIncompatibleQuery,
			"query modalities %v, reference modalities %v",
			query.ModalityNames(), cfg.ModalityNames())
	}
	return data.NewCellTable(mods, query.SampleIDs, query.BatchIDs)
}

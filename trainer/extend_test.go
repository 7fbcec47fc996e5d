package trainer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cytomil/cytomil/data"
	"github.com/cytomil/cytomil/model"
)

// queryTable builds an rna-only query: two samples, five cells, all in one
// previously unseen batch.
func queryTable(t *testing.T, batchID int) *data.CellTable {
	t.Helper()
	rng := rand.New(rand.NewSource(21))
	ids := []string{"q1", "q1", "q1", "q2", "q2"}
	batches := []int{batchID, batchID, batchID, batchID, batchID}
	vals := make([]float32, len(ids)*50)
	for i := range vals {
		vals[i] = float32(rng.NormFloat64())
	}
	table, err := data.NewCellTable(
		[]data.Modality{{Name: "rna", Dim: 50, Values: vals}},
		ids, batches)
	require.NoError(t, err)
	return table
}

func TestExtendPreservesReference(t *testing.T) {
	m, _, set := fitScenario(t, 2)

	before, err := m.Latents(set.Table)
	require.NoError(t, err)
	predBefore, err := m.Predict(set.Table)
	require.NoError(t, err)

	query := queryTable(t, m.Cfg.NumBatches)
	ext, err := Extend(m, query, nil, ExtendConfig{
		NumNewBatches: 1,
		Epochs:        2,
		LearningRate:  1e-2,
		Sampler:       data.SamplerConfig{BagsPerStep: 2, Seed: 21},
	})
	require.NoError(t, err)
	require.NotEmpty(t, ext.History)

	// The query maps into the reference latent space.
	queryLat, err := m.Latents(ext.Data.Table)
	require.NoError(t, err)
	require.Len(t, queryLat, query.NumCells())
	requireFinite(t, queryLat)

	// Reference outputs are bit-for-bit untouched: only the new batch
	// embedding rows were trainable during the extension fit.
	after, err := m.Latents(set.Table)
	require.NoError(t, err)
	require.Equal(t, before, after)
	predAfter, err := m.Predict(set.Table)
	require.NoError(t, err)
	require.Equal(t, predBefore.Tasks, predAfter.Tasks)
	require.Equal(t, predBefore.Attention, predAfter.Attention)
}

func TestExtendRejectsNoOverlap(t *testing.T) {
	m, _, _ := fitScenario(t, 1)

	rng := rand.New(rand.NewSource(22))
	vals := make([]float32, 3*7)
	for i := range vals {
		vals[i] = float32(rng.NormFloat64())
	}
	foreign, err := data.NewCellTable(
		[]data.Modality{{Name: "methylation", Dim: 7, Values: vals}},
		[]string{"q", "q", "q"}, []int{2, 2, 2})
	require.NoError(t, err)

	_, err = Extend(m, foreign, nil, ExtendConfig{NumNewBatches: 1})
	require.ErrorIs(t, err, ErrIncompatibleQuery)
}

func TestExtendRejectsBadWidth(t *testing.T) {
	m, _, _ := fitScenario(t, 1)

	vals := make([]float32, 2*9)
	bad, err := data.NewCellTable(
		[]data.Modality{{Name: "rna", Dim: 9, Values: vals}},
		[]string{"q", "q"}, []int{2, 2})
	require.NoError(t, err)

	_, err = Extend(m, bad, nil, ExtendConfig{NumNewBatches: 1})
	require.ErrorIs(t, err, data.ErrShape)
}

func TestExtendFailureLeavesModelUntouched(t *testing.T) {
	m, _, _ := fitScenario(t, 1)
	base := m.TotalBatches()
	query := queryTable(t, m.Cfg.NumBatches)

	_, err := Extend(m, query, nil, ExtendConfig{NumNewBatches: 0})
	require.Error(t, err)
	require.Equal(t, base, m.TotalBatches())

	// Bad sampler config fails before any batch embeddings are added.
	_, err = Extend(m, query, nil, ExtendConfig{
		NumNewBatches: 1,
		Sampler:       data.SamplerConfig{BagCap: -1},
	})
	require.Error(t, err)
	require.Equal(t, base, m.TotalBatches())

	// Query batch IDs beyond the extended table are caught up front.
	farQuery := queryTable(t, m.Cfg.NumBatches+5)
	_, err = Extend(m, farQuery, nil, ExtendConfig{NumNewBatches: 1})
	require.ErrorIs(t, err, data.ErrShape)
	require.Equal(t, base, m.TotalBatches())

	// None of the failures consumed the once-only extension: a valid
	// Extend still goes through.
	_, err = Extend(m, query, nil, ExtendConfig{
		NumNewBatches: 1,
		Epochs:        1,
		Sampler:       data.SamplerConfig{Seed: 9},
	})
	require.NoError(t, err)
	require.Equal(t, base+1, m.TotalBatches())
}

func TestExtendLabelsOptional(t *testing.T) {
	m, _, _ := fitScenario(t, 1)
	query := queryTable(t, m.Cfg.NumBatches)

	labels := map[string][]data.Label{"q1": {data.ClassLabel(1)}}
	_, err := Extend(m, query, labels, ExtendConfig{
		NumNewBatches: 1,
		Epochs:        1,
		Sampler:       data.SamplerConfig{Seed: 5},
	})
	require.NoError(t, err)
	pred, err := m.Predict(mustAligned(t, m, query))
	require.NoError(t, err)
	require.Equal(t, []string{"q1", "q2"}, pred.SampleIDs)
}

func mustAligned(t *testing.T, m *model.Model, query *data.CellTable) *data.CellTable {
	t.Helper()
	aligned, err := alignQuery(m.Cfg, query)
	require.NoError(t, err)
	return aligned
}

func requireFinite(t *testing.T, rows [][]float32) {
	t.Helper()
	for _, row := range rows {
		for _, v := range row {
			require.False(t, v != v, "NaN in output")
		}
	}
}

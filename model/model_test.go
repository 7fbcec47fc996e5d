package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/stretchr/testify/require"

	"github.com/cytomil/cytomil/data"
)

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	return backends.MustNew()
}

func testConfig() Config {
	return Config{
		Modalities: []ModalityConfig{
			{Name: "rna", Dim: 6},
			{Name: "adt", Dim: 4},
		},
		Tasks:      []TaskConfig{{Name: "condition", NumClasses: 2}},
		LatentDim:  5,
		HiddenDim:  8,
		CondDim:    4,
		AttnDim:    6,
		NumBatches: 2,
		Seed:       3,
	}
}

// randomTable builds a two-modality table with the given bag sizes, one
// sample per bag. Cells listed in missingADT lose the second modality.
func randomTable(t *testing.T, rng *rand.Rand, sizes []int, missingADT ...int) *data.CellTable {
	t.Helper()
	var ids []string
	var batches []int
	for s, n := range sizes {
		for c := 0; c < n; c++ {
			ids = append(ids, string(rune('a'+s)))
			batches = append(batches, s%2)
		}
	}
	n := len(ids)
	mods := []data.Modality{
		{Name: "rna", Dim: 6, Values: make([]float32, n*6)},
		{Name: "adt", Dim: 4, Values: make([]float32, n*4), Present: make([]bool, n)},
	}
	for i := range mods[0].Values {
		mods[0].Values[i] = float32(rng.NormFloat64())
	}
	for i := range mods[1].Values {
		mods[1].Values[i] = float32(rng.NormFloat64())
	}
	for i := 0; i < n; i++ {
		mods[1].Present[i] = true
	}
	for _, i := range missingADT {
		mods[1].Present[i] = false
	}
	table, err := data.NewCellTable(mods, ids, batches)
	require.NoError(t, err)
	return table
}

func requireAllFinite(t *testing.T, rows [][]float32) {
	t.Helper()
	for _, row := range rows {
		for _, v := range row {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		}
	}
}

func TestLatentsShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	table := randomTable(t, rng, []int{3, 2}, 1)
	m, err := New(testBackend(t), testConfig())
	require.NoError(t, err)

	lat, err := m.Latents(table)
	require.NoError(t, err)
	require.Len(t, lat, table.NumCells())
	for _, row := range lat {
		require.Len(t, row, m.Cfg.LatentDim)
	}
	requireAllFinite(t, lat)
}

func TestCheckTableMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	table := randomTable(t, rng, []int{2})
	cfg := testConfig()
	cfg.Modalities[1].Dim = 9
	m, err := New(testBackend(t), cfg)
	require.NoError(t, err)
	_, err = m.Latents(table)
	require.ErrorIs(t, err, data.ErrShape)

	cfg = testConfig()
	cfg.NumBatches = 1 // table uses batch id 1
	m, err = New(testBackend(t), cfg)
	require.NoError(t, err)
	table2 := randomTable(t, rng, []int{1, 2})
	_, err = m.Latents(table2)
	require.ErrorIs(t, err, data.ErrShape)
}

func TestExtendBatchesGuards(t *testing.T) {
	m, err := New(testBackend(t), testConfig())
	require.NoError(t, err)
	require.Error(t, m.ExtendBatches(0))
	require.NoError(t, m.ExtendBatches(2))
	require.Equal(t, 4, m.TotalBatches())
	require.Error(t, m.ExtendBatches(1))
}

func TestConfigValidate(t *testing.T) {
	_, err := New(testBackend(t), Config{})
	require.Error(t, err)

	cfg := testConfig()
	cfg.Tasks = []TaskConfig{{Name: "deg", NumClasses: 1}}
	_, err = New(testBackend(t), cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.DropoutRate = 1.5
	_, err = New(testBackend(t), cfg)
	require.Error(t, err)
}

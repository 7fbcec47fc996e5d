package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAbsentModalityValuesIgnored(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	table := randomTable(t, rng, []int{3, 2}, 0, 3)
	m, err := New(testBackend(t), testConfig())
	require.NoError(t, err)

	base, err := m.Latents(table)
	require.NoError(t, err)

	// Overwrite the feature rows of the absent cells: the masked encoder
	// contributions must make them invisible to fusion.
	adt := table.ModalityByName("adt")
	for _, i := range []int{0, 3} {
		row := adt.Values[i*adt.Dim : (i+1)*adt.Dim]
		for k := range row {
			row[k] = 7.5
		}
	}
	got, err := m.Latents(table)
	require.NoError(t, err)
	for i := range base {
		for j := range base[i] {
			require.InDelta(t, float64(base[i][j]), float64(got[i][j]), 1e-6)
		}
	}
}

func TestFusionRulesTolerateMissing(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	// Cell 1 is rna-only; every subset of observed modalities must fuse.
	table := randomTable(t, rng, []int{3, 2}, 1)
	for _, rule := range []FusionRule{FusionPoE, FusionMixture} {
		cfg := testConfig()
		cfg.Fusion = rule
		m, err := New(testBackend(t), cfg)
		require.NoError(t, err)
		lat, err := m.Latents(table)
		require.NoError(t, err)
		require.Len(t, lat, table.NumCells())
		requireAllFinite(t, lat)
	}
}

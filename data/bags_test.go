package data

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

// bagTable builds a single-modality table with the given bag sizes, one
// sample per bag, cells laid out contiguously.
func bagTable(t *testing.T, sizes ...int) *CellTable {
	t.Helper()
	var ids []string
	var batches []int
	for s, n := range sizes {
		for c := 0; c < n; c++ {
			ids = append(ids, string(rune('a'+s)))
			batches = append(batches, 0)
		}
	}
	table, err := NewCellTable(
		[]Modality{{Name: "rna", Dim: 2, Values: make([]float32, len(ids)*2)}},
		ids, batches)
	require.NoError(t, err)
	return table
}

func TestBagSetGrouping(t *testing.T) {
	table := bagTable(t, 3, 1, 7, 2)
	labels := map[string][]Label{
		"a": {ClassLabel(0)},
		"c": {ClassLabel(1)},
		"d": {ValueLabel(0.5)},
	}
	set, err := NewBagSet(table, labels)
	require.NoError(t, err)
	require.Equal(t, 4, set.NumBags())
	require.Equal(t, []int{3, 1, 7, 2}, []int{
		set.Bags[0].Size(), set.Bags[1].Size(), set.Bags[2].Size(), set.Bags[3].Size()})

	// Sample "b" got no labels: every slot reads as missing.
	require.False(t, set.BagByID("b").LabelAt(0).Present)
	require.Equal(t, 1, set.BagByID("c").LabelAt(0).Class)
	require.Equal(t, 0.5, set.BagByID("d").LabelAt(0).Value)
	// Out-of-range task slots are missing, not a panic.
	require.False(t, set.BagByID("a").LabelAt(3).Present)
	require.Nil(t, set.BagByID("nope"))
}

func TestSamplerDeterminism(t *testing.T) {
	table := bagTable(t, 3, 1, 7, 2, 5, 4)
	set, err := NewBagSet(table, nil)
	require.NoError(t, err)

	mk := func() *Sampler {
		s, err := NewSampler(set, SamplerConfig{BagsPerStep: 2, BagCap: 4, Seed: 7})
		require.NoError(t, err)
		return s
	}
	s1, s2 := mk(), mk()
	for i := 0; i < 5; i++ {
		b1, b2 := s1.Next(), s2.Next()
		require.Equal(t, b1.CellIndices, b2.CellIndices, "step %d", i)
		require.Equal(t, b1.BagOf, b2.BagOf, "step %d", i)
	}

	// Reset reproduces the original stream.
	first := mk().Next()
	s1.Reset()
	require.Equal(t, first.CellIndices, s1.Next().CellIndices)
}

func TestSamplerCapAndFloor(t *testing.T) {
	table := bagTable(t, 3, 1, 7, 2)
	set, err := NewBagSet(table, nil)
	require.NoError(t, err)

	// Cap: the 7-cell bag is subsampled to 4 distinct cells.
	s, err := NewSampler(set, SamplerConfig{BagsPerStep: 4, BagCap: 4, Seed: 1})
	require.NoError(t, err)
	batch := s.Next()
	for _, b := range batch.Bags {
		require.LessOrEqual(t, b.Size(), 4)
		seen := make(map[int]bool)
		for _, c := range b.Cells {
			require.False(t, seen[c], "cap subsampling must not repeat cells")
			seen[c] = true
		}
	}

	// PadResample: bags below the floor are padded up to it.
	s, err = NewSampler(set, SamplerConfig{BagsPerStep: 4, BagFloor: 3, Seed: 1})
	require.NoError(t, err)
	batch = s.Next()
	require.Len(t, batch.Bags, 4)
	for _, b := range batch.Bags {
		require.GreaterOrEqual(t, b.Size(), 3)
	}

	// ExcludeBag: under-floor bags are dropped, the rest survive.
	s, err = NewSampler(set, SamplerConfig{BagsPerStep: 4, BagFloor: 3, UnderFloor: ExcludeBag, Seed: 1})
	require.NoError(t, err)
	batch = s.Next()
	require.Len(t, batch.Bags, 2)
	for _, b := range batch.Bags {
		require.GreaterOrEqual(t, b.Size(), 3)
	}

	// Even if every drawn bag is under floor, a batch still has work.
	s, err = NewSampler(set, SamplerConfig{BagsPerStep: 4, BagFloor: 100, UnderFloor: ExcludeBag, Seed: 1})
	require.NoError(t, err)
	batch = s.Next()
	require.Len(t, batch.Bags, 1)
	require.Equal(t, 7, batch.Bags[0].Size())
}

func TestAllCellsBatch(t *testing.T) {
	table := bagTable(t, 3, 1, 2)
	set, err := NewBagSet(table, nil)
	require.NoError(t, err)
	batch := set.AllCellsBatch()
	require.Equal(t, []int{0, 1, 2, 3, 4, 5}, batch.CellIndices)
	require.Equal(t, []int32{0, 0, 0, 1, 2, 2}, batch.BagOf)
	require.Len(t, batch.Bags, 3)
}

func TestLabelTensors(t *testing.T) {
	table := bagTable(t, 2, 2)
	set, err := NewBagSet(table, map[string][]Label{
		"a": {ClassLabel(1)},
	})
	require.NoError(t, err)
	batch := set.AllCellsBatch()
	out := batch.LabelTensors(1)
	require.Len(t, out, 2)
	// target then mask, one pair per task; sample "b" is unlabeled.
	require.Equal(t, []float32{1, 0}, tensors.CopyFlatData[float32](out[0]))
	require.Equal(t, []float32{1, 0}, tensors.CopyFlatData[float32](out[1]))
}

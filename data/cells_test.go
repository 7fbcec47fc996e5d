package data

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func twoModalityTable(t *testing.T) *CellTable {
	t.Helper()
	// 4 cells over 2 samples; cell 2 is missing the second modality.
	mods := []Modality{
		{Name: "rna", Dim: 3, Values: make([]float32, 4*3)},
		{Name: "adt", Dim: 2, Values: make([]float32, 4*2), Present: []bool{true, true, false, true}},
	}
	for i := range mods[0].Values {
		mods[0].Values[i] = float32(i)
	}
	table, err := NewCellTable(mods,
		[]string{"s1", "s1", "s2", "s2"},
		[]int{0, 0, 1, 1})
	require.NoError(t, err)
	return table
}

func TestNewCellTableValidation(t *testing.T) {
	good := []Modality{{Name: "rna", Dim: 2, Values: make([]float32, 4)}}
	ids := []string{"a", "b"}
	batches := []int{0, 0}

	_, err := NewCellTable(good, ids, batches)
	require.NoError(t, err)

	_, err = NewCellTable(nil, ids, batches)
	require.ErrorIs(t, err, ErrShape)

	_, err = NewCellTable([]Modality{{Name: "rna", Dim: 2, Values: make([]float32, 3)}}, ids, batches)
	require.ErrorIs(t, err, ErrShape)

	_, err = NewCellTable([]Modality{
		{Name: "rna", Dim: 2, Values: make([]float32, 4)},
		{Name: "rna", Dim: 2, Values: make([]float32, 4)},
	}, ids, batches)
	require.ErrorIs(t, err, ErrShape)

	_, err = NewCellTable(good, ids, []int{0, -1})
	require.ErrorIs(t, err, ErrShape)

	// A cell absent from every modality has nothing to fuse.
	_, err = NewCellTable([]Modality{
		{Name: "rna", Dim: 2, Values: make([]float32, 4), Present: []bool{true, false}},
	}, ids, batches)
	require.ErrorIs(t, err, ErrShape)
	require.True(t, errors.Is(err, ErrShape))
}

func TestCellTableAccessors(t *testing.T) {
	table := twoModalityTable(t)
	require.Equal(t, 4, table.NumCells())
	require.Equal(t, 2, table.NumModalities())
	require.Equal(t, []string{"rna", "adt"}, table.ModalityNames())
	require.Equal(t, 1, table.MaxBatchID())
	require.Equal(t, []string{"s1", "s2"}, table.SampleOrder())

	adt := table.ModalityByName("adt")
	require.NotNil(t, adt)
	require.False(t, adt.IsPresent(2))
	require.True(t, adt.IsPresent(3))
	require.Nil(t, table.ModalityByName("atac"))
}

func TestSubsetCopiesRows(t *testing.T) {
	table := twoModalityTable(t)
	sub, err := table.Subset([]int{2, 0})
	require.NoError(t, err)
	require.Equal(t, 2, sub.NumCells())
	require.Equal(t, []string{"s2", "s1"}, sub.SampleIDs)
	require.Equal(t, []int{1, 0}, sub.BatchIDs)
	require.Equal(t, table.Modalities[0].Row(2), sub.Modalities[0].Row(0))
	require.False(t, sub.Modalities[1].IsPresent(0))

	// Mutating the subset must not leak into the source.
	sub.Modalities[0].Values[0] = -99
	require.NotEqual(t, float32(-99), table.Modalities[0].Row(2)[0])

	_, err = table.Subset(nil)
	require.ErrorIs(t, err, ErrShape)
	_, err = table.Subset([]int{7})
	require.ErrorIs(t, err, ErrShape)
}

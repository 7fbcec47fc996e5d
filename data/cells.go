// Package data holds the in-core data model for multimodal single-cell
// integration: a flat arena of cells with per-modality feature blocks and
// presence masks, sample-keyed bags over that arena, and a minibatch sampler
// that feeds gomlx training loops.
//
// The package deliberately knows nothing about on-disk single-cell containers;
// loading, QC and normalization happen upstream and hand this package dense
// float32 matrices with aligned per-cell annotations.
package data

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrShape is the root of all shape/schema errors raised by this package:
// feature widths that do not match the declared modality dimensions,
// annotation slices whose lengths disagree with the number of cells, and so
// on. Callers can test for it with errors.Is. Shape errors are never retried.
var ErrShape = errors.New("shape mismatch")

// Modality is one block of per-cell measurements: a dense row-major matrix of
// N cells by Dim features plus a per-cell presence mask. A cell with
// Present[i] == false was simply not measured in this modality; that is a
// first-class state, not an error, and such rows carry zeros that are never
// read by the model.
type Modality struct {
	// Name identifies the modality (e.g. "rna", "adt", "atac"). Must be
	// unique within a CellTable.
	Name string

	// Dim is the feature width of this modality.
	Dim int

	// Values is the row-major feature buffer, length NumCells*Dim.
	Values []float32

	// Present marks which cells were actually measured in this modality.
	// Length NumCells. A nil mask means all cells are present.
	Present []bool
}

// Row returns the feature slice of cell i. The returned slice aliases the
// underlying buffer and must not be mutated.
func (m *Modality) Row(i int) []float32 {
	return m.Values[i*m.Dim : (i+1)*m.Dim]
}

// IsPresent reports whether cell i was measured in this modality.
func (m *Modality) IsPresent(i int) bool {
	if m.Present == nil {
		return true
	}
	return m.Present[i]
}

// CellTable is the flat arena of cells handed to the model. It is immutable
// after construction: the model and samplers only ever read it.
//
// Cells are addressed by their row index 0..NumCells-1; bags are index lists
// over this arena rather than nested per-sample matrices, so variable-size
// bags never force reallocation or padding of the feature buffers.
type CellTable struct {
	// Modalities in declaration order. The order is part of the schema: the
	// model binds encoder/decoder banks to modalities positionally.
	Modalities []Modality

	// SampleIDs assigns every cell to exactly one sample. Length NumCells.
	SampleIDs []string

	// BatchIDs is the technical-covariate (batch) index per cell, a
	// non-negative category. Length NumCells.
	BatchIDs []int

	numCells int
}

// NewCellTable validates and assembles a cell arena. It checks that every
// modality buffer has a consistent width, that presence masks and annotations
// are aligned with the number of cells, and that every cell is observed in at
// least one modality. Violations return an error wrapping ErrShape.
func NewCellTable(modalities []Modality, sampleIDs []string, batchIDs []int) (*CellTable, error) {
	if len(modalities) == 0 {
		return nil, errors.Wrap(ErrShape, "at least one modality is required")
	}
	n := len(sampleIDs)
	if n == 0 {
		return nil, errors.Wrap(ErrShape, "cell table has no cells")
	}
	if len(batchIDs) != n {
		return nil, errors.Wrapf(ErrShape, "batchIDs has %d entries, want %d", len(batchIDs), n)
	}

	seen := make(map[string]bool, len(modalities))
	for i := range modalities {
		m := &modalities[i]
		if m.Name == "" {
			return nil, errors.Wrapf(ErrShape, "modality %d has an empty name", i)
		}
		if seen[m.Name] {
			return nil, errors.Wrapf(ErrShape, "duplicate modality name %q", m.Name)
		}
		seen[m.Name] = true
		if m.Dim <= 0 {
			return nil, errors.Wrapf(ErrShape, "modality %q has non-positive dim %d", m.Name, m.Dim)
		}
		if len(m.Values) != n*m.Dim {
			return nil, errors.Wrapf(ErrShape,
				"modality %q has %d values, want %d cells x %d features = %d",
				m.Name, len(m.Values), n, m.Dim, n*m.Dim)
		}
		if m.Present != nil && len(m.Present) != n {
			return nil, errors.Wrapf(ErrShape,
				"modality %q presence mask has %d entries, want %d", m.Name, len(m.Present), n)
		}
	}

	for _, b := range batchIDs {
		if b < 0 {
			return nil, errors.Wrapf(ErrShape, "negative batch id %d", b)
		}
	}

	// Every cell must be observed somewhere, otherwise fusion has nothing
	// to fuse for it.
	for i := 0; i < n; i++ {
		any := false
		for j := range modalities {
			if modalities[j].IsPresent(i) {
				any = true
				break
			}
		}
		if !any {
			return nil, errors.Wrapf(ErrShape, "cell %d is absent from every modality", i)
		}
	}

	return &CellTable{
		Modalities: modalities,
		SampleIDs:  sampleIDs,
		BatchIDs:   batchIDs,
		numCells:   n,
	}, nil
}

// NumCells returns the number of cells in the arena.
func (t *CellTable) NumCells() int { return t.numCells }

// NumModalities returns the number of modality blocks.
func (t *CellTable) NumModalities() int { return len(t.Modalities) }

// ModalityNames returns the modality names in declaration order.
func (t *CellTable) ModalityNames() []string {
	names := make([]string, len(t.Modalities))
	for i := range t.Modalities {
		names[i] = t.Modalities[i].Name
	}
	return names
}

// ModalityByName returns the modality block with the given name, or nil.
func (t *CellTable) ModalityByName(name string) *Modality {
	for i := range t.Modalities {
		if t.Modalities[i].Name == name {
			return &t.Modalities[i]
		}
	}
	return nil
}

// MaxBatchID returns the largest batch index present in the table. Useful for
// sizing batch-embedding tables and for detecting unseen batches in query
// data.
func (t *CellTable) MaxBatchID() int {
	maxID := 0
	for _, b := range t.BatchIDs {
		if b > maxID {
			maxID = b
		}
	}
	return maxID
}

// SampleOrder returns the distinct sample IDs in order of first appearance in
// the table. This is the canonical sample ordering used for predictions and
// attention-weight outputs.
func (t *CellTable) SampleOrder() []string {
	seen := make(map[string]bool)
	order := make([]string, 0)
	for _, id := range t.SampleIDs {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	return order
}

// Subset returns a new CellTable containing only the cells at the given arena
// indices, in the given order. Feature rows are copied, not aliased.
func (t *CellTable) Subset(indices []int) (*CellTable, error) {
	if len(indices) == 0 {
		return nil, errors.Wrap(ErrShape, "empty subset")
	}
	for _, idx := range indices {
		if idx < 0 || idx >= t.numCells {
			return nil, errors.Wrapf(ErrShape, "subset index %d out of range [0,%d)", idx, t.numCells)
		}
	}

	mods := make([]Modality, len(t.Modalities))
	for j := range t.Modalities {
		src := &t.Modalities[j]
		dst := Modality{
			Name:    src.Name,
			Dim:     src.Dim,
			Values:  make([]float32, len(indices)*src.Dim),
			Present: make([]bool, len(indices)),
		}
		for i, idx := range indices {
			copy(dst.Values[i*src.Dim:(i+1)*src.Dim], src.Row(idx))
			dst.Present[i] = src.IsPresent(idx)
		}
		mods[j] = dst
	}

	sampleIDs := make([]string, len(indices))
	batchIDs := make([]int, len(indices))
	for i, idx := range indices {
		sampleIDs[i] = t.SampleIDs[idx]
		batchIDs[i] = t.BatchIDs[idx]
	}
	return NewCellTable(mods, sampleIDs, batchIDs)
}

// groupBySample builds the sample -> cell-index mapping for the table, with
// samples ordered by first appearance so the grouping is deterministic.
func (t *CellTable) groupBySample() ([]string, map[string][]int) {
	groups := make(map[string][]int)
	for i, id := range t.SampleIDs {
		groups[id] = append(groups[id], i)
	}
	order := t.SampleOrder()
	// Cell indices within each group are already ascending by construction;
	// keep them sorted so downstream subsampling is reproducible even if
	// callers permute their input tables.
	for _, idx := range groups {
		sort.Ints(idx)
	}
	return order, groups
}

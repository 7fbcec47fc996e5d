package data

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Label is one weak label slot for one sample under one task. Categorical
// tasks use Class (>= 0); continuous tasks use Value. Present distinguishes a
// genuine label from a missing one: a missing label contributes exactly zero
// loss for its task, it never fails a training step.
type Label struct {
	Class   int
	Value   float64
	Present bool
}

// MissingLabel returns the explicit missing-label marker.
func MissingLabel() Label { return Label{Class: -1, Present: false} }

// ClassLabel returns a present categorical label.
func ClassLabel(class int) Label { return Label{Class: class, Present: true} }

// ValueLabel returns a present continuous label.
func ValueLabel(v float64) Label { return Label{Class: -1, Value: v, Present: true} }

// Bag is the unit of weak supervision: all cells of one sample, referenced by
// arena index into the CellTable the bag was built from, plus the sample's
// label slots (one per task).
type Bag struct {
	SampleID string

	// Cells are ascending arena indices of the member cells.
	Cells []int

	// Labels holds one slot per configured task. May be shorter than the
	// task list only if the sample has no labels at all (treated as all
	// missing).
	Labels []Label
}

// Size returns the number of member cells.
func (b *Bag) Size() int { return len(b.Cells) }

// LabelAt returns the label slot for task t, or the missing marker when the
// bag carries no slot for it.
func (b *Bag) LabelAt(t int) Label {
	if t < 0 || t >= len(b.Labels) {
		return MissingLabel()
	}
	return b.Labels[t]
}

// BagSet partitions a CellTable into bags keyed by sample identifier. The
// grouping is deterministic: bags appear in order of the sample's first
// appearance in the table, and member indices are ascending.
type BagSet struct {
	Table *CellTable
	Bags  []Bag

	byID map[string]*Bag
}

// NewBagSet groups the table by sample ID and attaches the given per-sample
// labels. labels maps sample ID to its task label slots; samples absent from
// the map get all-missing labels (they still contribute reconstruction and
// latent-regularization terms during training, just no classification loss).
func NewBagSet(table *CellTable, labels map[string][]Label) (*BagSet, error) {
	if table == nil {
		return nil, errors.New("cell table is nil")
	}
	order, groups := table.groupBySample()

	bs := &BagSet{
		Table: table,
		Bags:  make([]Bag, 0, len(order)),
		byID:  make(map[string]*Bag, len(order)),
	}
	for _, id := range order {
		bag := Bag{SampleID: id, Cells: groups[id]}
		if slots, ok := labels[id]; ok {
			bag.Labels = append([]Label(nil), slots...)
		}
		bs.Bags = append(bs.Bags, bag)
	}
	for i := range bs.Bags {
		bs.byID[bs.Bags[i].SampleID] = &bs.Bags[i]
	}
	return bs, nil
}

// NumBags returns the number of bags (samples).
func (s *BagSet) NumBags() int { return len(s.Bags) }

// BagByID returns the bag for a sample ID, or nil if unknown.
func (s *BagSet) BagByID(id string) *Bag { return s.byID[id] }

// UnderFloorPolicy selects what the sampler does with bags smaller than the
// configured floor.
type UnderFloorPolicy int

const (
	// PadResample pads an under-floor bag up to the floor by resampling its
	// own cells with replacement. The bag's label still applies to every
	// drawn cell, so the weak-supervision contract is preserved.
	PadResample UnderFloorPolicy = iota

	// ExcludeBag drops under-floor bags from the minibatch entirely.
	ExcludeBag
)

// SamplerConfig controls minibatch construction from a BagSet.
type SamplerConfig struct {
	// BagsPerStep is the number of bags drawn per minibatch. Default 8,
	// clasped to the number of available bags.
	BagsPerStep int

	// BagFloor is the minimum cells per sampled bag. Bags below it are
	// handled per UnderFloor. Default 1 (no floor).
	BagFloor int

	// BagCap is the maximum cells per sampled bag; larger bags are
	// subsampled without replacement down to the cap to bound memory.
	// Zero means no cap.
	BagCap int

	// UnderFloor selects the under-floor policy. Default PadResample.
	UnderFloor UnderFloorPolicy

	// Seed makes bag ordering and subsampling reproducible. Zero selects
	// seed 1 rather than a time-based seed: training runs should be
	// reproducible unless the caller explicitly randomizes.
	Seed int64
}

// Batch is one sampled minibatch of bags, flattened back into a contiguous
// cell list. Cells of one bag are contiguous and BagOf maps each minibatch
// row to its bag index 0..len(Bags)-1.
type Batch struct {
	// CellIndices are arena indices into the source CellTable, bag-contiguous.
	CellIndices []int

	// BagOf[i] is the bag index of minibatch row i.
	BagOf []int32

	// Bags are the sampled bags in minibatch order (post floor/cap policy;
	// Cells fields here are the subsampled arena indices actually used).
	Bags []Bag
}

// NumCells returns the number of minibatch rows.
func (b *Batch) NumCells() int { return len(b.CellIndices) }

// Sampler draws minibatches of bags from a BagSet with deterministic
// shuffling and subsampling. It is the bag-constructor half of the training
// loop: the gomlx adapter in dataset.go turns its batches into tensors.
//
// Sampler is not safe for concurrent use; the training loop is step
// serialized anyway.
type Sampler struct {
	Set *BagSet
	Cfg SamplerConfig

	rng    *rand.Rand
	order  []int
	cursor int
	epoch  int
}

// NewSampler validates the config, fills defaults and returns a ready
// sampler positioned at the start of epoch zero.
func NewSampler(set *BagSet, cfg SamplerConfig) (*Sampler, error) {
	if set == nil || set.NumBags() == 0 {
		return nil, errors.New("bag set is nil or empty")
	}
	if cfg.BagsPerStep <= 0 {
		cfg.BagsPerStep = 8
	}
	if cfg.BagsPerStep > set.NumBags() {
		cfg.BagsPerStep = set.NumBags()
	}
	if cfg.BagFloor <= 0 {
		cfg.BagFloor = 1
	}
	if cfg.BagCap < 0 {
		return nil, errors.Errorf("negative bag cap %d", cfg.BagCap)
	}
	if cfg.BagCap > 0 && cfg.BagFloor > cfg.BagCap {
		return nil, errors.Errorf("bag floor %d exceeds bag cap %d", cfg.BagFloor, cfg.BagCap)
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}

	s := &Sampler{
		Set: set,
		Cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	s.reshuffle()
	return s, nil
}

// reshuffle starts a fresh pass over the bags in a new random order.
func (s *Sampler) reshuffle() {
	n := s.Set.NumBags()
	if s.order == nil {
		s.order = make([]int, n)
		for i := range s.order {
			s.order[i] = i
		}
	}
	s.rng.Shuffle(n, func(i, j int) {
		s.order[i], s.order[j] = s.order[j], s.order[i]
	})
	s.cursor = 0
}

// Epoch returns the number of completed passes over the bag set.
func (s *Sampler) Epoch() int { return s.epoch }

// Reset rewinds the sampler to the start of epoch zero with the original
// seed, reproducing the exact same sequence of minibatches.
func (s *Sampler) Reset() {
	s.rng = rand.New(rand.NewSource(s.Cfg.Seed))
	s.epoch = 0
	s.reshuffle()
}

// Next draws the next minibatch. It never fails once the sampler is
// constructed: an epoch boundary triggers a reshuffle, and the under-floor
// policy guarantees at least one bag per batch (ExcludeBag falls back to
// including the least-undersized bag when a draw would otherwise be empty).
func (s *Sampler) Next() *Batch {
	picked := make([]int, 0, s.Cfg.BagsPerStep)
	for len(picked) < s.Cfg.BagsPerStep {
		if s.cursor >= len(s.order) {
			s.epoch++
			s.reshuffle()
		}
		picked = append(picked, s.order[s.cursor])
		s.cursor++
	}

	batch := &Batch{}
	for _, bagIdx := range picked {
		src := &s.Set.Bags[bagIdx]
		cells := s.drawCells(src)
		if cells == nil {
			continue // excluded by the under-floor policy
		}
		b := Bag{SampleID: src.SampleID, Cells: cells, Labels: src.Labels}
		bagPos := int32(len(batch.Bags))
		batch.Bags = append(batch.Bags, b)
		for _, c := range cells {
			batch.CellIndices = append(batch.CellIndices, c)
			batch.BagOf = append(batch.BagOf, bagPos)
		}
	}

	if len(batch.Bags) == 0 {
		// Every drawn bag was under floor with ExcludeBag. Deterministically
		// keep the largest of the drawn bags so a step always has work.
		best := picked[0]
		for _, bagIdx := range picked {
			if s.Set.Bags[bagIdx].Size() > s.Set.Bags[best].Size() {
				best = bagIdx
			}
		}
		src := &s.Set.Bags[best]
		b := Bag{SampleID: src.SampleID, Cells: append([]int(nil), src.Cells...), Labels: src.Labels}
		batch.Bags = append(batch.Bags, b)
		for _, c := range b.Cells {
			batch.CellIndices = append(batch.CellIndices, c)
			batch.BagOf = append(batch.BagOf, 0)
		}
	}
	return batch
}

// drawCells applies the floor/cap policy to one bag and returns the arena
// indices to use, or nil when the bag is excluded.
func (s *Sampler) drawCells(b *Bag) []int {
	n := b.Size()
	switch {
	case s.Cfg.BagCap > 0 && n > s.Cfg.BagCap:
		// Subsample without replacement down to the cap.
		perm := s.rng.Perm(n)[:s.Cfg.BagCap]
		cells := make([]int, s.Cfg.BagCap)
		for i, p := range perm {
			cells[i] = b.Cells[p]
		}
		return cells
	case n < s.Cfg.BagFloor:
		if s.Cfg.UnderFloor == ExcludeBag {
			return nil
		}
		// Pad by resampling with replacement up to the floor.
		cells := append([]int(nil), b.Cells...)
		for len(cells) < s.Cfg.BagFloor {
			cells = append(cells, b.Cells[s.rng.Intn(n)])
		}
		return cells
	default:
		return append([]int(nil), b.Cells...)
	}
}

// AllCellsBatch returns the whole bag set as one batch in canonical order
// (samples by first appearance, cells ascending), with no subsampling. Used
// for inference: latent extraction and per-sample prediction.
func (s *BagSet) AllCellsBatch() *Batch {
	batch := &Batch{}
	for i := range s.Bags {
		src := &s.Bags[i]
		bagPos := int32(len(batch.Bags))
		batch.Bags = append(batch.Bags, Bag{
			SampleID: src.SampleID,
			Cells:    append([]int(nil), src.Cells...),
			Labels:   src.Labels,
		})
		for _, c := range src.Cells {
			batch.CellIndices = append(batch.CellIndices, c)
			batch.BagOf = append(batch.BagOf, bagPos)
		}
	}
	return batch
}

package data

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Tensor packing: turns sampled batches into the gomlx tensors the model's
// graphs consume. The layout contract shared with the model package is:
//
//	inputs:  feats[0..M)   [n, dim_m] float32, one per modality,
//	         presence[0..M) [n] float32, one per modality,
//	         batchIDs       [n] int32,
//	         (bag batches)  bagOf [n] int32, bagSizes [numBags] float32
//	labels:  per task: target [numBags] float32, mask [numBags] float32
//
// Cell order inside a batch is whatever the batch's CellIndices say; the
// model never reorders rows, so outputs stay aligned with the batch.

// RowOrderBatch returns a bagless batch covering every cell in table row
// order. Used for per-cell latent extraction, where the output contract
// requires one latent row per input cell in input order.
func (t *CellTable) RowOrderBatch() *Batch {
	b := &Batch{CellIndices: make([]int, t.numCells)}
	for i := range b.CellIndices {
		b.CellIndices[i] = i
	}
	return b
}

// CoreTensors packs the batch's cells from the arena into per-modality
// feature and presence tensors plus the batch-index tensor.
func (b *Batch) CoreTensors(table *CellTable) ([]*tensors.Tensor, error) {
	if table == nil {
		return nil, errors.New("cell table is nil")
	}
	n := len(b.CellIndices)
	if n == 0 {
		return nil, errors.Wrap(ErrShape, "batch has no cells")
	}
	for _, idx := range b.CellIndices {
		if idx < 0 || idx >= table.numCells {
			return nil, errors.Wrapf(ErrShape, "batch cell index %d out of range [0,%d)", idx, table.numCells)
		}
	}

	out := make([]*tensors.Tensor, 0, 2*len(table.Modalities)+1)
	for j := range table.Modalities {
		mod := &table.Modalities[j]
		flat := make([]float32, n*mod.Dim)
		for i, idx := range b.CellIndices {
			copy(flat[i*mod.Dim:(i+1)*mod.Dim], mod.Row(idx))
		}
		out = append(out, tensors.FromFlatDataAndDimensions(flat, n, mod.Dim))
	}
	for j := range table.Modalities {
		mod := &table.Modalities[j]
		pres := make([]float32, n)
		for i, idx := range b.CellIndices {
			if mod.IsPresent(idx) {
				pres[i] = 1
			}
		}
		out = append(out, tensors.FromFlatDataAndDimensions(pres, n))
	}
	batchIdx := make([]int32, n)
	for i, idx := range b.CellIndices {
		batchIdx[i] = int32(table.BatchIDs[idx])
	}
	out = append(out, tensors.FromFlatDataAndDimensions(batchIdx, n))
	return out, nil
}

// BagTensors packs the bag-membership vector and the per-bag sizes.
func (b *Batch) BagTensors() []*tensors.Tensor {
	bagOf := append([]int32(nil), b.BagOf...)
	sizes := make([]float32, len(b.Bags))
	for i := range b.Bags {
		sizes[i] = float32(b.Bags[i].Size())
	}
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(bagOf, len(bagOf)),
		tensors.FromFlatDataAndDimensions(sizes, len(sizes)),
	}
}

// LabelTensors packs per-task target and mask vectors for the batch's bags.
// Missing labels get mask zero; their target slot is arbitrary and never
// contributes to the loss.
func (b *Batch) LabelTensors(numTasks int) []*tensors.Tensor {
	numBags := len(b.Bags)
	out := make([]*tensors.Tensor, 0, 2*numTasks)
	for t := 0; t < numTasks; t++ {
		target := make([]float32, numBags)
		mask := make([]float32, numBags)
		for i := range b.Bags {
			l := b.Bags[i].LabelAt(t)
			if !l.Present {
				continue
			}
			mask[i] = 1
			if l.Class >= 0 {
				target[i] = float32(l.Class)
			} else {
				target[i] = float32(l.Value)
			}
		}
		out = append(out,
			tensors.FromFlatDataAndDimensions(target, numBags),
			tensors.FromFlatDataAndDimensions(mask, numBags))
	}
	return out
}

// Dataset streams sampled bag minibatches as tensors. It follows the
// Name/Yield/Reset shape of gomlx's train.Dataset so it can plug into gomlx
// training loops. The yielded spec is the Dataset itself: specs key compiled
// graph caches, so they must be stable across steps. The batch behind the
// most recent Yield stays readable through Last, which the training loop
// uses to identify the offending bags when a step goes non-finite.
type Dataset struct {
	Table    *CellTable
	Sampler  *Sampler
	NumTasks int

	// Last is the batch produced by the most recent Yield.
	Last *Batch
}

// NewDataset bundles a table and a sampler over it.
func NewDataset(table *CellTable, sampler *Sampler, numTasks int) (*Dataset, error) {
	if table == nil || sampler == nil {
		return nil, errors.New("table and sampler are required")
	}
	if sampler.Set.Table != table {
		return nil, errors.New("sampler was built over a different table")
	}
	if numTasks < 0 {
		return nil, errors.Errorf("negative task count %d", numTasks)
	}
	return &Dataset{Table: table, Sampler: sampler, NumTasks: numTasks}, nil
}

// Name identifies the dataset in logs.
func (d *Dataset) Name() string { return "bags" }

// Yield produces the next minibatch. The stream is infinite: epoch
// boundaries reshuffle rather than terminate, and the training loop decides
// how many steps to run.
func (d *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch := d.Sampler.Next()
	core, err := batch.CoreTensors(d.Table)
	if err != nil {
		return nil, nil, nil, err
	}
	d.Last = batch
	inputs = append(core, batch.BagTensors()...)
	labels = batch.LabelTensors(d.NumTasks)
	return d, inputs, labels, nil
}

// Reset rewinds the underlying sampler to its seeded start.
func (d *Dataset) Reset() { d.Sampler.Reset() }

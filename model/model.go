package model

import (
	"math/rand"
	"strings"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/cytomil/cytomil/data"
)

// ScopeBatchEmbed and ScopeBatchEmbedExt are the variable scopes of the base
// and extension batch-embedding tables. The extension scope is the only scope
// left trainable by default during reference extension.
const (
	ScopeBatchEmbed    = "/batch_embed"
	ScopeBatchEmbedExt = "/batch_embed_ext"
)

// Model owns the gomlx context holding all parameters and the compiled
// inference executors. Parameters are mutated only by optimizer steps driven
// from the trainer package; the inference methods are read-only and may be
// called concurrently with extension fitting, which by construction only
// writes the extension table.
//
// Graph input layout, shared with data.Batch tensor packing (M modalities,
// T tasks):
//
//	core:  feats[0..M) [n,dim_m] f32, presence[0..M) [n] f32, batchIDs [n] i32
//	bags:  bagOf [n] i32, bagSizes [numBags] f32
//	train: klWeight scalar f32 appended after the bag inputs
//	labels: per task, target [numBags] f32 then mask [numBags] f32
type Model struct {
	Cfg Config

	backend backends.Backend
	ctx     *context.Context
	rng     *rand.Rand

	batchEmbed    *context.Variable
	batchEmbedExt *context.Variable
	extBatches    int

	latentExec  *context.Exec
	predictExec *context.Exec
}

// New validates the config, allocates the parameter context and compiles the
// inference executors. The backend is typically the pure-Go simplego backend
// in tests and whatever accelerator backend the caller registered otherwise.
func New(backend backends.Backend, cfg Config) (*Model, error) {
	if backend == nil {
		return nil, errors.New("backend is nil")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Model{
		Cfg:     cfg,
		backend: backend,
		ctx:     context.New(),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
	m.ctx.RngStateFromSeed(cfg.Seed)
	m.batchEmbed = m.ctx.In("batch_embed").VariableWithValue(
		"table", m.gaussianTensor(cfg.NumBatches, cfg.CondDim, 0.02))
	m.buildExecs()
	return m, nil
}

// Context exposes the parameter context; the trainer builds its optimizer
// and step graphs over it.
func (m *Model) Context() *context.Context { return m.ctx }

// Backend returns the execution backend the model was created with.
func (m *Model) Backend() backends.Backend { return m.backend }

// TotalBatches is the number of batch-embedding rows, base plus extension.
func (m *Model) TotalBatches() int { return m.Cfg.NumBatches + m.extBatches }

// gaussianTensor draws a [rows, cols] matrix of N(0, std) entries from the
// model's host RNG; used to initialize embedding tables deterministically.
func (m *Model) gaussianTensor(rows, cols int, std float64) *tensors.Tensor {
	flat := make([]float32, rows*cols)
	for i := range flat {
		flat[i] = float32(m.rng.NormFloat64() * std)
	}
	return tensors.FromFlatDataAndDimensions(flat, rows, cols)
}

// buildExecs (re)compiles the inference executors. Called at construction
// and again after ExtendBatches, since extension changes the embedding
// lookup graph.
func (m *Model) buildExecs() {
	m.latentExec = context.MustNewExec(m.backend, m.ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			mu, logVar, _, _, _ := m.buildCore(ctx, inputs, false)
			return []*Node{mu, logVar}
		})
	m.predictExec = context.MustNewExec(m.backend, m.ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			mod := len(m.Cfg.Modalities)
			mu, _, _, _, _ := m.buildCore(ctx, inputs[:2*mod+1], false)
			bagOf, bagSizes := inputs[2*mod+1], inputs[2*mod+2]
			numBags := bagSizes.Shape().Dimensions[0]
			pooled, attn := m.aggregate(ctx, mu, bagOf, numBags, false)
			heads := m.taskHeads(ctx, pooled)
			return append([]*Node{pooled, attn}, m.taskProbabilities(heads)...)
		})
}

// buildCore runs batch-embedding lookup, the encoder bank and fusion over
// the core inputs. Returns the joint latent moments plus the pieces the
// decode branch needs.
func (m *Model) buildCore(ctx *context.Context, inputs []*Node, training bool) (mu, logVar, cond *Node, feats, presence []*Node) {
	mod := len(m.Cfg.Modalities)
	feats = inputs[:mod]
	presence = inputs[mod : 2*mod]
	batchIdx := inputs[2*mod]

	cond = m.batchEmbedding(batchIdx.Graph(), batchIdx)
	mus, logVars := m.encodeAll(ctx, feats, presence, cond, training)
	mu, logVar = m.fuseLatents(mus, logVars, presence)
	return mu, logVar, cond, feats, presence
}

// BuildTrainGraph assembles the full training forward pass. inputs are the
// core inputs, the bag inputs, then the scalar KL weight (the trainer feeds
// the warmed-up weight every step). Returns
//
//	[priorLoss, reconLoss, klLoss, head_0, ..., head_{T-1}]
//
// where priorLoss = reconLoss + klWeight*klLoss. Loss adds the
// classification term from the labels.
func (m *Model) BuildTrainGraph(ctx *context.Context, inputs []*Node) []*Node {
	return m.buildObjective(ctx, inputs, true)
}

// BuildEvalGraph is BuildTrainGraph without sampling and dropout: the latent
// code is the fused mean. Same input and output layout.
func (m *Model) BuildEvalGraph(ctx *context.Context, inputs []*Node) []*Node {
	return m.buildObjective(ctx, inputs, false)
}

func (m *Model) buildObjective(ctx *context.Context, inputs []*Node, training bool) []*Node {
	mod := len(m.Cfg.Modalities)
	mu, logVar, cond, feats, presence := m.buildCore(ctx, inputs[:2*mod+1], training)
	bagOf, bagSizes, klWeight := inputs[2*mod+1], inputs[2*mod+2], inputs[2*mod+3]

	z := m.reparameterize(ctx, mu, logVar, training)
	outs := m.decodeAll(ctx, z, cond, training)
	recon := m.reconLoss(feats, outs, presence)
	kl := klToPrior(mu, logVar)

	numBags := bagSizes.Shape().Dimensions[0]
	pooled, _ := m.aggregate(ctx, z, bagOf, numBags, training)
	heads := m.taskHeads(ctx, pooled)

	priorLoss := Add(recon, Mul(klWeight, kl))
	return append([]*Node{priorLoss, recon, kl}, heads...)
}

// Loss combines the objective graph's outputs with the per-task labels into
// the scalar training objective:
//
//	total = recon + klWeight*kl + classWeight * sum_t maskedTaskLoss_t
//
// Tasks with no labeled bag in the minibatch contribute exactly zero.
func (m *Model) Loss(labels, predictions []*Node) *Node {
	total := predictions[0]
	if cls := m.classificationLoss(labels, predictions[3:]); cls != nil {
		total = Add(total, MulScalar(cls, m.Cfg.ClassWeight))
	}
	return total
}

// ClassificationTerm returns the unweighted summed per-task classification
// loss for reporting, or a zero constant when no tasks are configured.
func (m *Model) ClassificationTerm(labels, predictions []*Node) *Node {
	if cls := m.classificationLoss(labels, predictions[3:]); cls != nil {
		return cls
	}
	return Const(predictions[0].Graph(), float32(0))
}

// Latents returns the per-cell joint latent means, one row per cell in the
// table's row order. Pure inference: parameters are only read.
func (m *Model) Latents(table *data.CellTable) ([][]float32, error) {
	if err := m.Cfg.CheckTable(table, m.TotalBatches()); err != nil {
		return nil, err
	}
	core, err := table.RowOrderBatch().CoreTensors(table)
	if err != nil {
		return nil, err
	}
	outs, err := CallExec(m.latentExec, core)
	if err != nil {
		return nil, err
	}
	return unflatten(tensors.CopyFlatData[float32](outs[0]), table.NumCells(), m.Cfg.LatentDim), nil
}

// TaskPrediction is one task's per-sample output: class probabilities for
// categorical tasks, raw values for continuous ones.
type TaskPrediction struct {
	Name   string
	Probs  [][]float32
	Values []float64
}

// Prediction is the per-sample output contract: sample IDs in first-appearance
// order, pooled sample embeddings, per-cell attention weights grouped by
// sample (each vector sums to one), and per-task predictions.
type Prediction struct {
	SampleIDs  []string
	Embeddings [][]float32
	Attention  [][]float32
	Tasks      []TaskPrediction
}

// Predict groups the table into bags, pools them and applies every task
// head. Read-only with respect to parameters.
func (m *Model) Predict(table *data.CellTable) (*Prediction, error) {
	if err := m.Cfg.CheckTable(table, m.TotalBatches()); err != nil {
		return nil, err
	}
	set, err := data.NewBagSet(table, nil)
	if err != nil {
		return nil, err
	}
	batch := set.AllCellsBatch()
	core, err := batch.CoreTensors(table)
	if err != nil {
		return nil, err
	}
	outs, err := CallExec(m.predictExec, append(core, batch.BagTensors()...))
	if err != nil {
		return nil, err
	}

	numBags := len(batch.Bags)
	pred := &Prediction{
		SampleIDs:  make([]string, numBags),
		Embeddings: unflatten(tensors.CopyFlatData[float32](outs[0]), numBags, m.Cfg.CondDim),
	}
	for i := range batch.Bags {
		pred.SampleIDs[i] = batch.Bags[i].SampleID
	}

	attnFlat := tensors.CopyFlatData[float32](outs[1])
	pred.Attention = make([][]float32, numBags)
	offset := 0
	for i := range batch.Bags {
		size := batch.Bags[i].Size()
		pred.Attention[i] = append([]float32(nil), attnFlat[offset:offset+size]...)
		offset += size
	}

	for t, tc := range m.Cfg.Tasks {
		tp := TaskPrediction{Name: tc.Name}
		flat := tensors.CopyFlatData[float32](outs[2+t])
		if tc.IsCategorical() {
			tp.Probs = unflatten(flat, numBags, tc.NumClasses)
		} else {
			tp.Values = make([]float64, numBags)
			for i, v := range flat {
				tp.Values[i] = float64(v)
			}
		}
		pred.Tasks = append(pred.Tasks, tp)
	}
	return pred, nil
}

// ExtendBatches adds numNew batch-embedding rows for previously unseen
// batches, appended after the base table so existing batch indices keep
// their meaning. The new rows live in their own variable scope
// (ScopeBatchEmbedExt) so they can remain trainable while everything else is
// frozen. A model can be extended once; extending an already extended model
// is an error rather than a silent table rewrite.
func (m *Model) ExtendBatches(numNew int) error {
	if numNew <= 0 {
		return errors.Errorf("number of new batches must be positive, got %d", numNew)
	}
	if m.batchEmbedExt != nil {
		return errors.New("model already extended with new batch embeddings")
	}
	m.batchEmbedExt = m.ctx.In("batch_embed_ext").VariableWithValue(
		"table", m.gaussianTensor(numNew, m.Cfg.CondDim, 0.02))
	m.extBatches = numNew
	// The embedding lookup graph changed shape; recompile inference execs.
	m.buildExecs()
	return nil
}

// FreezeExcept marks every parameter outside the allowed scope prefixes as
// non-trainable. Resolved once, before fitting starts; the partition is
// never toggled mid-step. Optimizer slots of frozen parameters are left
// untouched: a frozen variable simply receives no update.
func (m *Model) FreezeExcept(allowedScopes ...string) {
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		scope := v.Scope()
		for _, allowed := range allowedScopes {
			if strings.HasPrefix(scope, allowed) {
				return
			}
		}
		v.Trainable = false
	})
}

// CallExec invokes a compiled executor with tensor arguments, wrapping the
// execution engine's error so callers get one consistent error shape.
func CallExec(exec *context.Exec, args []*tensors.Tensor) ([]*tensors.Tensor, error) {
	anyArgs := make([]any, len(args))
	for i, a := range args {
		anyArgs[i] = a
	}
	out, err := exec.Exec(anyArgs...)
	if err != nil {
		return nil, errors.Wrap(err, "graph execution failed")
	}
	return out, nil
}

// unflatten reshapes a flat row-major buffer into rows.
func unflatten(flat []float32, rows, cols int) [][]float32 {
	out := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		out[i] = append([]float32(nil), flat[i*cols:(i+1)*cols]...)
	}
	return out
}

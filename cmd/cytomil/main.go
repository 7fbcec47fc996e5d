// Command cytomil trains the multimodal integration + MIL classification
// model on a synthetic three-modality dataset and writes the loss curves and
// evaluation metrics. It is a smoke-test harness and usage example: real
// pipelines construct data.CellTable from their own loaders and drive the
// model and trainer packages directly.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/cytomil/cytomil/data"
	"github.com/cytomil/cytomil/model"
	"github.com/cytomil/cytomil/trainer"
)

// fileConfig is the JSON-tunable subset of the model configuration. CLI
// flags cover the run parameters; architecture knobs live here so sweeps can
// be driven from config files.
type fileConfig struct {
	LatentDim   int     `json:"latent_dim"`
	HiddenDim   int     `json:"hidden_dim"`
	CondDim     int     `json:"cond_dim"`
	AttnDim     int     `json:"attn_dim"`
	DropoutRate float64 `json:"dropout_rate"`
	KLWeight    float64 `json:"kl_weight"`
	ClassWeight float64 `json:"class_weight"`
	Scoring     string  `json:"scoring"`
	Fusion      string  `json:"fusion"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return &fc, nil
}

func (fc *fileConfig) apply(cfg *model.Config) error {
	cfg.LatentDim = fc.LatentDim
	cfg.HiddenDim = fc.HiddenDim
	cfg.CondDim = fc.CondDim
	cfg.AttnDim = fc.AttnDim
	cfg.DropoutRate = fc.DropoutRate
	cfg.KLWeight = fc.KLWeight
	cfg.ClassWeight = fc.ClassWeight
	switch fc.Scoring {
	case "", "attention":
		cfg.Scoring = model.ScoringAttention
	case "gated":
		cfg.Scoring = model.ScoringGatedAttention
	case "sum":
		cfg.Scoring = model.ScoringSum
	default:
		return errors.Errorf("unknown scoring %q", fc.Scoring)
	}
	switch fc.Fusion {
	case "", "poe":
		cfg.Fusion = model.FusionPoE
	case "mixture":
		cfg.Fusion = model.FusionMixture
	default:
		return errors.Errorf("unknown fusion %q", fc.Fusion)
	}
	return nil
}

// makeSynthetic generates numSamples bags of cells over three modalities
// with a class-dependent mean shift, so the classification task is learnable
// but not trivial. A missingFrac share of cells loses one modality at
// random; a 1-labelFrac share of samples loses its label.
func makeSynthetic(rng *rand.Rand, numSamples, minCells, maxCells, numBatches int,
	dims []int, missingFrac, labelFrac float64) (*data.CellTable, map[string][]data.Label, error) {

	names := []string{"rna", "adt", "atac"}
	var sampleIDs []string
	var batchIDs []int
	var classes []int
	labels := make(map[string][]data.Label, numSamples)

	for s := 0; s < numSamples; s++ {
		id := fmt.Sprintf("sample-%03d", s)
		class := s % 2
		n := minCells + rng.Intn(maxCells-minCells+1)
		batch := rng.Intn(numBatches)
		for c := 0; c < n; c++ {
			sampleIDs = append(sampleIDs, id)
			batchIDs = append(batchIDs, batch)
			classes = append(classes, class)
		}
		if rng.Float64() < labelFrac {
			labels[id] = []data.Label{data.ClassLabel(class)}
		} else {
			labels[id] = []data.Label{data.MissingLabel()}
		}
	}

	numCells := len(sampleIDs)
	mods := make([]data.Modality, len(dims))
	for j, dim := range dims {
		mods[j] = data.Modality{
			Name:    names[j],
			Dim:     dim,
			Values:  make([]float32, numCells*dim),
			Present: make([]bool, numCells),
		}
	}
	for i := 0; i < numCells; i++ {
		shift := float64(classes[i])*2 - 1
		drop := -1
		if rng.Float64() < missingFrac {
			drop = rng.Intn(len(mods))
		}
		for j := range mods {
			if j == drop {
				continue
			}
			mods[j].Present[i] = true
			row := mods[j].Values[i*mods[j].Dim : (i+1)*mods[j].Dim]
			for k := range row {
				row[k] = float32(rng.NormFloat64() + shift*0.5)
			}
		}
	}

	table, err := data.NewCellTable(mods, sampleIDs, batchIDs)
	if err != nil {
		return nil, nil, err
	}
	return table, labels, nil
}

func run() error {
	configPath := flag.String("config", "", "optional JSON file with architecture tunables")
	samples := flag.Int("samples", 40, "number of synthetic samples (bags)")
	minCells := flag.Int("min-cells", 20, "minimum cells per sample")
	maxCells := flag.Int("max-cells", 120, "maximum cells per sample")
	batches := flag.Int("batches", 3, "number of technical batches")
	missingFrac := flag.Float64("missing-frac", 0.2, "fraction of cells missing one modality")
	labelFrac := flag.Float64("label-frac", 0.7, "fraction of samples carrying a label")
	epochs := flag.Int("epochs", 20, "training epochs")
	learningRate := flag.Float64("learning-rate", 1e-3, "Adam learning rate")
	klWarmup := flag.Int("kl-warmup", 50, "KL warmup length in steps (0 disables)")
	bagsPerStep := flag.Int("bags-per-step", 8, "bags per minibatch")
	bagCap := flag.Int("bag-cap", 100, "max cells drawn per bag (0 = no cap)")
	seed := flag.Int64("seed", 42, "random seed for data, init and sampling")
	lossPlot := flag.String("loss-plot", "losses.png", "output path for the loss-curve plot ('' disables)")
	klog.InitFlags(nil)
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	table, labels, err := makeSynthetic(rng, *samples, *minCells, *maxCells, *batches,
		[]int{50, 10, 5}, *missingFrac, *labelFrac)
	if err != nil {
		return err
	}
	klog.Infof("synthetic dataset: %s cells in %d samples, %d batches",
		humanize.Comma(int64(table.NumCells())), *samples, *batches)

	cfg := model.Config{
		Modalities: []model.ModalityConfig{
			{Name: "rna", Dim: 50, Likelihood: model.LikGaussian},
			{Name: "adt", Dim: 10, Likelihood: model.LikGaussian},
			{Name: "atac", Dim: 5, Likelihood: model.LikGaussian},
		},
		Tasks:      []model.TaskConfig{{Name: "condition", NumClasses: 2}},
		NumBatches: *batches,
		Seed:       *seed,
	}
	if *configPath != "" {
		fc, err := loadFileConfig(*configPath)
		if err != nil {
			return err
		}
		if err := fc.apply(&cfg); err != nil {
			return err
		}
	}

	m, err := model.New(backends.MustNew(), cfg)
	if err != nil {
		return err
	}

	set, err := data.NewBagSet(table, labels)
	if err != nil {
		return err
	}
	sampler, err := data.NewSampler(set, data.SamplerConfig{
		BagsPerStep: *bagsPerStep,
		BagCap:      *bagCap,
		Seed:        *seed,
	})
	if err != nil {
		return err
	}
	ds, err := data.NewDataset(table, sampler, len(cfg.Tasks))
	if err != nil {
		return err
	}

	var schedule trainer.Schedule = trainer.Constant(m.Cfg.KLWeight)
	if *klWarmup > 0 {
		schedule = trainer.LinearWarmup{Target: m.Cfg.KLWeight, Steps: *klWarmup}
	}
	t, err := trainer.New(m, ds, trainer.Config{
		Epochs:       *epochs,
		LearningRate: *learningRate,
		KL:           schedule,
		LogEvery:     20,
	})
	if err != nil {
		return err
	}
	if err := t.Fit(); err != nil {
		return err
	}

	metrics, err := trainer.Evaluate(m, set)
	if err != nil {
		return err
	}
	for _, tm := range metrics.Tasks {
		klog.Infof("task %q: accuracy %.3f over %d labeled samples", tm.Name, tm.Accuracy, tm.Labeled)
	}

	if *lossPlot != "" {
		if err := trainer.SaveLossPlot(t.History, *lossPlot); err != nil {
			return err
		}
		klog.Infof("loss curves written to %s", *lossPlot)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cytomil: %+v\n", err)
		os.Exit(1)
	}
}

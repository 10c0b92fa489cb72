package cmd

import (
	"math/rand"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"lmtrainers/pkg/data"
	"lmtrainers/pkg/nn"
	"lmtrainers/pkg/optim"
	"lmtrainers/pkg/training"
)

var electraFlags struct {
	corpus      string
	dataset     string
	vocabFile   string
	savePath    string
	vocabSize   int
	embedDim    int
	genHidden   int
	discHidden  int
	steps       int
	batchSize   int
	maxLen      int
	lr          float64
	warmup      int
	weightDecay float64
	dLossWeight float64
	mlmProb     float64
	randReplace bool
	seed        int64
	valEvery    int
	logEvery    int
	tie         bool
}

var electraCmd = &cobra.Command{
	Use:   "electra",
	Short: "Pretrain a generator/discriminator pair with replaced-token detection",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runElectra()
	},
}

func init() {
	f := electraCmd.Flags()
	f.StringVar(&electraFlags.corpus, "corpus", "", "text corpus, one sequence per line")
	f.StringVar(&electraFlags.dataset, "dataset", "", "pretokenized dataset (gob)")
	f.StringVar(&electraFlags.vocabFile, "vocab", "", "vocab json saved alongside a pretokenized dataset")
	f.StringVar(&electraFlags.savePath, "save", "", "checkpoint directory, empty disables saving")
	f.IntVar(&electraFlags.vocabSize, "vocab-size", 2000, "max vocabulary size")
	f.IntVar(&electraFlags.embedDim, "embed-dim", 64, "embedding width, shared when tied")
	f.IntVar(&electraFlags.genHidden, "gen-hidden", 64, "generator hidden width")
	f.IntVar(&electraFlags.discHidden, "disc-hidden", 128, "discriminator hidden width")
	f.IntVar(&electraFlags.steps, "steps", 1000, "optimizer steps")
	f.IntVar(&electraFlags.batchSize, "batch-size", 32, "sequences per batch")
	f.IntVar(&electraFlags.maxLen, "seq-len", 128, "max sequence length, 0 for unbounded")
	f.Float64Var(&electraFlags.lr, "lr", 5e-4, "peak learning rate")
	f.IntVar(&electraFlags.warmup, "warmup", 100, "warmup steps")
	f.Float64Var(&electraFlags.weightDecay, "weight-decay", 0.01, "weight decay for the decay group")
	f.Float64Var(&electraFlags.dLossWeight, "d-loss-weight", 50, "discriminator loss weight")
	f.Float64Var(&electraFlags.mlmProb, "mlm-prob", 0.15, "masking probability")
	f.BoolVar(&electraFlags.randReplace, "rand-replace", false, "replace 10% of masked positions with random tokens")
	f.Int64Var(&electraFlags.seed, "seed", 42, "rng seed")
	f.IntVar(&electraFlags.valEvery, "val-every", 200, "validate every N steps, 0 disables")
	f.IntVar(&electraFlags.logEvery, "log-every", 50, "log every N steps")
	f.BoolVar(&electraFlags.tie, "tie-embeddings", true, "share embeddings between generator and discriminator")
	rootCmd.AddCommand(electraCmd)
}

func runElectra() error {
	fl := &electraFlags
	rng := rand.New(rand.NewSource(fl.seed))

	vocab, ds, err := loadCorpus(fl.corpus, fl.dataset, fl.vocabFile, fl.vocabSize)
	if err != nil {
		return err
	}
	trainSet, valSet := ds.Split(0.9)
	if trainSet.Len() == 0 {
		return errors.New("empty training set")
	}

	collater := data.NewCollater(vocab, fl.mlmProb)
	collater.MaxLen = fl.maxLen
	collater.RandReplace = fl.randReplace

	gen, err := nn.NewMaskedLM(nn.MaskedLMConfig{
		VocabSize: vocab.Size(),
		EmbedDim:  fl.embedDim,
		HiddenDim: fl.genHidden,
	}, fl.seed)
	if err != nil {
		return err
	}
	disc, err := nn.NewTokenClassifier(nn.TokenClassifierConfig{
		VocabSize: vocab.Size(),
		EmbedDim:  fl.embedDim,
		HiddenDim: fl.discHidden,
		NumLabels: 2,
	}, fl.seed+1)
	if err != nil {
		return err
	}
	if fl.tie {
		if err := nn.TieEmbeddings(gen, disc); err != nil {
			return err
		}
	}

	cfg := training.NewDiscLMConfig(fl.steps)
	cfg.SavePath = fl.savePath
	cfg.LearningRate = fl.lr
	cfg.WarmupSteps = fl.warmup
	cfg.WeightDecay = fl.weightDecay
	cfg.DLossWeight = fl.dLossWeight

	module, err := training.NewDiscLMTrainingModule(gen, disc, cfg,
		training.WithDiscCheckpointFunc(func(*training.DiscLMTrainingModule) {
			log.Debug("checkpoint callback fired")
		}),
	)
	if err != nil {
		return err
	}
	lamb, sched, err := module.ConfigureOptimizers()
	if err != nil {
		return err
	}

	sink, closeSink, err := openSink(fl.savePath)
	if err != nil {
		return err
	}
	defer closeSink()

	trainLoader, err := data.NewLoader(trainSet, collater, fl.batchSize)
	if err != nil {
		return err
	}
	var valLoader *data.Loader
	if valSet.Len() > 0 {
		if valLoader, err = data.NewLoader(valSet, collater, fl.batchSize); err != nil {
			return err
		}
	}

	params := append(gen.NamedParameters(), disc.NamedParameters()...)
	log.Info("electra pretraining", "steps", fl.steps, "vocab", vocab.Size(),
		"train", trainSet.Len(), "val", valSet.Len(), "tied", fl.tie)

	step, epoch := 0, 0
	for step < fl.steps {
		trainLoader.Reset(rng)
		for step < fl.steps {
			batch, ok, err := trainLoader.Next(rng)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			ctx := &training.StepContext{Step: step, Epoch: epoch, RNG: rng, Schedule: sched, Metrics: sink}
			res, err := module.TrainingStep(ctx, batch)
			if err != nil {
				return err
			}
			if err := gen.Backward(1); err != nil {
				return err
			}
			if err := disc.Backward(cfg.DLossWeight); err != nil {
				return err
			}
			if err := lamb.Step(); err != nil {
				return err
			}
			nn.ZeroGrads(params)
			step++
			if fl.logEvery > 0 && step%fl.logEvery == 0 {
				log.Info("step", "n", step, "loss", res.Loss, "g_loss", res.GLoss,
					"d_loss", res.DLoss, "d_acc", res.DAcc)
			}
			if fl.valEvery > 0 && valLoader != nil && step%fl.valEvery == 0 {
				if err := electraValidate(module, valLoader, sched, sink, rng, epoch, step); err != nil {
					return err
				}
			}
		}
		epoch++
	}

	if fl.savePath != "" {
		if err := gen.SavePretrained(filepath.Join(fl.savePath, "generator", "final")); err != nil {
			return err
		}
		if err := disc.SavePretrained(filepath.Join(fl.savePath, "discriminator", "final")); err != nil {
			return err
		}
		log.Info("saved final models", "dir", fl.savePath)
	}
	return nil
}

func electraValidate(module *training.DiscLMTrainingModule, loader *data.Loader, sched *optim.Schedule, sink training.MetricSink, rng *rand.Rand, epoch, step int) error {
	ctx := &training.StepContext{Step: step, Epoch: epoch, RNG: rng, Schedule: sched, Metrics: sink}
	loader.Reset(nil)
	var results []training.DiscValResult
	for {
		batch, ok, err := loader.Next(rng)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		r, err := module.ValidationStep(ctx, batch)
		if err != nil {
			return err
		}
		results = append(results, r)
	}
	sum, err := module.ValidationEnd(ctx, results)
	if err != nil {
		return err
	}
	log.Info("validation", "step", step, "loss", sum.Loss, "g_loss", sum.GLoss,
		"d_loss", sum.DLoss, "d_acc", sum.DAcc, "ppl", sum.Perplexity)
	return nil
}

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

var mlmFlags struct {
	corpus      string
	dataset     string
	vocabFile   string
	savePath    string
	vocabSize   int
	embedDim    int
	hiddenDim   int
	steps       int
	batchSize   int
	maxLen      int
	lr          float64
	warmup      int
	weightDecay float64
	mlmProb     float64
	randReplace bool
	causal      bool
	seed        int64
	valEvery    int
	logEvery    int
}

var mlmCmd = &cobra.Command{
	Use:   "mlm",
	Short: "Pretrain a single language model with masked-token prediction",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMLM()
	},
}

func init() {
	f := mlmCmd.Flags()
	f.StringVar(&mlmFlags.corpus, "corpus", "", "text corpus, one sequence per line")
	f.StringVar(&mlmFlags.dataset, "dataset", "", "pretokenized dataset (gob)")
	f.StringVar(&mlmFlags.vocabFile, "vocab", "", "vocab json saved alongside a pretokenized dataset")
	f.StringVar(&mlmFlags.savePath, "save", "", "checkpoint directory, empty disables saving")
	f.IntVar(&mlmFlags.vocabSize, "vocab-size", 2000, "max vocabulary size")
	f.IntVar(&mlmFlags.embedDim, "embed-dim", 64, "embedding width")
	f.IntVar(&mlmFlags.hiddenDim, "hidden-dim", 128, "hidden width")
	f.IntVar(&mlmFlags.steps, "steps", 1000, "optimizer steps")
	f.IntVar(&mlmFlags.batchSize, "batch-size", 32, "sequences per batch")
	f.IntVar(&mlmFlags.maxLen, "seq-len", 128, "max sequence length, 0 for unbounded")
	f.Float64Var(&mlmFlags.lr, "lr", 5e-4, "peak learning rate")
	f.IntVar(&mlmFlags.warmup, "warmup", 100, "warmup steps")
	f.Float64Var(&mlmFlags.weightDecay, "weight-decay", 0.01, "weight decay for the decay group")
	f.Float64Var(&mlmFlags.mlmProb, "mlm-prob", 0.15, "masking probability")
	f.BoolVar(&mlmFlags.randReplace, "rand-replace", false, "replace 10% of masked positions with random tokens")
	f.BoolVar(&mlmFlags.causal, "causal", false, "train on unmasked labels instead of masked-token prediction")
	f.Int64Var(&mlmFlags.seed, "seed", 42, "rng seed")
	f.IntVar(&mlmFlags.valEvery, "val-every", 200, "validate every N steps, 0 disables")
	f.IntVar(&mlmFlags.logEvery, "log-every", 50, "log every N steps")
	rootCmd.AddCommand(mlmCmd)
}

func runMLM() error {
	fl := &mlmFlags
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
	collater.MLM = !fl.causal

	model, err := nn.NewMaskedLM(nn.MaskedLMConfig{
		VocabSize: vocab.Size(),
		EmbedDim:  fl.embedDim,
		HiddenDim: fl.hiddenDim,
	}, fl.seed)
	if err != nil {
		return err
	}

	cfg := training.NewLMConfig(fl.steps)
	cfg.MLM = !fl.causal
	cfg.SavePath = fl.savePath
	cfg.SaveOnVal = fl.savePath != ""
	cfg.LearningRate = fl.lr
	cfg.WarmupSteps = fl.warmup
	cfg.WeightDecay = fl.weightDecay

	module, err := training.NewLMTrainingModule(model, cfg,
		training.WithLMCheckpointFunc(func(*training.LMTrainingModule) {
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

	params := model.NamedParameters()
	log.Info("lm pretraining", "steps", fl.steps, "vocab", vocab.Size(),
		"train", trainSet.Len(), "val", valSet.Len(), "mlm", cfg.MLM)

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
			if err := model.Backward(1); err != nil {
				return err
			}
			if err := lamb.Step(); err != nil {
				return err
			}
			nn.ZeroGrads(params)
			step++
			if fl.logEvery > 0 && step%fl.logEvery == 0 {
				log.Info("step", "n", step, "loss", res.Loss, "ppl", res.Perplexity, "acc", res.Accuracy)
			}
			if fl.valEvery > 0 && valLoader != nil && step%fl.valEvery == 0 {
				if err := mlmValidate(module, valLoader, sched, sink, rng, epoch, step); err != nil {
					return err
				}
			}
		}
		epoch++
	}

	if fl.savePath != "" {
		if err := model.SavePretrained(filepath.Join(fl.savePath, "final")); err != nil {
			return err
		}
		log.Info("saved final model", "dir", filepath.Join(fl.savePath, "final"))
	}
	return nil
}

func mlmValidate(module *training.LMTrainingModule, loader *data.Loader, sched *optim.Schedule, sink training.MetricSink, rng *rand.Rand, epoch, step int) error {
	ctx := &training.StepContext{Step: step, Epoch: epoch, RNG: rng, Schedule: sched, Metrics: sink}
	loader.Reset(nil)
	var results []training.ValResult
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
	log.Info("validation", "step", step, "loss", sum.Loss, "acc", sum.Accuracy, "ppl", sum.Perplexity)
	return nil
}

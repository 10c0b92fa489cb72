package training

import (
	"math"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"lmtrainers/pkg/data"
	"lmtrainers/pkg/optim"
)

// LMConfig configures the plain language-modeling module.
type LMConfig struct {
	NumSteps     int     `json:"num_steps"`
	MLM          bool    `json:"mlm"`
	SavePath     string  `json:"save_path"`
	WeightDecay  float64 `json:"weight_decay"`
	LearningRate float64 `json:"learning_rate"`
	Epsilon      float64 `json:"epsilon"`
	WarmupSteps  int     `json:"warmup_steps"`
	SaveOnVal    bool    `json:"save_on_val"`
}

// NewLMConfig returns the defaults: masked LM, lr 5e-5, eps 1e-8, no
// decay, no warmup.
func NewLMConfig(numSteps int) LMConfig {
	return LMConfig{
		NumSteps:     numSteps,
		MLM:          true,
		LearningRate: 5e-5,
		Epsilon:      1e-8,
	}
}

func (c LMConfig) Validate() error {
	if c.NumSteps <= 0 {
		return errors.Errorf("num steps %d must be positive", c.NumSteps)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate %v must be positive", c.LearningRate)
	}
	if c.Epsilon <= 0 {
		return errors.Errorf("epsilon %v must be positive", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay %v negative", c.WeightDecay)
	}
	if c.WarmupSteps < 0 {
		return errors.Errorf("warmup steps %d negative", c.WarmupSteps)
	}
	if c.SaveOnVal && c.SavePath == "" {
		return errors.New("save_on_val set without a save path")
	}
	return nil
}

// LMTrainingModule wraps one language model with per-step training
// semantics: loss, perplexity and accuracy per step, averaged
// validation with a leader-only checkpoint.
type LMTrainingModule struct {
	model        Model
	cfg          LMConfig
	checkpointFn func(*LMTrainingModule)
	logger       *log.Logger
}

type LMOption func(*LMTrainingModule)

// WithLMCheckpointFunc registers a callback invoked after each
// validation checkpoint write, with the module as argument.
func WithLMCheckpointFunc(fn func(*LMTrainingModule)) LMOption {
	return func(m *LMTrainingModule) { m.checkpointFn = fn }
}

func WithLMLogger(l *log.Logger) LMOption {
	return func(m *LMTrainingModule) { m.logger = l }
}

func NewLMTrainingModule(model Model, cfg LMConfig, opts ...LMOption) (*LMTrainingModule, error) {
	if model == nil {
		return nil, errors.New("lm module needs a model")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "lm config")
	}
	m := &LMTrainingModule{model: model, cfg: cfg, logger: log.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *LMTrainingModule) Model() Model     { return m.model }
func (m *LMTrainingModule) Config() LMConfig { return m.cfg }

// StepResult is one training step's metrics. Loss is what the driver
// backpropagates.
type StepResult struct {
	Loss       float64
	Perplexity float64
	Accuracy   float64
}

// ValResult is one validation batch.
type ValResult struct {
	Loss     float64
	Accuracy float64
}

// ValSummary aggregates a validation sweep. Perplexity comes from the
// mean loss, not from averaging per-batch perplexities.
type ValSummary struct {
	Loss       float64
	Accuracy   float64
	Perplexity float64
}

// TrainingStep runs one forward, advances the schedule for the global
// step and emits train metrics. Accuracy covers only positions whose
// label is not the ignore index.
func (m *LMTrainingModule) TrainingStep(ctx *StepContext, b data.Batch) (StepResult, error) {
	if ctx == nil {
		return StepResult{}, errors.New("nil step context")
	}
	out, err := m.model.Forward(b)
	if err != nil {
		return StepResult{}, errors.Wrap(err, "lm training step")
	}
	acc, err := maskedAccuracy(out.Logits, b.Labels)
	if err != nil {
		return StepResult{}, errors.Wrap(err, "lm training step")
	}
	ctx.advance()
	res := StepResult{Loss: out.Loss, Perplexity: math.Exp(out.Loss), Accuracy: acc}
	ctx.scalar("train/loss", res.Loss)
	ctx.scalar("train/perplexity", res.Perplexity)
	ctx.scalar("train/acc", res.Accuracy)
	return res, nil
}

// ValidationStep runs one forward without touching the schedule.
func (m *LMTrainingModule) ValidationStep(ctx *StepContext, b data.Batch) (ValResult, error) {
	if ctx == nil {
		return ValResult{}, errors.New("nil step context")
	}
	out, err := m.model.Forward(b)
	if err != nil {
		return ValResult{}, errors.Wrap(err, "lm validation step")
	}
	acc, err := maskedAccuracy(out.Logits, b.Labels)
	if err != nil {
		return ValResult{}, errors.Wrap(err, "lm validation step")
	}
	return ValResult{Loss: out.Loss, Accuracy: acc}, nil
}

// ValidationEnd averages the sweep, emits val metrics and, on the
// leader with SaveOnVal set, saves the model under
// <save path>/<epoch>-<step> before invoking the checkpoint callback.
func (m *LMTrainingModule) ValidationEnd(ctx *StepContext, results []ValResult) (ValSummary, error) {
	if ctx == nil {
		return ValSummary{}, errors.New("nil step context")
	}
	if len(results) == 0 {
		return ValSummary{}, errors.New("validation end with no results")
	}
	var sum ValSummary
	for _, r := range results {
		sum.Loss += r.Loss
		sum.Accuracy += r.Accuracy
	}
	n := float64(len(results))
	sum.Loss /= n
	sum.Accuracy /= n
	sum.Perplexity = math.Exp(sum.Loss)

	if m.cfg.SaveOnVal && ctx.Rank == 0 {
		dir := stepDir(m.cfg.SavePath, ctx.Epoch, ctx.Step)
		if err := m.model.SavePretrained(dir); err != nil {
			return ValSummary{}, errors.Wrap(err, "save on validation")
		}
		m.logger.Info("saved model", "dir", dir, "step", ctx.Step)
		if m.checkpointFn != nil {
			m.checkpointFn(m)
		}
	}

	ctx.scalar("val_loss", sum.Loss)
	ctx.scalar("val/loss", sum.Loss)
	ctx.scalar("val/acc", sum.Accuracy)
	ctx.scalar("val/perplexity", sum.Perplexity)
	return sum, nil
}

// ConfigureOptimizers partitions parameters into decay/no-decay
// groups and returns Lamb plus the stepwise linear schedule.
func (m *LMTrainingModule) ConfigureOptimizers() (*optim.Lamb, *optim.Schedule, error) {
	groups := optim.Partition(m.model.NamedParameters(), m.cfg.WeightDecay, optim.DefaultNoDecay)
	lamb, err := optim.NewLamb(groups,
		optim.WithLearnRate(m.cfg.LearningRate),
		optim.WithEps(m.cfg.Epsilon),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "configure optimizers")
	}
	sched, err := optim.NewLinearSchedule(lamb, m.cfg.WarmupSteps, m.cfg.NumSteps)
	if err != nil {
		return nil, nil, errors.Wrap(err, "configure optimizers")
	}
	return lamb, sched, nil
}

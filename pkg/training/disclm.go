package training

import (
	"math"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"lmtrainers/pkg/data"
	"lmtrainers/pkg/optim"
	"lmtrainers/pkg/sampling"
)

// DiscLMConfig configures the discriminative module. DLossWeight
// scales the discriminator term in the joint loss; 0 degenerates to a
// plain generator step.
type DiscLMConfig struct {
	NumSteps     int     `json:"num_steps"`
	DLossWeight  float64 `json:"d_loss_weight"`
	SavePath     string  `json:"save_path"`
	WeightDecay  float64 `json:"weight_decay"`
	LearningRate float64 `json:"learning_rate"`
	Epsilon      float64 `json:"epsilon"`
	WarmupSteps  int     `json:"warmup_steps"`
}

// NewDiscLMConfig returns the defaults: discriminator weight 50,
// lr 5e-5, eps 1e-8.
func NewDiscLMConfig(numSteps int) DiscLMConfig {
	return DiscLMConfig{
		NumSteps:     numSteps,
		DLossWeight:  50,
		LearningRate: 5e-5,
		Epsilon:      1e-8,
	}
}

func (c DiscLMConfig) Validate() error {
	if c.NumSteps <= 0 {
		return errors.Errorf("num steps %d must be positive", c.NumSteps)
	}
	if c.DLossWeight < 0 {
		return errors.Errorf("d loss weight %v negative", c.DLossWeight)
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
	return nil
}

// DiscLMTrainingModule trains a generator and a discriminator
// ELECTRA-style: the generator proposes tokens at masked positions,
// the discriminator learns to spot the replacements, and the joint
// loss is gLoss + DLossWeight*dLoss.
type DiscLMTrainingModule struct {
	generator     Model
	discriminator Model
	cfg           DiscLMConfig
	sampler       sampling.Sampler
	checkpointFn  func(*DiscLMTrainingModule)
	logger        *log.Logger
}

type DiscLMOption func(*DiscLMTrainingModule)

// WithSampler replaces the categorical sampler; tests use it to force
// deterministic draws.
func WithSampler(s sampling.Sampler) DiscLMOption {
	return func(m *DiscLMTrainingModule) { m.sampler = s }
}

// WithDiscCheckpointFunc registers a callback invoked after the
// validation checkpoint writes, with the module as argument.
func WithDiscCheckpointFunc(fn func(*DiscLMTrainingModule)) DiscLMOption {
	return func(m *DiscLMTrainingModule) { m.checkpointFn = fn }
}

func WithDiscLogger(l *log.Logger) DiscLMOption {
	return func(m *DiscLMTrainingModule) { m.logger = l }
}

func NewDiscLMTrainingModule(generator, discriminator Model, cfg DiscLMConfig, opts ...DiscLMOption) (*DiscLMTrainingModule, error) {
	if generator == nil || discriminator == nil {
		return nil, errors.New("disc lm module needs a generator and a discriminator")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "disc lm config")
	}
	if g, ok := generator.(VocabSized); ok {
		if d, ok := discriminator.(VocabSized); ok && g.VocabSize() != d.VocabSize() {
			return nil, errors.Errorf("generator vocab %d does not match discriminator vocab %d",
				g.VocabSize(), d.VocabSize())
		}
	}
	m := &DiscLMTrainingModule{
		generator:     generator,
		discriminator: discriminator,
		cfg:           cfg,
		sampler:       sampling.CategoricalSampler{},
		logger:        log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *DiscLMTrainingModule) Generator() Model     { return m.generator }
func (m *DiscLMTrainingModule) Discriminator() Model { return m.discriminator }
func (m *DiscLMTrainingModule) Config() DiscLMConfig { return m.cfg }

// DiscStepResult is one training step. Loss is the joint loss the
// driver backpropagates (generator at scale 1, discriminator at
// DLossWeight).
type DiscStepResult struct {
	Loss  float64
	DLoss float64
	GLoss float64
	DAcc  float64
}

// DiscValResult is one validation batch.
type DiscValResult struct {
	Loss  float64
	DLoss float64
	GLoss float64
	DAcc  float64
}

// DiscValSummary aggregates a validation sweep; Perplexity comes from
// the mean generator loss.
type DiscValSummary struct {
	Loss       float64
	DLoss      float64
	GLoss      float64
	DAcc       float64
	Perplexity float64
}

type discForward struct {
	gLoss   float64
	dLoss   float64
	dScores *tensor.Dense
	dLabels *tensor.Dense
}

// forward is the replaced-token-detection step shared by training and
// validation: generator on the masked batch, sampled replacements at
// masked positions, discriminator on the corrupted copy. The
// discriminator's inputs and labels are fresh tensors, never views of
// the incoming batch.
func (m *DiscLMTrainingModule) forward(ctx *StepContext, b data.Batch) (discForward, error) {
	if err := b.Validate(); err != nil {
		return discForward{}, errors.Wrap(err, "disc lm batch")
	}
	rows, cols, err := b.Dims()
	if err != nil {
		return discForward{}, err
	}

	gOut, err := m.generator.Forward(b)
	if err != nil {
		return discForward{}, errors.Wrap(err, "generator forward")
	}
	gs := gOut.Logits.Shape()
	if len(gs) != 3 || gs[0] != rows || gs[1] != cols {
		return discForward{}, errors.Errorf("generator logits shape %v does not match batch [%d,%d]", gs, rows, cols)
	}

	sampled, err := m.sampler.Sample(ctx.RNG, gOut.Logits)
	if err != nil {
		return discForward{}, errors.Wrap(err, "sample replacements")
	}
	sr, sc, err := data.MatrixShape(sampled)
	if err != nil {
		return discForward{}, errors.Wrap(err, "sampled tokens")
	}
	if sr != rows || sc != cols {
		return discForward{}, errors.Errorf("sampled tokens shape [%d,%d] does not match batch [%d,%d]", sr, sc, rows, cols)
	}
	draws, err := data.Ints(sampled)
	if err != nil {
		return discForward{}, errors.Wrap(err, "sampled tokens")
	}

	dInputs, err := b.CloneInputs()
	if err != nil {
		return discForward{}, err
	}
	dIn, err := data.Ints(dInputs)
	if err != nil {
		return discForward{}, err
	}
	labels, err := data.Ints(b.Labels)
	if err != nil {
		return discForward{}, err
	}

	// dLabels is strictly the masked-position indicator
	dLab := make([]int, rows*cols)
	for i, lab := range labels {
		if lab != data.IgnoreIndex {
			dIn[i] = draws[i]
			dLab[i] = 1
		}
	}
	dBatch := data.Batch{
		Inputs:        dInputs,
		Labels:        data.NewIntMatrix(rows, cols, dLab),
		AttentionMask: b.AttentionMask,
	}

	dOut, err := m.discriminator.Forward(dBatch)
	if err != nil {
		return discForward{}, errors.Wrap(err, "discriminator forward")
	}
	ds := dOut.Logits.Shape()
	if len(ds) != 3 || ds[0] != rows || ds[1] != cols {
		return discForward{}, errors.Errorf("discriminator scores shape %v does not match batch [%d,%d]", ds, rows, cols)
	}

	return discForward{
		gLoss:   gOut.Loss,
		dLoss:   dOut.Loss,
		dScores: dOut.Logits,
		dLabels: dBatch.Labels,
	}, nil
}

// TrainingStep runs the joint step, advances the schedule and emits
// train metrics. Discriminator accuracy covers every position, masked
// or not.
func (m *DiscLMTrainingModule) TrainingStep(ctx *StepContext, b data.Batch) (DiscStepResult, error) {
	if ctx == nil {
		return DiscStepResult{}, errors.New("nil step context")
	}
	fwd, err := m.forward(ctx, b)
	if err != nil {
		return DiscStepResult{}, errors.Wrap(err, "disc lm training step")
	}
	dAcc, err := fullAccuracy(fwd.dScores, fwd.dLabels)
	if err != nil {
		return DiscStepResult{}, errors.Wrap(err, "disc lm training step")
	}
	ctx.advance()
	res := DiscStepResult{
		Loss:  fwd.gLoss + m.cfg.DLossWeight*fwd.dLoss,
		DLoss: fwd.dLoss,
		GLoss: fwd.gLoss,
		DAcc:  dAcc,
	}
	ctx.scalar("train/loss", res.Loss)
	ctx.scalar("train/d_loss", res.DLoss)
	ctx.scalar("train/g_loss", res.GLoss)
	ctx.scalar("train/d_acc", res.DAcc)
	return res, nil
}

// ValidationStep runs the joint forward without touching the
// schedule.
func (m *DiscLMTrainingModule) ValidationStep(ctx *StepContext, b data.Batch) (DiscValResult, error) {
	if ctx == nil {
		return DiscValResult{}, errors.New("nil step context")
	}
	fwd, err := m.forward(ctx, b)
	if err != nil {
		return DiscValResult{}, errors.Wrap(err, "disc lm validation step")
	}
	dAcc, err := fullAccuracy(fwd.dScores, fwd.dLabels)
	if err != nil {
		return DiscValResult{}, errors.Wrap(err, "disc lm validation step")
	}
	return DiscValResult{
		Loss:  fwd.gLoss + m.cfg.DLossWeight*fwd.dLoss,
		DLoss: fwd.dLoss,
		GLoss: fwd.gLoss,
		DAcc:  dAcc,
	}, nil
}

// ValidationEnd averages the sweep and, on the leader, saves both
// models under <save path>/{generator,discriminator}/<epoch>-<step>
// before invoking the checkpoint callback. An empty save path
// disables checkpointing.
func (m *DiscLMTrainingModule) ValidationEnd(ctx *StepContext, results []DiscValResult) (DiscValSummary, error) {
	if ctx == nil {
		return DiscValSummary{}, errors.New("nil step context")
	}
	if len(results) == 0 {
		return DiscValSummary{}, errors.New("validation end with no results")
	}
	var sum DiscValSummary
	for _, r := range results {
		sum.Loss += r.Loss
		sum.DLoss += r.DLoss
		sum.GLoss += r.GLoss
		sum.DAcc += r.DAcc
	}
	n := float64(len(results))
	sum.Loss /= n
	sum.DLoss /= n
	sum.GLoss /= n
	sum.DAcc /= n
	sum.Perplexity = math.Exp(sum.GLoss)

	if ctx.Rank == 0 && m.cfg.SavePath != "" {
		genDir := stepDir(filepath.Join(m.cfg.SavePath, "generator"), ctx.Epoch, ctx.Step)
		if err := m.generator.SavePretrained(genDir); err != nil {
			return DiscValSummary{}, errors.Wrap(err, "save generator")
		}
		discDir := stepDir(filepath.Join(m.cfg.SavePath, "discriminator"), ctx.Epoch, ctx.Step)
		if err := m.discriminator.SavePretrained(discDir); err != nil {
			return DiscValSummary{}, errors.Wrap(err, "save discriminator")
		}
		m.logger.Info("saved models", "generator", genDir, "discriminator", discDir, "step", ctx.Step)
		if m.checkpointFn != nil {
			m.checkpointFn(m)
		}
	}

	ctx.scalar("val_loss", sum.Loss)
	ctx.scalar("val/loss", sum.Loss)
	ctx.scalar("val/d_loss", sum.DLoss)
	ctx.scalar("val/g_loss", sum.GLoss)
	ctx.scalar("val/d_acc", sum.DAcc)
	ctx.scalar("val/perplexity", sum.Perplexity)
	return sum, nil
}

// ConfigureOptimizers builds one Lamb over the union of generator and
// discriminator parameters, tied parameters deduplicated, in
// decay/no-decay groups, plus the stepwise linear schedule.
func (m *DiscLMTrainingModule) ConfigureOptimizers() (*optim.Lamb, *optim.Schedule, error) {
	params := append(m.generator.NamedParameters(), m.discriminator.NamedParameters()...)
	groups := optim.Partition(params, m.cfg.WeightDecay, optim.DefaultNoDecay)
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

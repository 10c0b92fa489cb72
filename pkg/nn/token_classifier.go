package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"lmtrainers/pkg/data"
)

// TokenClassifierConfig sizes the reference discriminator. NumLabels
// defaults to 2, the replaced-token-detection case.
type TokenClassifierConfig struct {
	VocabSize int     `json:"vocab_size"`
	EmbedDim  int     `json:"embed_dim"`
	HiddenDim int     `json:"hidden_dim"`
	NumLabels int     `json:"num_labels"`
	NormEps   float64 `json:"norm_eps,omitempty"`
}

func (c TokenClassifierConfig) Validate() error {
	if c.VocabSize <= 0 || c.EmbedDim <= 0 || c.HiddenDim <= 0 {
		return errors.Errorf("token classifier config needs positive dims, got vocab=%d embed=%d hidden=%d",
			c.VocabSize, c.EmbedDim, c.HiddenDim)
	}
	if c.NumLabels < 2 {
		return errors.Errorf("token classifier needs at least 2 labels, got %d", c.NumLabels)
	}
	return nil
}

// TokenClassifier is the reference discriminator: the shared backbone
// with a NumLabels-wide head. Loss is the mean cross-entropy over
// attention-active positions whose label is not the ignore index.
type TokenClassifier struct {
	cfg  TokenClassifierConfig
	enc  *encoder
	outW *Parameter // [H,C]
	outB *Parameter // [C]

	cache *clsCache
}

type clsCache struct {
	enc    *encCache
	labels []int
	active []bool
	probs  []float32 // [P*C], filled only at active positions
	count  int
}

func NewTokenClassifier(cfg TokenClassifierConfig, seed int64) (*TokenClassifier, error) {
	if cfg.NumLabels == 0 {
		cfg.NumLabels = 2
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	m := &TokenClassifier{
		cfg: cfg,
		enc: newEncoder(rng, cfg.VocabSize, cfg.EmbedDim, cfg.HiddenDim, cfg.NormEps),
	}
	m.outW = glorotParam(rng, "output.weight", cfg.HiddenDim, cfg.NumLabels)
	m.outB = constParam("output.bias", cfg.NumLabels, 0)
	return m, nil
}

func (m *TokenClassifier) Config() TokenClassifierConfig { return m.cfg }
func (m *TokenClassifier) VocabSize() int                { return m.cfg.VocabSize }
func (m *TokenClassifier) NumLabels() int                { return m.cfg.NumLabels }

func (m *TokenClassifier) NamedParameters() []*Parameter {
	return append(m.enc.params(), m.outW, m.outB)
}

// Forward computes scores [B,T,C] and the mean cross-entropy over
// active positions. With a nil attention mask every position is
// active.
func (m *TokenClassifier) Forward(b data.Batch) (Output, error) {
	if err := b.Validate(); err != nil {
		return Output{}, errors.Wrap(err, "token classifier forward")
	}
	rows, cols, err := b.Dims()
	if err != nil {
		return Output{}, err
	}
	tokens, err := data.Ints(b.Inputs)
	if err != nil {
		return Output{}, err
	}
	labels, err := data.Ints(b.Labels)
	if err != nil {
		return Output{}, err
	}
	var mask []float32
	if b.AttentionMask != nil {
		if mask, err = data.Floats(b.AttentionMask); err != nil {
			return Output{}, err
		}
	}

	enc, err := m.enc.forward(tokens)
	if err != nil {
		return Output{}, errors.Wrap(err, "token classifier forward")
	}

	p := rows * cols
	cdim := m.cfg.NumLabels
	hdim := m.cfg.HiddenDim
	outWV := m.outW.Data()
	outBV := m.outB.Data()

	logits := make([]float32, p*cdim)
	for i := 0; i < p; i++ {
		h := enc.h[i*hdim : (i+1)*hdim]
		row := logits[i*cdim : (i+1)*cdim]
		copy(row, outBV)
		for j, hj := range h {
			if hj == 0 {
				continue
			}
			w := outWV[j*cdim : (j+1)*cdim]
			for k := range row {
				row[k] += hj * w[k]
			}
		}
	}

	probs := make([]float32, p*cdim)
	active := make([]bool, p)
	var lossSum float64
	count := 0
	for i := 0; i < p; i++ {
		if mask != nil && mask[i] == 0 {
			continue
		}
		lab := labels[i]
		if lab == data.IgnoreIndex {
			continue
		}
		if lab < 0 || lab >= cdim {
			return Output{}, errors.Errorf("label %d at position %d outside %d classes", lab, i, cdim)
		}
		row := logits[i*cdim : (i+1)*cdim]
		max := row[0]
		for _, x := range row[1:] {
			if x > max {
				max = x
			}
		}
		var sum float64
		pr := probs[i*cdim : (i+1)*cdim]
		for k, x := range row {
			e := math.Exp(float64(x - max))
			pr[k] = float32(e)
			sum += e
		}
		for k := range pr {
			pr[k] = float32(float64(pr[k]) / sum)
		}
		lossSum += float64(max) + math.Log(sum) - float64(row[lab])
		active[i] = true
		count++
	}
	if count == 0 {
		return Output{}, errors.New("token classifier loss undefined: no active positions in batch")
	}

	m.cache = &clsCache{enc: enc, labels: labels, active: active, probs: probs, count: count}
	return Output{
		Loss:   lossSum / float64(count),
		Logits: tensor.New(tensor.WithShape(rows, cols, cdim), tensor.WithBacking(logits)),
	}, nil
}

// Backward accumulates gradients from the last Forward; scale
// multiplies the loss gradient (the discriminator weight in ELECTRA
// training).
func (m *TokenClassifier) Backward(scale float64) error {
	c := m.cache
	if c == nil {
		return errors.New("token classifier backward before forward")
	}
	m.cache = nil

	p := len(c.labels)
	cdim := m.cfg.NumLabels
	hdim := m.cfg.HiddenDim
	outWV := m.outW.Data()
	outWG := m.outW.GradData()
	outBG := m.outB.GradData()

	norm := float32(scale / float64(c.count))
	dh := make([]float32, p*hdim)
	for i := 0; i < p; i++ {
		if !c.active[i] {
			continue
		}
		lab := c.labels[i]
		pr := c.probs[i*cdim : (i+1)*cdim]
		h := c.enc.h[i*hdim : (i+1)*hdim]
		dhRow := dh[i*hdim : (i+1)*hdim]
		for k := 0; k < cdim; k++ {
			g := pr[k] * norm
			if k == lab {
				g -= norm
			}
			if g == 0 {
				continue
			}
			outBG[k] += g
			for j, hj := range h {
				if hj != 0 {
					outWG[j*cdim+k] += hj * g
				}
				dhRow[j] += outWV[j*cdim+k] * g
			}
		}
	}
	return m.enc.backward(c.enc, dh)
}

func (m *TokenClassifier) SavePretrained(dir string) error {
	return saveModel(dir, tokenClassifierType, m.cfg, m.NamedParameters())
}

func LoadTokenClassifier(dir string) (*TokenClassifier, error) {
	var cfg TokenClassifierConfig
	if err := loadModelConfig(dir, tokenClassifierType, &cfg); err != nil {
		return nil, err
	}
	m, err := NewTokenClassifier(cfg, 0)
	if err != nil {
		return nil, err
	}
	if err := loadWeights(dir, m.NamedParameters()); err != nil {
		return nil, err
	}
	return m, nil
}

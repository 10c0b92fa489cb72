package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"lmtrainers/pkg/data"
)

// MaskedLMConfig sizes the reference generator.
type MaskedLMConfig struct {
	VocabSize int     `json:"vocab_size"`
	EmbedDim  int     `json:"embed_dim"`
	HiddenDim int     `json:"hidden_dim"`
	NormEps   float64 `json:"norm_eps,omitempty"`
}

func (c MaskedLMConfig) Validate() error {
	if c.VocabSize <= 0 || c.EmbedDim <= 0 || c.HiddenDim <= 0 {
		return errors.Errorf("masked lm config needs positive dims, got vocab=%d embed=%d hidden=%d",
			c.VocabSize, c.EmbedDim, c.HiddenDim)
	}
	return nil
}

// MaskedLM is the reference generator: embedding, layer norm, relu
// hidden layer, vocabulary projection, cross-entropy over positions
// whose label is not the ignore index. It scores each position
// independently.
type MaskedLM struct {
	cfg  MaskedLMConfig
	enc  *encoder
	outW *Parameter // [H,V]
	outB *Parameter // [V]

	cache *mlmCache
}

type mlmCache struct {
	enc     *encCache
	labels  []int
	probs   []float32 // [P*V], filled only at labeled positions
	labeled int
}

// NewMaskedLM builds a generator with deterministic init from seed.
func NewMaskedLM(cfg MaskedLMConfig, seed int64) (*MaskedLM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	m := &MaskedLM{
		cfg: cfg,
		enc: newEncoder(rng, cfg.VocabSize, cfg.EmbedDim, cfg.HiddenDim, cfg.NormEps),
	}
	m.outW = glorotParam(rng, "output.weight", cfg.HiddenDim, cfg.VocabSize)
	m.outB = constParam("output.bias", cfg.VocabSize, 0)
	return m, nil
}

func (m *MaskedLM) Config() MaskedLMConfig { return m.cfg }
func (m *MaskedLM) VocabSize() int         { return m.cfg.VocabSize }

func (m *MaskedLM) NamedParameters() []*Parameter {
	return append(m.enc.params(), m.outW, m.outB)
}

// Forward computes logits [B,T,V] and the mean cross-entropy over
// labeled positions. A batch with no labeled positions is an error.
func (m *MaskedLM) Forward(b data.Batch) (Output, error) {
	if err := b.Validate(); err != nil {
		return Output{}, errors.Wrap(err, "masked lm forward")
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

	enc, err := m.enc.forward(tokens)
	if err != nil {
		return Output{}, errors.Wrap(err, "masked lm forward")
	}

	p := rows * cols
	v := m.cfg.VocabSize
	hdim := m.cfg.HiddenDim
	outWV := m.outW.Data()
	outBV := m.outB.Data()

	logits := make([]float32, p*v)
	for i := 0; i < p; i++ {
		h := enc.h[i*hdim : (i+1)*hdim]
		row := logits[i*v : (i+1)*v]
		copy(row, outBV)
		for j, hj := range h {
			if hj == 0 {
				continue
			}
			w := outWV[j*v : (j+1)*v]
			for k := range row {
				row[k] += hj * w[k]
			}
		}
	}

	probs := make([]float32, p*v)
	var lossSum float64
	labeled := 0
	for i := 0; i < p; i++ {
		lab := labels[i]
		if lab == data.IgnoreIndex {
			continue
		}
		if lab < 0 || lab >= v {
			return Output{}, errors.Errorf("label %d at position %d outside vocab of %d", lab, i, v)
		}
		row := logits[i*v : (i+1)*v]
		max := row[0]
		for _, x := range row[1:] {
			if x > max {
				max = x
			}
		}
		var sum float64
		pr := probs[i*v : (i+1)*v]
		for k, x := range row {
			e := math.Exp(float64(x - max))
			pr[k] = float32(e)
			sum += e
		}
		for k := range pr {
			pr[k] = float32(float64(pr[k]) / sum)
		}
		lossSum += float64(max) + math.Log(sum) - float64(row[lab])
		labeled++
	}
	if labeled == 0 {
		return Output{}, errors.New("masked lm loss undefined: no labeled positions in batch")
	}

	m.cache = &mlmCache{enc: enc, labels: labels, probs: probs, labeled: labeled}
	return Output{
		Loss:   lossSum / float64(labeled),
		Logits: tensor.New(tensor.WithShape(rows, cols, v), tensor.WithBacking(logits)),
	}, nil
}

// Backward accumulates gradients from the last Forward. scale
// multiplies the loss gradient; drivers pass 1 for a plain MLM step.
func (m *MaskedLM) Backward(scale float64) error {
	c := m.cache
	if c == nil {
		return errors.New("masked lm backward before forward")
	}
	m.cache = nil

	p := len(c.labels)
	v := m.cfg.VocabSize
	hdim := m.cfg.HiddenDim
	outWV := m.outW.Data()
	outWG := m.outW.GradData()
	outBG := m.outB.GradData()

	norm := float32(scale / float64(c.labeled))
	dh := make([]float32, p*hdim)
	for i := 0; i < p; i++ {
		lab := c.labels[i]
		if lab == data.IgnoreIndex {
			continue
		}
		pr := c.probs[i*v : (i+1)*v]
		h := c.enc.h[i*hdim : (i+1)*hdim]
		dhRow := dh[i*hdim : (i+1)*hdim]
		for k := 0; k < v; k++ {
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
					outWG[j*v+k] += hj * g
				}
				dhRow[j] += outWV[j*v+k] * g
			}
		}
	}
	return m.enc.backward(c.enc, dh)
}

// SavePretrained writes config.json and weights.gob under dir.
func (m *MaskedLM) SavePretrained(dir string) error {
	return saveModel(dir, maskedLMType, m.cfg, m.NamedParameters())
}

// LoadMaskedLM restores a model written by SavePretrained.
func LoadMaskedLM(dir string) (*MaskedLM, error) {
	var cfg MaskedLMConfig
	if err := loadModelConfig(dir, maskedLMType, &cfg); err != nil {
		return nil, err
	}
	m, err := NewMaskedLM(cfg, 0)
	if err != nil {
		return nil, err
	}
	if err := loadWeights(dir, m.NamedParameters()); err != nil {
		return nil, err
	}
	return m, nil
}

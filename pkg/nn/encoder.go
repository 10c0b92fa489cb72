package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const defaultNormEps = 1e-5

// encoder is the position-wise backbone both reference models share:
// embedding lookup, layer norm, relu hidden projection. Positions are
// processed independently.
type encoder struct {
	vocab  int
	dim    int
	hidden int
	eps    float64

	embed *Parameter // [V,D]
	normW *Parameter // [D]
	normB *Parameter // [D]
	hidW  *Parameter // [D,H]
	hidB  *Parameter // [H]
}

func newEncoder(rng *rand.Rand, vocab, dim, hidden int, eps float64) *encoder {
	if eps <= 0 {
		eps = defaultNormEps
	}
	return &encoder{
		vocab:  vocab,
		dim:    dim,
		hidden: hidden,
		eps:    eps,
		embed:  glorotParam(rng, "embed.weight", vocab, dim),
		normW:  constParam("norm.weight", dim, 1),
		normB:  constParam("norm.bias", dim, 0),
		hidW:   glorotParam(rng, "hidden.weight", dim, hidden),
		hidB:   constParam("hidden.bias", hidden, 0),
	}
}

func (e *encoder) params() []*Parameter {
	return []*Parameter{e.embed, e.normW, e.normB, e.hidW, e.hidB}
}

// encCache holds the forward activations backward needs. All slices
// are flat row-major over P positions.
type encCache struct {
	tokens []int
	xhat   []float32 // [P*D] normalized embedding
	invstd []float32 // [P]
	y      []float32 // [P*D] norm output, hidden input
	h      []float32 // [P*H] relu output
}

func (e *encoder) forward(tokens []int) (*encCache, error) {
	p := len(tokens)
	c := &encCache{
		tokens: append([]int(nil), tokens...),
		xhat:   make([]float32, p*e.dim),
		invstd: make([]float32, p),
		y:      make([]float32, p*e.dim),
		h:      make([]float32, p*e.hidden),
	}
	embV := e.embed.Data()
	normWV := e.normW.Data()
	normBV := e.normB.Data()
	hidWV := e.hidW.Data()
	hidBV := e.hidB.Data()

	for i, tok := range tokens {
		if tok < 0 || tok >= e.vocab {
			return nil, errors.Errorf("token id %d outside vocab of %d", tok, e.vocab)
		}
		emb := embV[tok*e.dim : (tok+1)*e.dim]

		var mean float64
		for _, v := range emb {
			mean += float64(v)
		}
		mean /= float64(e.dim)
		var varsum float64
		for _, v := range emb {
			d := float64(v) - mean
			varsum += d * d
		}
		inv := float32(1 / math.Sqrt(varsum/float64(e.dim)+e.eps))
		c.invstd[i] = inv

		xh := c.xhat[i*e.dim : (i+1)*e.dim]
		y := c.y[i*e.dim : (i+1)*e.dim]
		for d := 0; d < e.dim; d++ {
			v := (emb[d] - float32(mean)) * inv
			xh[d] = v
			y[d] = normWV[d]*v + normBV[d]
		}

		h := c.h[i*e.hidden : (i+1)*e.hidden]
		for j := 0; j < e.hidden; j++ {
			sum := hidBV[j]
			for d := 0; d < e.dim; d++ {
				sum += y[d] * hidWV[d*e.hidden+j]
			}
			if sum > 0 {
				h[j] = sum
			}
		}
	}
	return c, nil
}

// backward takes the gradient at the relu output and accumulates into
// every encoder parameter.
func (e *encoder) backward(c *encCache, dh []float32) error {
	if c == nil {
		return errors.New("encoder backward before forward")
	}
	p := len(c.tokens)
	if len(dh) != p*e.hidden {
		return errors.Errorf("hidden grad length %d, want %d", len(dh), p*e.hidden)
	}
	embG := e.embed.GradData()
	normWV := e.normW.Data()
	normWG := e.normW.GradData()
	normBG := e.normB.GradData()
	hidWV := e.hidW.Data()
	hidWG := e.hidW.GradData()
	hidBG := e.hidB.GradData()

	dy := make([]float32, e.dim)
	dxhat := make([]float32, e.dim)

	for i := 0; i < p; i++ {
		y := c.y[i*e.dim : (i+1)*e.dim]
		h := c.h[i*e.hidden : (i+1)*e.hidden]
		dhRow := dh[i*e.hidden : (i+1)*e.hidden]

		// relu gate, then hidden layer grads
		for j := 0; j < e.hidden; j++ {
			if h[j] <= 0 {
				continue
			}
			g := dhRow[j]
			hidBG[j] += g
			for d := 0; d < e.dim; d++ {
				hidWG[d*e.hidden+j] += y[d] * g
			}
		}
		for d := 0; d < e.dim; d++ {
			var s float32
			for j := 0; j < e.hidden; j++ {
				if h[j] > 0 {
					s += hidWV[d*e.hidden+j] * dhRow[j]
				}
			}
			dy[d] = s
		}

		// layer norm backward
		xh := c.xhat[i*e.dim : (i+1)*e.dim]
		var m1, m2 float64
		for d := 0; d < e.dim; d++ {
			dxhat[d] = dy[d] * normWV[d]
			normWG[d] += xh[d] * dy[d]
			normBG[d] += dy[d]
			m1 += float64(dxhat[d])
			m2 += float64(dxhat[d] * xh[d])
		}
		m1 /= float64(e.dim)
		m2 /= float64(e.dim)

		inv := c.invstd[i]
		row := c.tokens[i] * e.dim
		for d := 0; d < e.dim; d++ {
			embG[row+d] += inv * (dxhat[d] - float32(m1) - xh[d]*float32(m2))
		}
	}
	return nil
}

func glorotParam(rng *rand.Rand, name string, rows, cols int) *Parameter {
	limit := float32(math.Sqrt(6 / float64(rows+cols)))
	buf := make([]float32, rows*cols)
	for i := range buf {
		buf[i] = (rng.Float32()*2 - 1) * limit
	}
	return NewParameter(name, tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(buf)))
}

func constParam(name string, n int, v float32) *Parameter {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = v
	}
	return NewParameter(name, tensor.New(tensor.WithShape(n), tensor.WithBacking(buf)))
}

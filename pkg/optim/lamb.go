// Package optim implements the Lamb optimizer, the linear
// warmup/decay schedule and the decay/no-decay parameter grouping the
// training modules configure. Parameters flow through gorgonia's
// ValueGrad contract, so anything that steps through a gorgonia
// solver steps through Lamb as well.
package optim

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// ParamGroup binds parameters to one weight decay.
type ParamGroup struct {
	Params      []gorgonia.ValueGrad
	WeightDecay float64
}

// Lamb is the layer-wise adaptive optimizer: Adam-style moments with
// a per-tensor trust ratio. Weight decay is decoupled and applied
// per group.
type Lamb struct {
	groups []ParamGroup
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	clamp  float64
	steps  int

	state [][]moments
	buf   []float32
}

type moments struct {
	m []float32
	v []float32
}

// LambOpt mutates construction defaults.
type LambOpt func(*Lamb)

func WithLearnRate(lr float64) LambOpt { return func(l *Lamb) { l.lr = lr } }
func WithEps(eps float64) LambOpt      { return func(l *Lamb) { l.eps = eps } }
func WithClamp(c float64) LambOpt      { return func(l *Lamb) { l.clamp = c } }
func WithBetas(b1, b2 float64) LambOpt {
	return func(l *Lamb) { l.beta1, l.beta2 = b1, b2 }
}

// NewLamb builds the optimizer over groups. Defaults: lr 1e-3, betas
// 0.9/0.999, eps 1e-6, trust-ratio clamp 10.
func NewLamb(groups []ParamGroup, opts ...LambOpt) (*Lamb, error) {
	l := &Lamb{
		groups: groups,
		lr:     1e-3,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-6,
		clamp:  10,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.lr < 0 {
		return nil, errors.Errorf("negative learning rate %v", l.lr)
	}
	if l.eps <= 0 {
		return nil, errors.Errorf("epsilon %v must be positive", l.eps)
	}
	if l.beta1 < 0 || l.beta1 >= 1 || l.beta2 < 0 || l.beta2 >= 1 {
		return nil, errors.Errorf("betas (%v,%v) outside [0,1)", l.beta1, l.beta2)
	}
	for _, g := range groups {
		if g.WeightDecay < 0 {
			return nil, errors.Errorf("negative weight decay %v", g.WeightDecay)
		}
	}
	l.state = make([][]moments, len(groups))
	for i, g := range groups {
		l.state[i] = make([]moments, len(g.Params))
	}
	return l, nil
}

func (l *Lamb) LearnRate() float64      { return l.lr }
func (l *Lamb) SetLearnRate(lr float64) { l.lr = lr }
func (l *Lamb) NumGroups() int          { return len(l.groups) }
func (l *Lamb) Steps() int              { return l.steps }

// Step applies one update to every parameter in every group. A
// parameter appearing in several groups must be deduplicated by the
// caller (Partition does), otherwise it steps more than once.
func (l *Lamb) Step() error {
	l.steps++
	for gi, g := range l.groups {
		for pi, p := range g.Params {
			if err := l.stepParam(gi, pi, g.WeightDecay, p); err != nil {
				return errors.Wrapf(err, "lamb step group %d param %d", gi, pi)
			}
		}
	}
	return nil
}

func (l *Lamb) stepParam(gi, pi int, wd float64, p gorgonia.ValueGrad) error {
	val := p.Value()
	gradVal, err := p.Grad()
	if err != nil {
		return errors.Wrap(err, "gradient")
	}
	w, ok := val.Data().([]float32)
	if !ok {
		return errors.Errorf("want float32 parameter, got %v", val.Dtype())
	}
	dw, ok := gradVal.Data().([]float32)
	if !ok {
		return errors.Errorf("want float32 gradient, got %v", gradVal.Dtype())
	}
	if len(dw) != len(w) {
		return errors.Errorf("gradient has %d values, parameter has %d", len(dw), len(w))
	}

	st := &l.state[gi][pi]
	if st.m == nil {
		st.m = make([]float32, len(w))
		st.v = make([]float32, len(w))
	}
	if cap(l.buf) < len(w) {
		l.buf = make([]float32, len(w))
	}
	r := l.buf[:len(w)]

	b1 := float32(l.beta1)
	b2 := float32(l.beta2)
	var wNorm, rNorm float64
	for i, g := range dw {
		st.m[i] = b1*st.m[i] + (1-b1)*g
		st.v[i] = b2*st.v[i] + (1-b2)*g*g
		ri := float64(st.m[i])/(math.Sqrt(float64(st.v[i]))+l.eps) + wd*float64(w[i])
		r[i] = float32(ri)
		wNorm += float64(w[i]) * float64(w[i])
		rNorm += ri * ri
	}
	wn := math.Sqrt(wNorm)
	if l.clamp > 0 && wn > l.clamp {
		wn = l.clamp
	}
	rn := math.Sqrt(rNorm)
	trust := 1.0
	if wn > 0 && rn > 0 {
		trust = wn / rn
	}
	scale := float32(l.lr * trust)
	for i := range w {
		w[i] -= scale * r[i]
	}
	return nil
}

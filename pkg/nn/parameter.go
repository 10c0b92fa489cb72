// Package nn holds the parameter and model contracts the training
// modules consume, plus two small position-wise reference models so
// the repo pretrains end to end without a transformer stack.
package nn

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Parameter couples a named float32 value tensor with its gradient.
// It implements gorgonia.ValueGrad, so parameters step through any
// solver that follows gorgonia's Step([]ValueGrad) contract.
type Parameter struct {
	name  string
	value *tensor.Dense
	grad  *tensor.Dense
}

// NewParameter wraps a float32 tensor. The gradient tensor is
// allocated zeroed with the same shape.
func NewParameter(name string, value *tensor.Dense) *Parameter {
	grad := tensor.New(tensor.WithShape(value.Shape()...), tensor.Of(tensor.Float32))
	return &Parameter{name: name, value: value, grad: grad}
}

func (p *Parameter) Name() string { return p.name }

// Value implements gorgonia.Valuer.
func (p *Parameter) Value() gorgonia.Value { return p.value }

// Grad implements gorgonia.ValueGrad.
func (p *Parameter) Grad() (gorgonia.Value, error) { return p.grad, nil }

func (p *Parameter) Dense() *tensor.Dense     { return p.value }
func (p *Parameter) GradDense() *tensor.Dense { return p.grad }

// Data returns the flat value backing.
func (p *Parameter) Data() []float32 { return p.value.Data().([]float32) }

// GradData returns the flat gradient backing.
func (p *Parameter) GradData() []float32 { return p.grad.Data().([]float32) }

func (p *Parameter) NumElems() int { return len(p.Data()) }

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	g := p.GradData()
	for i := range g {
		g[i] = 0
	}
}

// ZeroGrads clears every gradient in params. Drivers call this after
// each optimizer step; gradients otherwise accumulate across Backward
// calls, which is what tied parameters rely on.
func ZeroGrads(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Output is what a model forward returns: the scalar loss and the
// per-position logits ([B,T,V] for generators, [B,T,C] for token
// classifiers).
type Output struct {
	Loss   float64
	Logits *tensor.Dense
}

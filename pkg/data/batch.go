// Package data defines the tensor contract shared by the training
// modules: batches of token ids with sentinel-carrying labels, the
// collater that builds them from pretokenized sequences, and the
// word-level vocabulary used by the demo drivers.
package data

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// IgnoreIndex marks label positions that carry no training target.
// Loss and accuracy computations skip these positions.
const IgnoreIndex = -100

// Batch is one training batch. Inputs, Labels and TokenTypes are
// [B,T] int tensors, AttentionMask is [B,T] float32 with 1 for real
// tokens and 0 for padding. TokenTypes may be nil.
type Batch struct {
	Inputs        *tensor.Dense
	Labels        *tensor.Dense
	AttentionMask *tensor.Dense
	TokenTypes    *tensor.Dense
}

// NewIntMatrix builds a [rows,cols] int tensor over backing. The
// backing slice is owned by the tensor afterwards.
func NewIntMatrix(rows, cols int, backing []int) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))
}

// NewFloatMatrix builds a [rows,cols] float32 tensor over backing.
func NewFloatMatrix(rows, cols int, backing []float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))
}

// Ints returns the flat row-major backing of an int tensor.
func Ints(t *tensor.Dense) ([]int, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	v, ok := t.Data().([]int)
	if !ok {
		return nil, errors.Errorf("want int backing, got %v", t.Dtype())
	}
	return v, nil
}

// Floats returns the flat row-major backing of a float32 tensor.
func Floats(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	v, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("want float32 backing, got %v", t.Dtype())
	}
	return v, nil
}

// MatrixShape returns (rows, cols) for a rank-2 tensor.
func MatrixShape(t *tensor.Dense) (int, int, error) {
	if t == nil {
		return 0, 0, errors.New("nil tensor")
	}
	s := t.Shape()
	if len(s) != 2 {
		return 0, 0, errors.Errorf("want rank-2 shape, got %v", s)
	}
	return s[0], s[1], nil
}

// Dims returns (B, T) after checking that every present tensor agrees
// on the batch shape. Mismatches are hard errors, never silently
// broadcast.
func (b Batch) Dims() (int, int, error) {
	rows, cols, err := MatrixShape(b.Inputs)
	if err != nil {
		return 0, 0, errors.Wrap(err, "batch inputs")
	}
	check := func(name string, t *tensor.Dense) error {
		if t == nil {
			return nil
		}
		r, c, err := MatrixShape(t)
		if err != nil {
			return errors.Wrap(err, name)
		}
		if r != rows || c != cols {
			return errors.Errorf("%s shape [%d,%d] does not match inputs [%d,%d]", name, r, c, rows, cols)
		}
		return nil
	}
	if err := check("batch labels", b.Labels); err != nil {
		return 0, 0, err
	}
	if err := check("batch attention mask", b.AttentionMask); err != nil {
		return 0, 0, err
	}
	if err := check("batch token types", b.TokenTypes); err != nil {
		return 0, 0, err
	}
	return rows, cols, nil
}

// Validate checks shapes and dtypes: int backing for id tensors,
// float32 for the attention mask.
func (b Batch) Validate() error {
	if _, _, err := b.Dims(); err != nil {
		return err
	}
	if b.Labels == nil {
		return errors.New("batch labels missing")
	}
	if _, err := Ints(b.Inputs); err != nil {
		return errors.Wrap(err, "batch inputs")
	}
	if _, err := Ints(b.Labels); err != nil {
		return errors.Wrap(err, "batch labels")
	}
	if b.AttentionMask != nil {
		if _, err := Floats(b.AttentionMask); err != nil {
			return errors.Wrap(err, "batch attention mask")
		}
	}
	if b.TokenTypes != nil {
		if _, err := Ints(b.TokenTypes); err != nil {
			return errors.Wrap(err, "batch token types")
		}
	}
	return nil
}

// CloneInputs returns a value copy of the input ids. The copy shares
// no memory with the batch.
func (b Batch) CloneInputs() (*tensor.Dense, error) {
	return cloneIntMatrix(b.Inputs)
}

// CloneLabels returns a value copy of the labels.
func (b Batch) CloneLabels() (*tensor.Dense, error) {
	return cloneIntMatrix(b.Labels)
}

func cloneIntMatrix(t *tensor.Dense) (*tensor.Dense, error) {
	rows, cols, err := MatrixShape(t)
	if err != nil {
		return nil, err
	}
	src, err := Ints(t)
	if err != nil {
		return nil, err
	}
	dst := make([]int, len(src))
	copy(dst, src)
	return NewIntMatrix(rows, cols, dst), nil
}

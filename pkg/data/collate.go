package data

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Collater builds batches from pretokenized sequences. In MLM mode it
// applies the masking recipe: every non-pad, non-special position is
// selected with probability MLMProb; selected positions keep their
// original id in the labels, everything else is IgnoreIndex. Of the
// selected inputs 80% become MaskID, 10% a uniform random id (only
// when RandReplace), the rest keep the original token. With MLM off
// each position is labeled with the next token in the sequence, so
// the labels line up with logits position by position; the last real
// position and all pads stay IgnoreIndex.
type Collater struct {
	MLM            bool
	MLMProb        float64
	PadID          int
	MaskID         int
	VocabSize      int
	RandReplace    bool
	MaxLen         int // 0 means no truncation
	SpecialIDs     []int
	WithTokenTypes bool
}

// NewCollater returns an MLM collater wired to a vocabulary.
func NewCollater(v *Vocab, mlmProb float64) Collater {
	return Collater{
		MLM:        true,
		MLMProb:    mlmProb,
		PadID:      v.PadID(),
		MaskID:     v.MaskID(),
		VocabSize:  v.Size(),
		SpecialIDs: v.SpecialIDs(),
	}
}

func (c Collater) validate() error {
	if c.MLMProb < 0 || c.MLMProb > 1 {
		return errors.Errorf("mlm probability %v outside [0,1]", c.MLMProb)
	}
	if c.MLM && c.MaskID < 0 {
		return errors.Errorf("mask id %d invalid", c.MaskID)
	}
	if c.MLM && c.RandReplace && c.VocabSize <= 0 {
		return errors.Errorf("random replacement needs a vocab size, got %d", c.VocabSize)
	}
	return nil
}

func (c Collater) special(id int) bool {
	for _, s := range c.SpecialIDs {
		if id == s {
			return true
		}
	}
	return false
}

// Collate pads seqs to a rectangle and applies label construction.
// All randomness comes from rng.
func (c Collater) Collate(rng *rand.Rand, seqs [][]int) (Batch, error) {
	if err := c.validate(); err != nil {
		return Batch{}, err
	}
	if len(seqs) == 0 {
		return Batch{}, errors.New("collate: empty sequence list")
	}
	if c.MLM && rng == nil {
		return Batch{}, errors.New("collate: nil rng in mlm mode")
	}

	maxT := 0
	for _, s := range seqs {
		n := len(s)
		if c.MaxLen > 0 && n > c.MaxLen {
			n = c.MaxLen
		}
		if n > maxT {
			maxT = n
		}
	}
	if maxT == 0 {
		return Batch{}, errors.New("collate: all sequences empty")
	}

	b := len(seqs)
	inputs := make([]int, b*maxT)
	labels := make([]int, b*maxT)
	mask := make([]float32, b*maxT)

	for i, seq := range seqs {
		if c.MaxLen > 0 && len(seq) > c.MaxLen {
			seq = seq[:c.MaxLen]
		}
		row := i * maxT
		for j := 0; j < maxT; j++ {
			inputs[row+j] = c.PadID
			labels[row+j] = IgnoreIndex
		}
		for j, tok := range seq {
			inputs[row+j] = tok
			mask[row+j] = 1
			switch {
			case !c.MLM:
				if j+1 < len(seq) {
					labels[row+j] = seq[j+1]
				}
			case c.special(tok):
				// specials are never masked
			case rng.Float64() < c.MLMProb:
				labels[row+j] = tok
				r := rng.Float64()
				switch {
				case r < 0.8:
					inputs[row+j] = c.MaskID
				case r < 0.9 && c.RandReplace:
					inputs[row+j] = rng.Intn(c.VocabSize)
				}
			}
		}
	}

	out := Batch{
		Inputs:        NewIntMatrix(b, maxT, inputs),
		Labels:        NewIntMatrix(b, maxT, labels),
		AttentionMask: NewFloatMatrix(b, maxT, mask),
	}
	if c.WithTokenTypes {
		out.TokenTypes = NewIntMatrix(b, maxT, make([]int, b*maxT))
	}
	return out, nil
}

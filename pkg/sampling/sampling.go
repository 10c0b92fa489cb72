// Package sampling provides the categorical draw used to build
// replaced-token-detection inputs. Everything here is pure: no
// package state, all randomness through the caller's generator.
package sampling

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"lmtrainers/pkg/data"
)

// Softmax converts one row of logits into probabilities. The maximum
// is subtracted first and the accumulation runs in float64, so the
// distribution stays usable whatever precision produced the logits.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - max))
		probs[i] = e
		sum += e
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Categorical draws one index from probs by cumulative scan. A row
// whose mass never reaches the draw falls through to the last index.
func Categorical(rng *rand.Rand, probs []float64) int {
	if len(probs) == 0 {
		return 0
	}
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}

// Sampler turns per-position logits [B,T,V] into token ids [B,T].
// The training modules accept any implementation, which is how tests
// force deterministic draws.
type Sampler interface {
	Sample(rng *rand.Rand, logits *tensor.Dense) (*tensor.Dense, error)
}

// CategoricalSampler is the default Sampler: an independent
// softmax + categorical draw per position.
type CategoricalSampler struct{}

func (CategoricalSampler) Sample(rng *rand.Rand, logits *tensor.Dense) (*tensor.Dense, error) {
	return TokensFromLogits(rng, logits)
}

// TokensFromLogits draws one token id per position of a [B,T,V]
// float32 logits tensor.
func TokensFromLogits(rng *rand.Rand, logits *tensor.Dense) (*tensor.Dense, error) {
	if rng == nil {
		return nil, errors.New("sample: nil rng")
	}
	if logits == nil {
		return nil, errors.New("sample: nil logits")
	}
	s := logits.Shape()
	if len(s) != 3 {
		return nil, errors.Errorf("sample: want [B,T,V] logits, got shape %v", s)
	}
	b, t, v := s[0], s[1], s[2]
	if v <= 0 {
		return nil, errors.Errorf("sample: empty vocab axis in shape %v", s)
	}
	flat, ok := logits.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("sample: want float32 logits, got %v", logits.Dtype())
	}
	out := make([]int, b*t)
	for pos := 0; pos < b*t; pos++ {
		row := flat[pos*v : (pos+1)*v]
		out[pos] = Categorical(rng, Softmax(row))
	}
	return data.NewIntMatrix(b, t, out), nil
}

package sampling

import (
	"math"
	"math/rand"
	"testing"

	"gorgonia.org/tensor"

	"lmtrainers/pkg/data"
)

// TestSoftmaxSumsToOne tests normalization.
func TestSoftmaxSumsToOne(t *testing.T) {
	probs := Softmax([]float32{0.5, 2.0, 1.0, -3.0})
	var sum float64
	for _, p := range probs {
		if p < 0 {
			t.Errorf("Expected non-negative probability, got %v", p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("Expected probabilities to sum to 1, got %v", sum)
	}
}

// TestSoftmaxPreservesOrder tests that larger logits keep larger mass.
func TestSoftmaxPreservesOrder(t *testing.T) {
	probs := Softmax([]float32{0.5, 2.0, 1.0})
	if !(probs[1] > probs[2] && probs[2] > probs[0]) {
		t.Errorf("Expected ordering p1 > p2 > p0, got %v", probs)
	}
}

// TestSoftmaxLargeLogitsStable tests the max-subtraction trick
// against overflow.
func TestSoftmaxLargeLogitsStable(t *testing.T) {
	probs := Softmax([]float32{1000, 1001, 999})
	var sum float64
	for i, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			t.Fatalf("probs[%d]: expected finite value, got %v", i, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("Expected probabilities to sum to 1, got %v", sum)
	}
	if probs[1] < probs[0] || probs[1] < probs[2] {
		t.Errorf("Expected the largest logit to keep the largest mass, got %v", probs)
	}
}

// TestSoftmaxEmpty tests the empty row.
func TestSoftmaxEmpty(t *testing.T) {
	if probs := Softmax(nil); probs != nil {
		t.Errorf("Expected nil for empty logits, got %v", probs)
	}
}

// TestCategoricalDegenerate tests that a one-hot distribution always
// yields its index.
func TestCategoricalDegenerate(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		if got := Categorical(rng, []float64{0, 1, 0}); got != 1 {
			t.Fatalf("Expected index 1 from one-hot distribution, got %d", got)
		}
	}
}

// TestCategoricalFrequencies tests draw frequencies against the
// distribution.
func TestCategoricalFrequencies(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	counts := make([]int, 2)
	n := 10000
	for i := 0; i < n; i++ {
		counts[Categorical(rng, []float64{0.5, 0.5})]++
	}
	frac := float64(counts[0]) / float64(n)
	t.Logf("drew index 0 at rate %.3f over %d draws", frac, n)
	if frac < 0.45 || frac > 0.55 {
		t.Errorf("Expected rate near 0.5, got %.3f", frac)
	}
}

// TestCategoricalShortMass tests that missing mass falls through to
// the last index.
func TestCategoricalShortMass(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	counts := make([]int, 2)
	n := 10000
	for i := 0; i < n; i++ {
		got := Categorical(rng, []float64{0.3, 0.3})
		if got < 0 || got > 1 {
			t.Fatalf("Expected index in [0,1], got %d", got)
		}
		counts[got]++
	}
	// index 1 collects its own 0.3 plus the 0.4 fallthrough
	frac := float64(counts[1]) / float64(n)
	if frac < 0.65 || frac > 0.75 {
		t.Errorf("Expected index 1 rate near 0.7, got %.3f", frac)
	}
}

// TestCategoricalEmpty tests the empty distribution.
func TestCategoricalEmpty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if got := Categorical(rng, nil); got != 0 {
		t.Errorf("Expected 0 for empty distribution, got %d", got)
	}
}

// TestTokensFromLogits tests shape and that sharply peaked logits
// yield their argmax.
func TestTokensFromLogits(t *testing.T) {
	b, tl, v := 2, 3, 4
	flat := make([]float32, b*tl*v)
	for pos := 0; pos < b*tl; pos++ {
		flat[pos*v+pos%v] = 25
	}
	logits := tensor.New(tensor.WithShape(b, tl, v), tensor.WithBacking(flat))

	rng := rand.New(rand.NewSource(42))
	out, err := TokensFromLogits(rng, logits)
	if err != nil {
		t.Fatalf("TokensFromLogits failed: %v", err)
	}

	rows, cols, err := data.MatrixShape(out)
	if err != nil {
		t.Fatalf("MatrixShape failed: %v", err)
	}
	if rows != b || cols != tl {
		t.Fatalf("Expected draws [%d,%d], got [%d,%d]", b, tl, rows, cols)
	}
	draws, err := data.Ints(out)
	if err != nil {
		t.Fatalf("Ints failed: %v", err)
	}
	for pos, d := range draws {
		if d != pos%v {
			t.Errorf("position %d: expected peaked draw %d, got %d", pos, pos%v, d)
		}
	}
}

// TestTokensFromLogitsErrors tests the rejection paths.
func TestTokensFromLogitsErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	logits := tensor.New(tensor.WithShape(1, 2, 3), tensor.WithBacking(make([]float32, 6)))

	if _, err := TokensFromLogits(nil, logits); err == nil {
		t.Error("Expected error for nil rng")
	}
	if _, err := TokensFromLogits(rng, nil); err == nil {
		t.Error("Expected error for nil logits")
	}
	flat := tensor.New(tensor.WithShape(2, 3), tensor.WithBacking(make([]float32, 6)))
	if _, err := TokensFromLogits(rng, flat); err == nil {
		t.Error("Expected error for rank-2 logits")
	}
	ints := tensor.New(tensor.WithShape(1, 2, 3), tensor.WithBacking(make([]int, 6)))
	if _, err := TokensFromLogits(rng, ints); err == nil {
		t.Error("Expected error for int logits")
	}
}

// BenchmarkTokensFromLogits benchmarks sampling over a realistic
// generator output.
func BenchmarkTokensFromLogits(b *testing.B) {
	bs, tl, v := 32, 128, 2000
	flat := make([]float32, bs*tl*v)
	rng := rand.New(rand.NewSource(42))
	for i := range flat {
		flat[i] = rng.Float32()
	}
	logits := tensor.New(tensor.WithShape(bs, tl, v), tensor.WithBacking(flat))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := TokensFromLogits(rng, logits); err != nil {
			b.Fatal(err)
		}
	}
}

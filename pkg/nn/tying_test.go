package nn

import (
	"math"
	"testing"
)

func tiedPair(t *testing.T) (*MaskedLM, *TokenClassifier) {
	t.Helper()
	g, err := NewMaskedLM(MaskedLMConfig{VocabSize: 9, EmbedDim: 4, HiddenDim: 5}, 11)
	if err != nil {
		t.Fatalf("NewMaskedLM failed: %v", err)
	}
	d, err := NewTokenClassifier(TokenClassifierConfig{VocabSize: 9, EmbedDim: 4, HiddenDim: 6}, 12)
	if err != nil {
		t.Fatalf("NewTokenClassifier failed: %v", err)
	}
	if err := TieEmbeddings(g, d); err != nil {
		t.Fatalf("TieEmbeddings failed: %v", err)
	}
	return g, d
}

func embedParam(t *testing.T, params []*Parameter) *Parameter {
	t.Helper()
	for _, p := range params {
		if p.Name() == "embed.weight" {
			return p
		}
	}
	t.Fatal("Expected an embed.weight parameter")
	return nil
}

// TestTieEmbeddingsShares tests that generator and discriminator end
// up holding the same embedding parameter.
func TestTieEmbeddingsShares(t *testing.T) {
	g, d := tiedPair(t)
	ge := embedParam(t, g.NamedParameters())
	de := embedParam(t, d.NamedParameters())
	if ge != de {
		t.Error("Expected both models to expose the same embedding parameter")
	}
}

// TestTieEmbeddingsRejects tests the mismatch guards.
func TestTieEmbeddingsRejects(t *testing.T) {
	g, _ := tiedPair(t)
	if err := TieEmbeddings(nil, nil); err == nil {
		t.Error("Expected error for nil models")
	}

	smallVocab, err := NewTokenClassifier(TokenClassifierConfig{VocabSize: 8, EmbedDim: 4, HiddenDim: 6}, 1)
	if err != nil {
		t.Fatalf("NewTokenClassifier failed: %v", err)
	}
	if err := TieEmbeddings(g, smallVocab); err == nil {
		t.Error("Expected error for mismatched vocab sizes")
	}

	wideEmbed, err := NewTokenClassifier(TokenClassifierConfig{VocabSize: 9, EmbedDim: 5, HiddenDim: 6}, 1)
	if err != nil {
		t.Fatalf("NewTokenClassifier failed: %v", err)
	}
	if err := TieEmbeddings(g, wideEmbed); err == nil {
		t.Error("Expected error for mismatched embedding dims")
	}
}

// TestTiedGradientsAccumulate tests that backward passes from both
// models add into the shared embedding gradient.
func TestTiedGradientsAccumulate(t *testing.T) {
	g, d := tiedPair(t)
	embed := embedParam(t, g.NamedParameters())
	all := append(g.NamedParameters(), d.NamedParameters()...)

	genOnly := func() []float32 {
		ZeroGrads(all)
		if _, err := g.Forward(mlmTestBatch()); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if err := g.Backward(1); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		return append([]float32(nil), embed.GradData()...)
	}
	discOnly := func() []float32 {
		ZeroGrads(all)
		if _, err := d.Forward(clsTestBatch()); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if err := d.Backward(1); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		return append([]float32(nil), embed.GradData()...)
	}

	fromGen := genOnly()
	fromDisc := discOnly()

	ZeroGrads(all)
	if _, err := g.Forward(mlmTestBatch()); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := g.Backward(1); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if _, err := d.Forward(clsTestBatch()); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := d.Backward(1); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	combined := embed.GradData()
	for i := range combined {
		want := fromGen[i] + fromDisc[i]
		if math.Abs(float64(combined[i]-want)) > 1e-5 {
			t.Fatalf("Expected accumulated grad %v at %d, got %v", want, i, combined[i])
		}
	}
}

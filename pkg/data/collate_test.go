package data

import (
	"math/rand"
	"testing"
)

// TestCollatePaddingAndMask tests rectangle padding, the attention
// mask and next-token labels with masking off.
func TestCollatePaddingAndMask(t *testing.T) {
	c := Collater{PadID: 0}
	b, err := c.Collate(nil, [][]int{{2, 5, 6, 3}, {2, 7, 3}})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}

	rows, cols, err := b.Dims()
	if err != nil {
		t.Fatalf("Dims failed: %v", err)
	}
	if rows != 2 || cols != 4 {
		t.Fatalf("Expected batch [2,4], got [%d,%d]", rows, cols)
	}

	inputs, _ := Ints(b.Inputs)
	labels, _ := Ints(b.Labels)
	mask, _ := Floats(b.AttentionMask)

	wantInputs := []int{2, 5, 6, 3, 2, 7, 3, 0}
	wantLabels := []int{5, 6, 3, IgnoreIndex, 7, 3, IgnoreIndex, IgnoreIndex}
	wantMask := []float32{1, 1, 1, 1, 1, 1, 1, 0}
	for i := range wantInputs {
		if inputs[i] != wantInputs[i] {
			t.Errorf("inputs[%d]: expected %d, got %d", i, wantInputs[i], inputs[i])
		}
		if labels[i] != wantLabels[i] {
			t.Errorf("labels[%d]: expected %d, got %d", i, wantLabels[i], labels[i])
		}
		if mask[i] != wantMask[i] {
			t.Errorf("mask[%d]: expected %v, got %v", i, wantMask[i], mask[i])
		}
	}
}

// TestCollateSpecialsNeverMasked tests that [CLS] and [SEP] survive
// even with the selection probability at 1.
func TestCollateSpecialsNeverMasked(t *testing.T) {
	v := BuildVocab(testCorpus, 100)
	c := NewCollater(v, 1.0)
	rng := rand.New(rand.NewSource(42))

	seq := v.Encode("the cat")
	b, err := c.Collate(rng, [][]int{seq})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	inputs, _ := Ints(b.Inputs)
	labels, _ := Ints(b.Labels)

	if inputs[0] != v.ClsID() {
		t.Errorf("[CLS] should never be masked, got %d", inputs[0])
	}
	if inputs[3] != v.SepID() {
		t.Errorf("[SEP] should never be masked, got %d", inputs[3])
	}
	if labels[0] != IgnoreIndex || labels[3] != IgnoreIndex {
		t.Errorf("Expected ignore labels at special positions, got %d and %d", labels[0], labels[3])
	}
	// every non-special position is selected at probability 1
	if labels[1] != seq[1] || labels[2] != seq[2] {
		t.Errorf("Expected original tokens as labels, got %d and %d", labels[1], labels[2])
	}
	for _, i := range []int{1, 2} {
		if inputs[i] != v.MaskID() && inputs[i] != seq[i] {
			t.Errorf("inputs[%d]: expected [MASK] or original without random replacement, got %d", i, inputs[i])
		}
	}
}

func ratioCollater(randReplace bool, prob float64) Collater {
	return Collater{
		MLM:         true,
		MLMProb:     prob,
		PadID:       0,
		MaskID:      4,
		VocabSize:   1000,
		RandReplace: randReplace,
		SpecialIDs:  []int{0, 1, 2, 3, 4},
	}
}

func gridSeqs(rows, cols, tok int) [][]int {
	seqs := make([][]int, rows)
	for i := range seqs {
		row := make([]int, cols)
		for j := range row {
			row[j] = tok
		}
		seqs[i] = row
	}
	return seqs
}

// TestCollateMaskingRatios tests the 80/10/10 strategy split with
// random replacement enabled.
func TestCollateMaskingRatios(t *testing.T) {
	c := ratioCollater(true, 1.0)
	rng := rand.New(rand.NewSource(42))

	b, err := c.Collate(rng, gridSeqs(500, 10, 100))
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	inputs, _ := Ints(b.Inputs)
	labels, _ := Ints(b.Labels)

	masked, random, kept := 0, 0, 0
	for i, id := range inputs {
		if labels[i] != 100 {
			t.Fatalf("labels[%d]: expected original token 100, got %d", i, labels[i])
		}
		switch {
		case id == 4:
			masked++
		case id == 100:
			kept++
		default:
			random++
		}
	}
	total := float64(len(inputs))
	maskRatio := float64(masked) / total
	randomRatio := float64(random) / total
	keepRatio := float64(kept) / total

	t.Logf("mask %.3f random %.3f keep %.3f over %d positions", maskRatio, randomRatio, keepRatio, len(inputs))
	if maskRatio < 0.75 || maskRatio > 0.85 {
		t.Errorf("Mask ratio %.3f outside [0.75, 0.85]", maskRatio)
	}
	if randomRatio < 0.05 || randomRatio > 0.15 {
		t.Errorf("Random ratio %.3f outside [0.05, 0.15]", randomRatio)
	}
	if keepRatio < 0.05 || keepRatio > 0.15 {
		t.Errorf("Keep ratio %.3f outside [0.05, 0.15]", keepRatio)
	}
}

// TestCollateNoRandReplace tests that disabling random replacement
// leaves only [MASK] and kept originals.
func TestCollateNoRandReplace(t *testing.T) {
	c := ratioCollater(false, 1.0)
	rng := rand.New(rand.NewSource(42))

	b, err := c.Collate(rng, gridSeqs(500, 10, 100))
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	inputs, _ := Ints(b.Inputs)

	masked := 0
	for i, id := range inputs {
		if id != 4 && id != 100 {
			t.Fatalf("inputs[%d]: expected [MASK] or original, got %d", i, id)
		}
		if id == 4 {
			masked++
		}
	}
	ratio := float64(masked) / float64(len(inputs))
	if ratio < 0.75 || ratio > 0.85 {
		t.Errorf("Mask ratio %.3f outside [0.75, 0.85]", ratio)
	}
}

// TestCollateSelectionRate tests the default 15% selection rate.
func TestCollateSelectionRate(t *testing.T) {
	c := ratioCollater(false, 0.15)
	rng := rand.New(rand.NewSource(42))

	b, err := c.Collate(rng, gridSeqs(500, 10, 100))
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	labels, _ := Ints(b.Labels)

	selected := 0
	for _, lab := range labels {
		if lab != IgnoreIndex {
			selected++
		}
	}
	rate := float64(selected) / float64(len(labels))
	t.Logf("selected %.3f of %d positions", rate, len(labels))
	if rate < 0.10 || rate > 0.20 {
		t.Errorf("Selection rate %.3f outside [0.10, 0.20]", rate)
	}
}

// TestCollateCausalNextTokenLabels tests label alignment with masking
// off: each position predicts its successor.
func TestCollateCausalNextTokenLabels(t *testing.T) {
	c := Collater{PadID: 0}
	b, err := c.Collate(nil, [][]int{{2, 5, 6, 7, 3}})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	labels, _ := Ints(b.Labels)
	want := []int{5, 6, 7, 3, IgnoreIndex}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("labels[%d]: expected %d, got %d", i, want[i], labels[i])
		}
	}
}

// TestCollateMaxLenTruncation tests sequence truncation.
func TestCollateMaxLenTruncation(t *testing.T) {
	c := Collater{PadID: 0, MaxLen: 3}
	b, err := c.Collate(nil, [][]int{{5, 6, 7, 8, 9}})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	_, cols, _ := b.Dims()
	if cols != 3 {
		t.Fatalf("Expected truncated width 3, got %d", cols)
	}
	inputs, _ := Ints(b.Inputs)
	labels, _ := Ints(b.Labels)
	wantInputs := []int{5, 6, 7}
	wantLabels := []int{6, 7, IgnoreIndex}
	for i := range wantInputs {
		if inputs[i] != wantInputs[i] {
			t.Errorf("inputs[%d]: expected %d, got %d", i, wantInputs[i], inputs[i])
		}
		if labels[i] != wantLabels[i] {
			t.Errorf("labels[%d]: expected %d, got %d", i, wantLabels[i], labels[i])
		}
	}
}

// TestCollateTokenTypes tests the optional token type tensor.
func TestCollateTokenTypes(t *testing.T) {
	c := Collater{PadID: 0, WithTokenTypes: true}
	b, err := c.Collate(nil, [][]int{{5, 6}})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	if b.TokenTypes == nil {
		t.Fatal("Expected token types tensor")
	}
	tt, err := Ints(b.TokenTypes)
	if err != nil {
		t.Fatalf("Ints failed: %v", err)
	}
	for i, v := range tt {
		if v != 0 {
			t.Errorf("token types[%d]: expected 0, got %d", i, v)
		}
	}

	c.WithTokenTypes = false
	b, err = c.Collate(nil, [][]int{{5, 6}})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	if b.TokenTypes != nil {
		t.Error("Expected nil token types when disabled")
	}
}

// TestCollateErrors tests the rejection paths.
func TestCollateErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	if _, err := (Collater{PadID: 0}).Collate(rng, nil); err == nil {
		t.Error("Expected error for empty sequence list")
	}
	if _, err := (Collater{PadID: 0}).Collate(rng, [][]int{{}}); err == nil {
		t.Error("Expected error when every sequence is empty")
	}
	if _, err := (Collater{MLM: true, MLMProb: 0.15, MaskID: 4}).Collate(nil, [][]int{{5}}); err == nil {
		t.Error("Expected error for nil rng in mlm mode")
	}
	if _, err := (Collater{MLM: true, MLMProb: 1.5, MaskID: 4}).Collate(rng, [][]int{{5}}); err == nil {
		t.Error("Expected error for probability outside [0,1]")
	}
	if _, err := (Collater{MLM: true, MLMProb: 0.15, MaskID: -1}).Collate(rng, [][]int{{5}}); err == nil {
		t.Error("Expected error for invalid mask id")
	}
	if _, err := (Collater{MLM: true, MLMProb: 0.15, MaskID: 4, RandReplace: true}).Collate(rng, [][]int{{5}}); err == nil {
		t.Error("Expected error for random replacement without a vocab size")
	}
}

// BenchmarkCollate benchmarks MLM collation of a realistic batch.
func BenchmarkCollate(b *testing.B) {
	c := ratioCollater(true, 0.15)
	rng := rand.New(rand.NewSource(42))
	seqs := gridSeqs(32, 128, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Collate(rng, seqs); err != nil {
			b.Fatal(err)
		}
	}
}

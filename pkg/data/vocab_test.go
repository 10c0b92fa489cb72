package data

import (
	"os"
	"path/filepath"
	"testing"
)

const testCorpus = "the cat sat on the mat the cat"

// TestBuildVocabSpecialsFirst tests that the special tokens occupy
// the fixed low ids.
func TestBuildVocabSpecialsFirst(t *testing.T) {
	v := BuildVocab(testCorpus, 100)

	if v.PadID() != 0 {
		t.Errorf("Expected [PAD] at id 0, got %d", v.PadID())
	}
	if v.UnkID() != 1 {
		t.Errorf("Expected [UNK] at id 1, got %d", v.UnkID())
	}
	if v.ClsID() != 2 {
		t.Errorf("Expected [CLS] at id 2, got %d", v.ClsID())
	}
	if v.SepID() != 3 {
		t.Errorf("Expected [SEP] at id 3, got %d", v.SepID())
	}
	if v.MaskID() != 4 {
		t.Errorf("Expected [MASK] at id 4, got %d", v.MaskID())
	}
	if got := len(v.SpecialIDs()); got != 5 {
		t.Errorf("Expected 5 special ids, got %d", got)
	}
}

// TestBuildVocabFrequencyOrder tests that words are assigned ids most
// frequent first, ties broken alphabetically.
func TestBuildVocabFrequencyOrder(t *testing.T) {
	v := BuildVocab(testCorpus, 100)

	if v.Size() != 10 {
		t.Fatalf("Expected vocab size 10, got %d", v.Size())
	}
	want := map[string]int{"the": 5, "cat": 6, "mat": 7, "on": 8, "sat": 9}
	for word, id := range want {
		got, ok := v.ID(word)
		if !ok {
			t.Errorf("Expected %q in vocab", word)
			continue
		}
		if got != id {
			t.Errorf("Expected %q at id %d, got %d", word, id, got)
		}
	}
}

// TestBuildVocabCap tests the size cap including specials.
func TestBuildVocabCap(t *testing.T) {
	v := BuildVocab(testCorpus, 7)
	if v.Size() != 7 {
		t.Errorf("Expected capped size 7, got %d", v.Size())
	}
	if _, ok := v.ID("the"); !ok {
		t.Error("Expected most frequent word to survive the cap")
	}
	if _, ok := v.ID("mat"); ok {
		t.Error("Expected rare word to be dropped by the cap")
	}
}

// TestEncode tests bracketing, lowercasing and the [UNK] fallback.
func TestEncode(t *testing.T) {
	v := BuildVocab(testCorpus, 100)
	ids := v.Encode("The cat flew")

	want := []int{v.ClsID(), 5, 6, v.UnkID(), v.SepID()}
	if len(ids) != len(want) {
		t.Fatalf("Expected %d ids, got %d (%v)", len(want), len(ids), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Expected id %d at position %d, got %d", want[i], i, ids[i])
		}
	}
}

// TestDecodeSkipsSpecials tests that decode drops special tokens and
// out-of-range ids.
func TestDecodeSkipsSpecials(t *testing.T) {
	v := BuildVocab(testCorpus, 100)
	got := v.Decode([]int{v.ClsID(), 5, 6, v.UnkID(), v.SepID(), 999})
	if got != "the cat" {
		t.Errorf("Expected %q, got %q", "the cat", got)
	}
}

// TestVocabSaveLoad tests the JSON round trip.
func TestVocabSaveLoad(t *testing.T) {
	v := BuildVocab(testCorpus, 100)
	path := filepath.Join(t.TempDir(), "vocab.json")

	if err := v.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := LoadVocab(path)
	if err != nil {
		t.Fatalf("LoadVocab failed: %v", err)
	}

	if loaded.Size() != v.Size() {
		t.Errorf("Expected size %d after reload, got %d", v.Size(), loaded.Size())
	}
	for _, word := range []string{"the", "cat", "mat"} {
		a, _ := v.ID(word)
		b, ok := loaded.ID(word)
		if !ok || a != b {
			t.Errorf("Expected %q at id %d after reload, got %d (present=%v)", word, a, b, ok)
		}
	}
	if loaded.MaskID() != 4 {
		t.Errorf("Expected [MASK] at id 4 after reload, got %d", loaded.MaskID())
	}
}

// TestLoadVocabMissingSpecials tests that a vocab file without the
// special tokens is rejected.
func TestLoadVocabMissingSpecials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.json")
	if err := os.WriteFile(path, []byte(`["a","b","c"]`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadVocab(path); err == nil {
		t.Error("Expected error for vocab without special tokens")
	}
}

// TestWordLookup tests the id-to-word direction.
func TestWordLookup(t *testing.T) {
	v := BuildVocab(testCorpus, 100)
	w, ok := v.Word(5)
	if !ok || w != "the" {
		t.Errorf("Expected word %q at id 5, got %q (present=%v)", "the", w, ok)
	}
	if _, ok := v.Word(-1); ok {
		t.Error("Expected no word for negative id")
	}
	if _, ok := v.Word(v.Size()); ok {
		t.Error("Expected no word past the vocab end")
	}
}

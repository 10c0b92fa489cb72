package data

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Special tokens, registered at fixed low ids in every Vocab.
const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"
)

var specialTokens = []string{PadToken, UnkToken, ClsToken, SepToken, MaskToken}

// Vocab is a word-level vocabulary. Subword schemes are a tokenizer
// concern outside this repo; the demo drivers only need something that
// turns a corpus into id sequences with the BERT-style specials.
type Vocab struct {
	toID   map[string]int
	toWord []string
}

// BuildVocab builds a vocabulary from whitespace-split, lowercased
// words, most frequent first, capped at maxSize including specials.
func BuildVocab(corpus string, maxSize int) *Vocab {
	v := &Vocab{toID: make(map[string]int)}
	for _, tok := range specialTokens {
		v.add(tok)
	}

	freq := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(corpus)) {
		freq[w]++
	}
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	for _, w := range words {
		if len(v.toWord) >= maxSize {
			break
		}
		v.add(w)
	}
	return v
}

func (v *Vocab) add(word string) int {
	if id, ok := v.toID[word]; ok {
		return id
	}
	id := len(v.toWord)
	v.toID[word] = id
	v.toWord = append(v.toWord, word)
	return id
}

// Encode turns text into ids bracketed by [CLS] and [SEP]. Unknown
// words map to [UNK].
func (v *Vocab) Encode(text string) []int {
	ids := []int{v.toID[ClsToken]}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if id, ok := v.toID[w]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, v.toID[UnkToken])
		}
	}
	return append(ids, v.toID[SepToken])
}

// Decode renders ids back to words, skipping specials.
func (v *Vocab) Decode(ids []int) string {
	var words []string
	for _, id := range ids {
		if id < 0 || id >= len(v.toWord) {
			continue
		}
		w := v.toWord[id]
		if isSpecial(w) {
			continue
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

func isSpecial(w string) bool {
	for _, s := range specialTokens {
		if w == s {
			return true
		}
	}
	return false
}

func (v *Vocab) Size() int   { return len(v.toWord) }
func (v *Vocab) PadID() int  { return v.toID[PadToken] }
func (v *Vocab) UnkID() int  { return v.toID[UnkToken] }
func (v *Vocab) ClsID() int  { return v.toID[ClsToken] }
func (v *Vocab) SepID() int  { return v.toID[SepToken] }
func (v *Vocab) MaskID() int { return v.toID[MaskToken] }

// SpecialIDs returns the ids the collater must never select for
// masking.
func (v *Vocab) SpecialIDs() []int {
	ids := make([]int, 0, len(specialTokens))
	for _, s := range specialTokens {
		ids = append(ids, v.toID[s])
	}
	return ids
}

// ID looks a word up.
func (v *Vocab) ID(word string) (int, bool) {
	id, ok := v.toID[word]
	return id, ok
}

// Word returns the surface form for an id.
func (v *Vocab) Word(id int) (string, bool) {
	if id < 0 || id >= len(v.toWord) {
		return "", false
	}
	return v.toWord[id], true
}

// Save writes the vocabulary as JSON, one array of words in id order.
func (v *Vocab) Save(path string) error {
	buf, err := json.MarshalIndent(v.toWord, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal vocab")
	}
	return errors.Wrap(os.WriteFile(path, buf, 0o644), "write vocab")
}

// LoadVocab restores a vocabulary written by Save.
func LoadVocab(path string) (*Vocab, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read vocab")
	}
	var words []string
	if err := json.Unmarshal(buf, &words); err != nil {
		return nil, errors.Wrap(err, "unmarshal vocab")
	}
	v := &Vocab{toID: make(map[string]int, len(words))}
	for _, w := range words {
		v.add(w)
	}
	for _, s := range specialTokens {
		if _, ok := v.toID[s]; !ok {
			return nil, errors.Errorf("vocab at %s is missing %s", path, s)
		}
	}
	return v, nil
}

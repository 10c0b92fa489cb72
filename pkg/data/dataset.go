package data

import (
	"encoding/gob"
	"math/rand"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Dataset holds pretokenized sequences in memory.
type Dataset struct {
	seqs [][]int
}

func NewDataset(seqs [][]int) *Dataset {
	return &Dataset{seqs: seqs}
}

// FromCorpus encodes one sequence per non-empty line.
func FromCorpus(v *Vocab, corpus string) *Dataset {
	var seqs [][]int
	for _, line := range strings.Split(corpus, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		seqs = append(seqs, v.Encode(line))
	}
	return NewDataset(seqs)
}

func (d *Dataset) Len() int        { return len(d.seqs) }
func (d *Dataset) Seq(i int) []int { return d.seqs[i] }

// Split carves off the first frac of sequences as the training set,
// the remainder as validation.
func (d *Dataset) Split(frac float64) (*Dataset, *Dataset) {
	n := int(float64(len(d.seqs)) * frac)
	if n < 0 {
		n = 0
	}
	if n > len(d.seqs) {
		n = len(d.seqs)
	}
	return NewDataset(d.seqs[:n]), NewDataset(d.seqs[n:])
}

// Save persists the sequences with gob, ids stored as int32.
func (d *Dataset) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create dataset file")
	}
	defer f.Close()
	out := make([][]int32, len(d.seqs))
	for i, s := range d.seqs {
		row := make([]int32, len(s))
		for j, id := range s {
			row[j] = int32(id)
		}
		out[i] = row
	}
	if err := gob.NewEncoder(f).Encode(out); err != nil {
		return errors.Wrap(err, "encode dataset")
	}
	return nil
}

// LoadPretokenized reads a dataset written by Save.
func LoadPretokenized(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dataset file")
	}
	defer f.Close()
	var in [][]int32
	if err := gob.NewDecoder(f).Decode(&in); err != nil {
		return nil, errors.Wrap(err, "decode dataset")
	}
	seqs := make([][]int, len(in))
	for i, s := range in {
		row := make([]int, len(s))
		for j, id := range s {
			row[j] = int(id)
		}
		seqs[i] = row
	}
	return NewDataset(seqs), nil
}

// Loader iterates a dataset in collated batches. Reset reshuffles the
// visit order; a nil rng keeps it sequential. The final short batch is
// kept, not dropped.
type Loader struct {
	ds        *Dataset
	collater  Collater
	batchSize int
	order     []int
	pos       int
}

func NewLoader(ds *Dataset, c Collater, batchSize int) (*Loader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size %d invalid", batchSize)
	}
	l := &Loader{ds: ds, collater: c, batchSize: batchSize}
	l.Reset(nil)
	return l, nil
}

func (l *Loader) Reset(rng *rand.Rand) {
	if l.order == nil {
		l.order = make([]int, l.ds.Len())
	}
	for i := range l.order {
		l.order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
	l.pos = 0
}

// Batches reports how many batches one pass yields.
func (l *Loader) Batches() int {
	n := l.ds.Len()
	return (n + l.batchSize - 1) / l.batchSize
}

// Next collates the next batch. ok is false once the pass is done.
func (l *Loader) Next(rng *rand.Rand) (Batch, bool, error) {
	if l.pos >= len(l.order) {
		return Batch{}, false, nil
	}
	end := l.pos + l.batchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	seqs := make([][]int, 0, end-l.pos)
	for _, idx := range l.order[l.pos:end] {
		seqs = append(seqs, l.ds.Seq(idx))
	}
	l.pos = end
	b, err := l.collater.Collate(rng, seqs)
	if err != nil {
		return Batch{}, false, err
	}
	return b, true, nil
}

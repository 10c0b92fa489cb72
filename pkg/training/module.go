package training

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"lmtrainers/pkg/data"
	"lmtrainers/pkg/nn"
)

// Model is what the modules drive: one forward returning loss and
// per-position logits, named parameters for the optimizer, and
// save_pretrained-style persistence. Generator-shaped models emit
// [B,T,V] logits, discriminator-shaped models [B,T,C].
type Model interface {
	Forward(b data.Batch) (nn.Output, error)
	NamedParameters() []*nn.Parameter
	SavePretrained(dir string) error
}

// VocabSized is optionally implemented by models that know their
// vocabulary; the ELECTRA module uses it to reject mismatched
// generator/discriminator pairs at construction.
type VocabSized interface {
	VocabSize() int
}

func lrTag(group int) string { return fmt.Sprintf("lr_%d", group) }

// stepDir is the checkpoint naming convention: <base>/<epoch>-<step>.
func stepDir(base string, epoch, step int) string {
	return filepath.Join(base, fmt.Sprintf("%d-%d", epoch, step))
}

// maskedAccuracy compares argmax(logits) to labels over the positions
// whose label is not the ignore index. A batch with none is an error,
// not a silent zero.
func maskedAccuracy(logits *tensor.Dense, labels *tensor.Dense) (float64, error) {
	flat, rows, width, err := logitRows(logits, labels)
	if err != nil {
		return 0, err
	}
	labs, err := data.Ints(labels)
	if err != nil {
		return 0, err
	}
	correct, total := 0, 0
	for i := 0; i < rows; i++ {
		if labs[i] == data.IgnoreIndex {
			continue
		}
		total++
		if argmaxRow(flat[i*width:(i+1)*width]) == labs[i] {
			correct++
		}
	}
	if total == 0 {
		return 0, errors.New("accuracy undefined: no labeled positions")
	}
	return float64(correct) / float64(total), nil
}

// fullAccuracy compares argmax(logits) to labels over every position.
func fullAccuracy(logits *tensor.Dense, labels *tensor.Dense) (float64, error) {
	flat, rows, width, err := logitRows(logits, labels)
	if err != nil {
		return 0, err
	}
	labs, err := data.Ints(labels)
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, errors.New("accuracy undefined: empty batch")
	}
	correct := 0
	for i := 0; i < rows; i++ {
		if argmaxRow(flat[i*width:(i+1)*width]) == labs[i] {
			correct++
		}
	}
	return float64(correct) / float64(rows), nil
}

// logitRows flattens [B,T,W] logits into B*T rows of width W after
// checking agreement with the [B,T] labels.
func logitRows(logits *tensor.Dense, labels *tensor.Dense) ([]float32, int, int, error) {
	if logits == nil {
		return nil, 0, 0, errors.New("nil logits")
	}
	s := logits.Shape()
	if len(s) != 3 {
		return nil, 0, 0, errors.Errorf("want [B,T,*] logits, got shape %v", s)
	}
	lr, lc, err := data.MatrixShape(labels)
	if err != nil {
		return nil, 0, 0, errors.Wrap(err, "labels")
	}
	if s[0] != lr || s[1] != lc {
		return nil, 0, 0, errors.Errorf("logits shape %v does not match labels [%d,%d]", s, lr, lc)
	}
	if s[2] <= 0 {
		return nil, 0, 0, errors.Errorf("empty class axis in logits shape %v", s)
	}
	flat, ok := logits.Data().([]float32)
	if !ok {
		return nil, 0, 0, errors.Errorf("want float32 logits, got %v", logits.Dtype())
	}
	return flat, s[0] * s[1], s[2], nil
}

func argmaxRow(row []float32) int {
	best := 0
	for i, v := range row[1:] {
		if v > row[best] {
			best = i + 1
		}
	}
	return best
}

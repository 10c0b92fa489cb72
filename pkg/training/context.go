// Package training implements the two pretraining modules: plain
// language modeling (LMTrainingModule) and ELECTRA-style
// discriminative pretraining (DiscLMTrainingModule). The modules own
// per-step semantics only; an external driver owns the loop, the
// backward calls and the optimizer stepping.
package training

import (
	"encoding/json"
	"io"
	"math/rand"
	"sync"

	"lmtrainers/pkg/optim"
)

// StepContext carries the trainer-owned state a hook invocation needs.
// Nothing here is ambient: the global step, the rank, the RNG, the
// schedule handle and the metric sink all arrive explicitly.
type StepContext struct {
	Step     int
	Epoch    int
	Rank     int // rank 0 is the leader; only it writes checkpoints
	RNG      *rand.Rand
	Schedule *optim.Schedule
	Metrics  MetricSink // nil means discard
}

func (c *StepContext) scalar(tag string, v float64) {
	if c != nil && c.Metrics != nil {
		c.Metrics.Scalar(tag, v, c.Step)
	}
}

// advance steps the schedule once, keyed by the global step, and
// reports the per-group rates.
func (c *StepContext) advance() {
	if c == nil || c.Schedule == nil {
		return
	}
	c.Schedule.Step(c.Step)
	for i, r := range c.Schedule.Rates() {
		c.scalar(lrTag(i), r)
	}
}

// MetricSink receives scalar training metrics.
type MetricSink interface {
	Scalar(tag string, value float64, step int)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Scalar(string, float64, int) {}

// ScalarPoint is one recorded metric value.
type ScalarPoint struct {
	Tag   string  `json:"tag"`
	Value float64 `json:"value"`
	Step  int     `json:"step"`
}

// MemorySink records scalars in arrival order.
type MemorySink struct {
	mu     sync.Mutex
	points []ScalarPoint
}

func (s *MemorySink) Scalar(tag string, value float64, step int) {
	s.mu.Lock()
	s.points = append(s.points, ScalarPoint{Tag: tag, Value: value, Step: step})
	s.mu.Unlock()
}

// Points returns a copy of the recorded history.
func (s *MemorySink) Points() []ScalarPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScalarPoint(nil), s.points...)
}

// Last returns the most recent point for a tag.
func (s *MemorySink) Last(tag string) (ScalarPoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.points) - 1; i >= 0; i-- {
		if s.points[i].Tag == tag {
			return s.points[i], true
		}
	}
	return ScalarPoint{}, false
}

// JSONLSink writes one JSON object per scalar, suitable for offline
// plotting. Writes after the first failure are dropped; Err reports
// the first failure.
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

func (s *JSONLSink) Scalar(tag string, value float64, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = s.enc.Encode(ScalarPoint{Tag: tag, Value: value, Step: step})
}

func (s *JSONLSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

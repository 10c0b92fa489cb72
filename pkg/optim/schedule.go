package optim

import "github.com/pkg/errors"

// Schedule is the linear warmup then linear decay schedule. It is
// keyed by absolute global step: factor ramps 0→1 over the warmup
// steps, then decays linearly to 0 at the final step. Advancing is
// idempotent for a given step, so re-running a step is harmless.
type Schedule struct {
	solver *Lamb
	base   float64
	warmup int
	total  int
}

// NewLinearSchedule wires a schedule to a solver, capturing its
// current learning rate as the base.
func NewLinearSchedule(solver *Lamb, warmupSteps, totalSteps int) (*Schedule, error) {
	if solver == nil {
		return nil, errors.New("schedule needs a solver")
	}
	if totalSteps <= 0 {
		return nil, errors.Errorf("total steps %d must be positive", totalSteps)
	}
	if warmupSteps < 0 {
		return nil, errors.Errorf("warmup steps %d negative", warmupSteps)
	}
	return &Schedule{solver: solver, base: solver.LearnRate(), warmup: warmupSteps, total: totalSteps}, nil
}

// Factor is the multiplier applied to the base rate at a step.
func (s *Schedule) Factor(step int) float64 {
	if step < s.warmup {
		return float64(step) / float64(max(1, s.warmup))
	}
	f := float64(s.total-step) / float64(max(1, s.total-s.warmup))
	if f < 0 {
		return 0
	}
	return f
}

// Step sets the solver rate for the given global step.
func (s *Schedule) Step(step int) {
	s.solver.SetLearnRate(s.base * s.Factor(step))
}

// Rates reports the current learning rate once per parameter group,
// in group order.
func (s *Schedule) Rates() []float64 {
	out := make([]float64, s.solver.NumGroups())
	for i := range out {
		out[i] = s.solver.LearnRate()
	}
	return out
}

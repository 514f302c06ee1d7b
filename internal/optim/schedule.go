package optim

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// LinearWarmup ramps the learning rate linearly from zero to the base
// rate over the warmup steps, then decays it linearly to zero at the
// final step. Position tracks how many rates have been handed out so a
// resumed run can continue the schedule exactly.
type LinearWarmup struct {
	base   float64
	warmup int
	total  int
	pos    int
}

// NewLinearWarmup builds a schedule for total optimizer steps with the
// given warmup length.
func NewLinearWarmup(base float64, warmupSteps, totalSteps int) (*LinearWarmup, error) {
	if base <= 0 {
		return nil, fmt.Errorf("base learning rate must be positive, got %g", base)
	}
	if totalSteps <= 0 {
		return nil, fmt.Errorf("total steps must be positive, got %d", totalSteps)
	}
	if warmupSteps < 0 || warmupSteps > totalSteps {
		return nil, fmt.Errorf("warmup steps %d outside [0,%d]", warmupSteps, totalSteps)
	}
	return &LinearWarmup{base: base, warmup: warmupSteps, total: totalSteps}, nil
}

// Next returns the learning rate for the upcoming optimizer step and
// advances the schedule.
func (s *LinearWarmup) Next() float64 {
	lr := s.At(s.pos)
	s.pos++
	return lr
}

// At returns the learning rate for step pos without advancing.
func (s *LinearWarmup) At(pos int) float64 {
	if s.warmup > 0 && pos < s.warmup {
		return s.base * float64(pos+1) / float64(s.warmup)
	}
	if pos >= s.total {
		return 0
	}
	denom := s.total - s.warmup
	if denom <= 0 {
		return s.base
	}
	return s.base * float64(s.total-pos) / float64(denom)
}

// Position returns how many steps the schedule has handed out.
func (s *LinearWarmup) Position() int {
	return s.pos
}

// SetPosition fast-forwards the schedule, used when resuming.
func (s *LinearWarmup) SetPosition(pos int) {
	if pos < 0 {
		pos = 0
	}
	s.pos = pos
}

// ClipGradients rescales all gradients so their global L2 norm does not
// exceed maxNorm. Returns the pre-clip norm. A non-positive maxNorm
// disables clipping.
func ClipGradients(params []*tensor.Param, maxNorm float64) float64 {
	sum := 0.0
	for _, p := range params {
		for _, g := range p.G.RawMatrix().Data {
			sum += g * g
		}
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + 1e-12)
	for _, p := range params {
		g := p.G.RawMatrix().Data
		for j := range g {
			g[j] *= scale
		}
	}
	return norm
}

package optim

import (
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// AdamWConfig holds the optimizer hyperparameters. The learning rate is
// not part of the config; it is supplied per step by the schedule.
type AdamWConfig struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamWConfig mirrors the usual BERT pretraining settings.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{Beta1: 0.9, Beta2: 0.999, Eps: 1e-6, WeightDecay: 0.01}
}

// AdamW implements decoupled weight decay Adam over a fixed parameter
// list. Biases and layer-norm scales are exempt from decay, matching
// standard BERT practice.
type AdamW struct {
	cfg    AdamWConfig
	params []*tensor.Param
	m      [][]float64
	v      [][]float64
	step   int
}

// NewAdamW builds optimizer state for params. The parameter order must
// stay stable for the lifetime of the optimizer (and across snapshot
// restores).
func NewAdamW(params []*tensor.Param, cfg AdamWConfig) (*AdamW, error) {
	if cfg.Beta1 <= 0 || cfg.Beta1 >= 1 || cfg.Beta2 <= 0 || cfg.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in (0,1), got %g/%g", cfg.Beta1, cfg.Beta2)
	}
	if cfg.Eps <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", cfg.Eps)
	}
	if cfg.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %g", cfg.WeightDecay)
	}
	o := &AdamW{cfg: cfg, params: params}
	for _, p := range params {
		o.m = append(o.m, make([]float64, p.Size()))
		o.v = append(o.v, make([]float64, p.Size()))
	}
	return o, nil
}

func decayApplies(name string) bool {
	return !strings.Contains(name, ".bias") &&
		!strings.Contains(name, ".gamma") &&
		!strings.Contains(name, ".beta")
}

// Step applies one update using the accumulated gradients and the given
// learning rate. Gradients are left untouched; the caller zeroes them.
func (o *AdamW) Step(lr float64) {
	o.step++
	b1c := 1 - math.Pow(o.cfg.Beta1, float64(o.step))
	b2c := 1 - math.Pow(o.cfg.Beta2, float64(o.step))

	for i, p := range o.params {
		w := p.W.RawMatrix().Data
		g := p.G.RawMatrix().Data
		m := o.m[i]
		v := o.v[i]
		decay := o.cfg.WeightDecay
		if !decayApplies(p.Name) {
			decay = 0
		}
		for j := range w {
			m[j] = o.cfg.Beta1*m[j] + (1-o.cfg.Beta1)*g[j]
			v[j] = o.cfg.Beta2*v[j] + (1-o.cfg.Beta2)*g[j]*g[j]
			mhat := m[j] / b1c
			vhat := v[j] / b2c
			w[j] -= lr * (mhat/(math.Sqrt(vhat)+o.cfg.Eps) + decay*w[j])
		}
	}
}

// StepCount returns the number of optimizer steps taken.
func (o *AdamW) StepCount() int {
	return o.step
}

// Snapshot is the serializable optimizer state.
type Snapshot struct {
	Step int                  `cbor:"step"`
	M    map[string][]float64 `cbor:"m"`
	V    map[string][]float64 `cbor:"v"`
}

// Snapshot copies the moment estimates and step counter.
func (o *AdamW) Snapshot() Snapshot {
	s := Snapshot{
		Step: o.step,
		M:    make(map[string][]float64, len(o.params)),
		V:    make(map[string][]float64, len(o.params)),
	}
	for i, p := range o.params {
		m := make([]float64, len(o.m[i]))
		copy(m, o.m[i])
		v := make([]float64, len(o.v[i]))
		copy(v, o.v[i])
		s.M[p.Name] = m
		s.V[p.Name] = v
	}
	return s
}

// Restore replaces the optimizer state with a snapshot taken from an
// identically shaped model.
func (o *AdamW) Restore(s Snapshot) error {
	for i, p := range o.params {
		m, ok := s.M[p.Name]
		if !ok {
			return fmt.Errorf("optimizer snapshot missing moments for %s", p.Name)
		}
		v, ok := s.V[p.Name]
		if !ok {
			return fmt.Errorf("optimizer snapshot missing variance for %s", p.Name)
		}
		if len(m) != p.Size() || len(v) != p.Size() {
			return fmt.Errorf("optimizer snapshot for %s has %d/%d elements, want %d",
				p.Name, len(m), len(v), p.Size())
		}
		copy(o.m[i], m)
		copy(o.v[i], v)
	}
	o.step = s.Step
	return nil
}

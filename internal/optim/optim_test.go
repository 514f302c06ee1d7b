package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

func newParam(name string, vals ...float64) *tensor.Param {
	return tensor.NewParam(name, mat.NewDense(1, len(vals), vals))
}

// Minimizing f(w) = w^2/2 (gradient w) should drive w toward zero.
func TestAdamWConvergesOnQuadratic(t *testing.T) {
	p := newParam("w.weight", 5.0)
	o, err := NewAdamW([]*tensor.Param{p}, DefaultAdamWConfig())
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		p.G.Set(0, 0, p.W.At(0, 0))
		o.Step(0.05)
		p.ZeroGrad()
	}
	require.Less(t, math.Abs(p.W.At(0, 0)), 0.1)
	require.Equal(t, 500, o.StepCount())
}

func TestAdamWDecayExemptions(t *testing.T) {
	weight := newParam("layer.weight", 1.0)
	bias := newParam("layer.bias", 1.0)
	gamma := newParam("layer_norm.gamma", 1.0)
	beta := newParam("layer_norm.beta", 1.0)

	o, err := NewAdamW([]*tensor.Param{weight, bias, gamma, beta}, DefaultAdamWConfig())
	require.NoError(t, err)

	// With zero gradients the only movement comes from weight decay.
	o.Step(0.1)
	require.Less(t, weight.W.At(0, 0), 1.0)
	require.Equal(t, 1.0, bias.W.At(0, 0))
	require.Equal(t, 1.0, gamma.W.At(0, 0))
	require.Equal(t, 1.0, beta.W.At(0, 0))
}

func TestAdamWConfigValidation(t *testing.T) {
	for _, cfg := range []AdamWConfig{
		{Beta1: 0, Beta2: 0.999, Eps: 1e-6},
		{Beta1: 0.9, Beta2: 1, Eps: 1e-6},
		{Beta1: 0.9, Beta2: 0.999, Eps: 0},
		{Beta1: 0.9, Beta2: 0.999, Eps: 1e-6, WeightDecay: -1},
	} {
		_, err := NewAdamW(nil, cfg)
		require.Error(t, err)
	}
}

func TestAdamWSnapshotRestore(t *testing.T) {
	run := func(p *tensor.Param, o *AdamW, steps int) {
		for i := 0; i < steps; i++ {
			p.G.Set(0, 0, p.W.At(0, 0))
			o.Step(0.05)
			p.ZeroGrad()
		}
	}

	a := newParam("w.weight", 5.0)
	oa, err := NewAdamW([]*tensor.Param{a}, DefaultAdamWConfig())
	require.NoError(t, err)
	run(a, oa, 3)

	snap := oa.Snapshot()

	// A fresh optimizer over the same weights, restored from the
	// snapshot, must continue identically.
	b := newParam("w.weight", a.W.At(0, 0))
	ob, err := NewAdamW([]*tensor.Param{b}, DefaultAdamWConfig())
	require.NoError(t, err)
	require.NoError(t, ob.Restore(snap))
	require.Equal(t, oa.StepCount(), ob.StepCount())

	run(a, oa, 5)
	run(b, ob, 5)
	require.Equal(t, a.W.At(0, 0), b.W.At(0, 0))
}

func TestAdamWRestoreRejectsMismatch(t *testing.T) {
	p := newParam("w.weight", 1.0)
	o, err := NewAdamW([]*tensor.Param{p}, DefaultAdamWConfig())
	require.NoError(t, err)

	snap := o.Snapshot()
	delete(snap.M, "w.weight")
	require.Error(t, o.Restore(snap))

	snap = o.Snapshot()
	snap.V["w.weight"] = []float64{1, 2}
	require.Error(t, o.Restore(snap))
}

func TestLinearWarmupSchedule(t *testing.T) {
	s, err := NewLinearWarmup(1e-4, 10, 100)
	require.NoError(t, err)

	require.InDelta(t, 1e-5, s.At(0), 1e-12)
	require.InDelta(t, 1e-4, s.At(9), 1e-12, "peak at end of warmup")
	require.Greater(t, s.At(10), s.At(50))
	require.Greater(t, s.At(50), s.At(99))
	require.InDelta(t, 0, s.At(100), 1e-12)

	// Monotone ramp during warmup.
	for i := 1; i < 10; i++ {
		require.Greater(t, s.At(i), s.At(i-1))
	}

	first := s.Next()
	require.InDelta(t, 1e-5, first, 1e-12)
	require.Equal(t, 1, s.Position())
}

func TestLinearWarmupResume(t *testing.T) {
	a, err := NewLinearWarmup(1e-4, 10, 100)
	require.NoError(t, err)
	for i := 0; i < 37; i++ {
		a.Next()
	}

	b, err := NewLinearWarmup(1e-4, 10, 100)
	require.NoError(t, err)
	b.SetPosition(a.Position())
	require.Equal(t, a.Next(), b.Next())
}

func TestLinearWarmupValidation(t *testing.T) {
	_, err := NewLinearWarmup(0, 10, 100)
	require.Error(t, err)
	_, err = NewLinearWarmup(1e-4, -1, 100)
	require.Error(t, err)
	_, err = NewLinearWarmup(1e-4, 101, 100)
	require.Error(t, err)
	_, err = NewLinearWarmup(1e-4, 0, 0)
	require.Error(t, err)
}

func TestClipGradients(t *testing.T) {
	p := newParam("w.weight", 0, 0, 0)
	p.G.Set(0, 0, 3)
	p.G.Set(0, 1, 4)

	norm := ClipGradients([]*tensor.Param{p}, 1.0)
	require.InDelta(t, 5.0, norm, 1e-12)

	clipped := math.Hypot(p.G.At(0, 0), p.G.At(0, 1))
	require.InDelta(t, 1.0, clipped, 1e-9)

	// Under the threshold nothing changes.
	before := p.G.At(0, 0)
	norm = ClipGradients([]*tensor.Param{p}, 10.0)
	require.InDelta(t, 1.0, norm, 1e-9)
	require.Equal(t, before, p.G.At(0, 0))

	// maxNorm <= 0 disables clipping.
	norm = ClipGradients([]*tensor.Param{p}, 0)
	require.InDelta(t, 1.0, norm, 1e-9)
}

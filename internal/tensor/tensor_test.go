package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestXavierDeterminism(t *testing.T) {
	a := Xavier(rand.New(rand.NewSource(39)), 16, 8)
	b := Xavier(rand.New(rand.NewSource(39)), 16, 8)
	require.True(t, mat.Equal(a, b), "same seed must produce identical matrices")

	c := Xavier(rand.New(rand.NewSource(40)), 16, 8)
	require.False(t, mat.Equal(a, c))

	// Bounds check
	limit := math.Sqrt(6.0 / float64(16+8))
	r, cols := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < cols; j++ {
			require.LessOrEqual(t, math.Abs(a.At(i, j)), limit)
		}
	}
}

func TestRowSoftmax(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{1, 2, 3, 1000, 1000, 1000})
	RowSoftmax(m)

	for i := 0; i < 2; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += m.At(i, j)
		}
		require.InDelta(t, 1.0, sum, 1e-12)
	}
	// Large inputs must not overflow
	require.InDelta(t, 1.0/3.0, m.At(1, 0), 1e-12)
	require.Greater(t, m.At(0, 2), m.At(0, 1))
}

// numericGrad approximates d f / d x[i][j] with central differences.
func numericGrad(x *mat.Dense, i, j int, f func() float64) float64 {
	const h = 1e-6
	orig := x.At(i, j)
	x.Set(i, j, orig+h)
	plus := f()
	x.Set(i, j, orig-h)
	minus := f()
	x.Set(i, j, orig)
	return (plus - minus) / (2 * h)
}

func TestGeluBackwardMatchesNumeric(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := Xavier(rng, 3, 4)

	// Scalar objective: sum of gelu(x)
	f := func() float64 {
		y := Gelu(x)
		return mat.Sum(y)
	}
	dY := Filled(3, 4, 1.0)
	dX := GeluBackward(x, dY)

	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			want := numericGrad(x, i, j, f)
			require.InDelta(t, want, dX.At(i, j), 1e-5)
		}
	}
}

func TestLayerNormBackwardMatchesNumeric(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	x := Xavier(rng, 2, 6)
	gamma := Xavier(rng, 1, 6)
	beta := Xavier(rng, 1, 6)
	const eps = 1e-12

	// Weighted sum keeps the objective sensitive to every element.
	weights := Xavier(rng, 2, 6)
	f := func() float64 {
		y, _ := LayerNormForward(x, gamma, beta, eps)
		total := 0.0
		for i := 0; i < 2; i++ {
			for j := 0; j < 6; j++ {
				total += y.At(i, j) * weights.At(i, j)
			}
		}
		return total
	}

	_, cache := LayerNormForward(x, gamma, beta, eps)
	dGamma := Zeros(1, 6)
	dBeta := Zeros(1, 6)
	dX := LayerNormBackward(cache, gamma, weights, dGamma, dBeta)

	for i := 0; i < 2; i++ {
		for j := 0; j < 6; j++ {
			want := numericGrad(x, i, j, f)
			require.InDelta(t, want, dX.At(i, j), 1e-4)
		}
	}
	for j := 0; j < 6; j++ {
		want := numericGrad(gamma, 0, j, f)
		require.InDelta(t, want, dGamma.At(0, j), 1e-4)
		want = numericGrad(beta, 0, j, f)
		require.InDelta(t, want, dBeta.At(0, j), 1e-4)
	}
}

func TestRowSoftmaxBackwardMatchesNumeric(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	z := Xavier(rng, 2, 5)
	weights := Xavier(rng, 2, 5)

	f := func() float64 {
		p := mat.DenseCopyOf(z)
		RowSoftmax(p)
		total := 0.0
		for i := 0; i < 2; i++ {
			for j := 0; j < 5; j++ {
				total += p.At(i, j) * weights.At(i, j)
			}
		}
		return total
	}

	p := mat.DenseCopyOf(z)
	RowSoftmax(p)
	dZ := RowSoftmaxBackward(p, weights)

	for i := 0; i < 2; i++ {
		for j := 0; j < 5; j++ {
			want := numericGrad(z, i, j, f)
			require.InDelta(t, want, dZ.At(i, j), 1e-5)
		}
	}
}

func TestBiasHelpers(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	bias := mat.NewDense(1, 3, []float64{10, 20, 30})
	AddBias(m, bias)
	require.Equal(t, 11.0, m.At(0, 0))
	require.Equal(t, 36.0, m.At(1, 2))

	g := Zeros(1, 3)
	AccumulateBiasGrad(g, m)
	require.Equal(t, 11.0+14.0, g.At(0, 0))
	require.Equal(t, 33.0+36.0, g.At(0, 2))
}

func TestParamZeroGrad(t *testing.T) {
	p := NewParam("test", Filled(2, 2, 1.0))
	p.G.Set(0, 0, 5)
	p.ZeroGrad()
	require.Equal(t, 0.0, p.G.At(0, 0))
	require.Equal(t, 4, p.Size())
}

package tensor

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a learnable weight matrix together with its gradient
// accumulator. Every stochastic consumer receives its RNG explicitly,
// so two models built from the same seed are bit-identical.
type Param struct {
	Name string
	W    *mat.Dense
	G    *mat.Dense
}

// NewParam wraps a weight matrix with a zeroed gradient of the same shape.
func NewParam(name string, w *mat.Dense) *Param {
	r, c := w.Dims()
	return &Param{Name: name, W: w, G: mat.NewDense(r, c, nil)}
}

// ZeroGrad clears the gradient accumulator.
func (p *Param) ZeroGrad() {
	p.G.Zero()
}

// Size returns the number of scalar elements.
func (p *Param) Size() int {
	r, c := p.W.Dims()
	return r * c
}

// Zeros allocates an r x c matrix of zeros.
func Zeros(r, c int) *mat.Dense {
	return mat.NewDense(r, c, nil)
}

// Filled allocates an r x c matrix with every element set to v.
func Filled(r, c int, v float64) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = v
	}
	return mat.NewDense(r, c, data)
}

// Xavier allocates an r x c matrix with Xavier/Glorot uniform
// initialization, drawing from the supplied RNG.
func Xavier(rng *rand.Rand, r, c int) *mat.Dense {
	limit := math.Sqrt(6.0 / float64(r+c))
	data := make([]float64, r*c)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(r, c, data)
}

// MatMul returns a * b as a freshly allocated matrix.
func MatMul(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

// AddInto accumulates src into dst element-wise.
func AddInto(dst *mat.Dense, src mat.Matrix) {
	dst.Add(dst, src)
}

// AddBias adds a 1 x c bias row to every row of m in place.
func AddBias(m *mat.Dense, bias *mat.Dense) {
	r, c := m.Dims()
	b := bias.RawRowView(0)
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := 0; j < c; j++ {
			row[j] += b[j]
		}
	}
}

// AccumulateBiasGrad adds the column sums of dY into the 1 x c gradient g.
func AccumulateBiasGrad(g *mat.Dense, dY *mat.Dense) {
	r, c := dY.Dims()
	out := g.RawRowView(0)
	for i := 0; i < r; i++ {
		row := dY.RawRowView(i)
		for j := 0; j < c; j++ {
			out[j] += row[j]
		}
	}
}

// RowSoftmax applies a max-subtracted softmax to each row of m in place.
func RowSoftmax(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		maxV := row[0]
		for j := 1; j < c; j++ {
			if row[j] > maxV {
				maxV = row[j]
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			row[j] = math.Exp(row[j] - maxV)
			sum += row[j]
		}
		inv := 1.0 / sum
		for j := 0; j < c; j++ {
			row[j] *= inv
		}
	}
}

// RowSoftmaxBackward computes dS for S = softmax(Z) applied row-wise,
// given the probabilities p and upstream gradient dP:
//
//	dZ_ij = p_ij * (dP_ij - sum_k dP_ik * p_ik)
func RowSoftmaxBackward(p, dP *mat.Dense) *mat.Dense {
	r, c := p.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		pr := p.RawRowView(i)
		dr := dP.RawRowView(i)
		or := out.RawRowView(i)
		dot := 0.0
		for j := 0; j < c; j++ {
			dot += pr[j] * dr[j]
		}
		for j := 0; j < c; j++ {
			or[j] = pr[j] * (dr[j] - dot)
		}
	}
	return out
}

const geluCoef = 0.044715

var geluScale = math.Sqrt(2.0 / math.Pi)

// Gelu returns the tanh-approximated GELU of x as a new matrix.
func Gelu(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		xr := x.RawRowView(i)
		or := out.RawRowView(i)
		for j := 0; j < c; j++ {
			v := xr[j]
			or[j] = 0.5 * v * (1 + math.Tanh(geluScale*(v+geluCoef*v*v*v)))
		}
	}
	return out
}

// GeluBackward computes dX for Y = gelu(X), given the pre-activation X
// and upstream gradient dY.
func GeluBackward(x, dY *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		xr := x.RawRowView(i)
		dr := dY.RawRowView(i)
		or := out.RawRowView(i)
		for j := 0; j < c; j++ {
			v := xr[j]
			u := geluScale * (v + geluCoef*v*v*v)
			t := math.Tanh(u)
			du := geluScale * (1 + 3*geluCoef*v*v)
			grad := 0.5*(1+t) + 0.5*v*(1-t*t)*du
			or[j] = dr[j] * grad
		}
	}
	return out
}

// LNCache holds the per-row normalization state needed for the
// layer-norm backward pass.
type LNCache struct {
	XHat   *mat.Dense
	InvStd []float64
}

// LayerNormForward normalizes each row of x and applies the gamma/beta
// affine transform. gamma and beta are 1 x c.
func LayerNormForward(x, gamma, beta *mat.Dense, eps float64) (*mat.Dense, *LNCache) {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	cache := &LNCache{XHat: mat.NewDense(r, c, nil), InvStd: make([]float64, r)}
	g := gamma.RawRowView(0)
	b := beta.RawRowView(0)
	for i := 0; i < r; i++ {
		xr := x.RawRowView(i)
		mean := 0.0
		for j := 0; j < c; j++ {
			mean += xr[j]
		}
		mean /= float64(c)
		variance := 0.0
		for j := 0; j < c; j++ {
			d := xr[j] - mean
			variance += d * d
		}
		variance /= float64(c)
		inv := 1.0 / math.Sqrt(variance+eps)
		cache.InvStd[i] = inv
		hr := cache.XHat.RawRowView(i)
		or := out.RawRowView(i)
		for j := 0; j < c; j++ {
			hr[j] = (xr[j] - mean) * inv
			or[j] = g[j]*hr[j] + b[j]
		}
	}
	return out, cache
}

// LayerNormBackward computes dX for the layer-norm forward pass and
// accumulates dGamma/dBeta into the supplied 1 x c gradients.
func LayerNormBackward(cache *LNCache, gamma *mat.Dense, dY *mat.Dense, dGamma, dBeta *mat.Dense) *mat.Dense {
	r, c := dY.Dims()
	out := mat.NewDense(r, c, nil)
	g := gamma.RawRowView(0)
	gg := dGamma.RawRowView(0)
	gb := dBeta.RawRowView(0)
	n := float64(c)
	for i := 0; i < r; i++ {
		dr := dY.RawRowView(i)
		hr := cache.XHat.RawRowView(i)
		or := out.RawRowView(i)
		inv := cache.InvStd[i]

		sumDh := 0.0
		sumDhH := 0.0
		for j := 0; j < c; j++ {
			dh := dr[j] * g[j]
			sumDh += dh
			sumDhH += dh * hr[j]
			gg[j] += dr[j] * hr[j]
			gb[j] += dr[j]
		}
		for j := 0; j < c; j++ {
			dh := dr[j] * g[j]
			or[j] = (inv / n) * (n*dh - sumDh - hr[j]*sumDhH)
		}
	}
	return out
}

// Tanh applies tanh element-wise in place.
func Tanh(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := 0; j < c; j++ {
			row[j] = math.Tanh(row[j])
		}
	}
}

// Scale multiplies every element of m by v in place.
func Scale(m *mat.Dense, v float64) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := 0; j < c; j++ {
			row[j] *= v
		}
	}
}

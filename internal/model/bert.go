package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// Bert is a BERT encoder with masked-LM and next-sentence heads. All
// math runs in float64 over gonum matrices; every parameter carries a
// gradient accumulator so micro-batches can be summed before an
// optimizer step. The model is deterministic given the RNG used at
// construction time.
type Bert struct {
	cfg Config

	wordEmb  *tensor.Param
	posEmb   *tensor.Param
	typeEmb  *tensor.Param
	embGamma *tensor.Param
	embBeta  *tensor.Param

	layers []*encoderLayer

	poolW *tensor.Param
	poolB *tensor.Param

	lm  *lmHead
	nsp *nspHead

	params []*tensor.Param
}

// New builds a freshly initialized model. Weights use Xavier uniform
// init, biases start at zero and layer-norm scales at one, all drawn
// from rng so a fixed seed reproduces the parameters exactly.
func New(cfg Config, rng *rand.Rand) (*Bert, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}

	m := &Bert{cfg: cfg}
	h := cfg.HiddenSize

	m.wordEmb = m.add("embeddings.word_embeddings.weight", tensor.Xavier(rng, cfg.VocabSize, h))
	m.posEmb = m.add("embeddings.position_embeddings.weight", tensor.Xavier(rng, cfg.MaxPositionEmbeddings, h))
	m.typeEmb = m.add("embeddings.token_type_embeddings.weight", tensor.Xavier(rng, cfg.TypeVocabSize, h))
	m.embGamma = m.add("embeddings.layer_norm.gamma", tensor.Filled(1, h, 1))
	m.embBeta = m.add("embeddings.layer_norm.beta", tensor.Zeros(1, h))

	for i := 0; i < cfg.NumLayers; i++ {
		m.layers = append(m.layers, m.newEncoderLayer(i, rng))
	}

	m.poolW = m.add("pooler.weight", tensor.Xavier(rng, h, h))
	m.poolB = m.add("pooler.bias", tensor.Zeros(1, h))

	m.lm = &lmHead{
		dense:    m.add("lm_head.dense.weight", tensor.Xavier(rng, h, h)),
		denseB:   m.add("lm_head.dense.bias", tensor.Zeros(1, h)),
		gamma:    m.add("lm_head.layer_norm.gamma", tensor.Filled(1, h, 1)),
		beta:     m.add("lm_head.layer_norm.beta", tensor.Zeros(1, h)),
		decoder:  m.add("lm_head.decoder.weight", tensor.Xavier(rng, h, cfg.VocabSize)),
		decoderB: m.add("lm_head.decoder.bias", tensor.Zeros(1, cfg.VocabSize)),
		eps:      cfg.LayerNormEps,
	}
	m.nsp = &nspHead{
		w: m.add("nsp_head.weight", tensor.Xavier(rng, h, 2)),
		b: m.add("nsp_head.bias", tensor.Zeros(1, 2)),
	}

	return m, nil
}

func (m *Bert) add(name string, w *mat.Dense) *tensor.Param {
	p := tensor.NewParam(name, w)
	m.params = append(m.params, p)
	return p
}

// Config returns the architecture this model was built with.
func (m *Bert) Config() Config {
	return m.cfg
}

// Params returns every learnable parameter in registration order. The
// order is stable across processes for a given architecture, which is
// what the optimizer snapshot and the weight files rely on.
func (m *Bert) Params() []*tensor.Param {
	return m.params
}

// NumParameters returns the total scalar parameter count.
func (m *Bert) NumParameters() int {
	n := 0
	for _, p := range m.params {
		n += p.Size()
	}
	return n
}

// ZeroGrad clears all gradient accumulators.
func (m *Bert) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// encoderLayer is one transformer block: self-attention with a residual
// and layer norm, then the GELU feed-forward with a second residual and
// layer norm.
type encoderLayer struct {
	wq, bq *tensor.Param
	wk, bk *tensor.Param
	wv, bv *tensor.Param
	wo, bo *tensor.Param

	attnGamma, attnBeta *tensor.Param

	w1, b1 *tensor.Param
	w2, b2 *tensor.Param

	outGamma, outBeta *tensor.Param

	scale float64
	eps   float64
}

func (m *Bert) newEncoderLayer(idx int, rng *rand.Rand) *encoderLayer {
	h := m.cfg.HiddenSize
	ff := m.cfg.IntermediateSize
	name := func(suffix string) string {
		return fmt.Sprintf("encoder.layer.%d.%s", idx, suffix)
	}
	return &encoderLayer{
		wq:        m.add(name("attention.query.weight"), tensor.Xavier(rng, h, h)),
		bq:        m.add(name("attention.query.bias"), tensor.Zeros(1, h)),
		wk:        m.add(name("attention.key.weight"), tensor.Xavier(rng, h, h)),
		bk:        m.add(name("attention.key.bias"), tensor.Zeros(1, h)),
		wv:        m.add(name("attention.value.weight"), tensor.Xavier(rng, h, h)),
		bv:        m.add(name("attention.value.bias"), tensor.Zeros(1, h)),
		wo:        m.add(name("attention.output.weight"), tensor.Xavier(rng, h, h)),
		bo:        m.add(name("attention.output.bias"), tensor.Zeros(1, h)),
		attnGamma: m.add(name("attention.layer_norm.gamma"), tensor.Filled(1, h, 1)),
		attnBeta:  m.add(name("attention.layer_norm.beta"), tensor.Zeros(1, h)),
		w1:        m.add(name("intermediate.weight"), tensor.Xavier(rng, h, ff)),
		b1:        m.add(name("intermediate.bias"), tensor.Zeros(1, ff)),
		w2:        m.add(name("output.weight"), tensor.Xavier(rng, ff, h)),
		b2:        m.add(name("output.bias"), tensor.Zeros(1, h)),
		outGamma:  m.add(name("output.layer_norm.gamma"), tensor.Filled(1, h, 1)),
		outBeta:   m.add(name("output.layer_norm.beta"), tensor.Zeros(1, h)),
		scale:     1.0 / math.Sqrt(float64(h/m.cfg.NumHeads)),
		eps:       m.cfg.LayerNormEps,
	}
}

// layerCache holds the forward activations one block needs to run its
// backward pass.
type layerCache struct {
	x     *mat.Dense
	q     *mat.Dense
	k     *mat.Dense
	v     *mat.Dense
	probs *mat.Dense
	ctx   *mat.Dense
	ln1   *tensor.LNCache
	h1    *mat.Dense
	ffPre *mat.Dense
	ffAct *mat.Dense
	ln2   *tensor.LNCache
}

func (l *encoderLayer) forward(x *mat.Dense) (*mat.Dense, *layerCache) {
	c := &layerCache{x: x}

	q := tensor.MatMul(x, l.wq.W)
	tensor.AddBias(q, l.bq.W)
	k := tensor.MatMul(x, l.wk.W)
	tensor.AddBias(k, l.bk.W)
	v := tensor.MatMul(x, l.wv.W)
	tensor.AddBias(v, l.bv.W)
	c.q, c.k, c.v = q, k, v

	scores := tensor.MatMul(q, k.T())
	tensor.Scale(scores, l.scale)
	tensor.RowSoftmax(scores)
	c.probs = scores

	ctx := tensor.MatMul(scores, v)
	c.ctx = ctx

	proj := tensor.MatMul(ctx, l.wo.W)
	tensor.AddBias(proj, l.bo.W)

	var res1 mat.Dense
	res1.Add(x, proj)
	h1, ln1 := tensor.LayerNormForward(&res1, l.attnGamma.W, l.attnBeta.W, l.eps)
	c.ln1, c.h1 = ln1, h1

	pre := tensor.MatMul(h1, l.w1.W)
	tensor.AddBias(pre, l.b1.W)
	c.ffPre = pre

	act := tensor.Gelu(pre)
	c.ffAct = act

	ff := tensor.MatMul(act, l.w2.W)
	tensor.AddBias(ff, l.b2.W)

	var res2 mat.Dense
	res2.Add(h1, ff)
	out, ln2 := tensor.LayerNormForward(&res2, l.outGamma.W, l.outBeta.W, l.eps)
	c.ln2 = ln2
	return out, c
}

func (l *encoderLayer) backward(c *layerCache, dOut *mat.Dense) *mat.Dense {
	dRes2 := tensor.LayerNormBackward(c.ln2, l.outGamma.W, dOut, l.outGamma.G, l.outBeta.G)

	tensor.AddInto(l.w2.G, tensor.MatMul(c.ffAct.T(), dRes2))
	tensor.AccumulateBiasGrad(l.b2.G, dRes2)
	dAct := tensor.MatMul(dRes2, l.w2.W.T())
	dPre := tensor.GeluBackward(c.ffPre, dAct)
	tensor.AddInto(l.w1.G, tensor.MatMul(c.h1.T(), dPre))
	tensor.AccumulateBiasGrad(l.b1.G, dPre)

	dH1 := tensor.MatMul(dPre, l.w1.W.T())
	tensor.AddInto(dH1, dRes2)

	dRes1 := tensor.LayerNormBackward(c.ln1, l.attnGamma.W, dH1, l.attnGamma.G, l.attnBeta.G)

	tensor.AddInto(l.wo.G, tensor.MatMul(c.ctx.T(), dRes1))
	tensor.AccumulateBiasGrad(l.bo.G, dRes1)
	dCtx := tensor.MatMul(dRes1, l.wo.W.T())

	dP := tensor.MatMul(dCtx, c.v.T())
	dV := tensor.MatMul(c.probs.T(), dCtx)
	dS := tensor.RowSoftmaxBackward(c.probs, dP)
	tensor.Scale(dS, l.scale)
	dQ := tensor.MatMul(dS, c.k)
	dK := tensor.MatMul(dS.T(), c.q)

	tensor.AddInto(l.wq.G, tensor.MatMul(c.x.T(), dQ))
	tensor.AccumulateBiasGrad(l.bq.G, dQ)
	tensor.AddInto(l.wk.G, tensor.MatMul(c.x.T(), dK))
	tensor.AccumulateBiasGrad(l.bk.G, dK)
	tensor.AddInto(l.wv.G, tensor.MatMul(c.x.T(), dV))
	tensor.AccumulateBiasGrad(l.bv.G, dV)

	dX := tensor.MatMul(dQ, l.wq.W.T())
	tensor.AddInto(dX, tensor.MatMul(dK, l.wk.W.T()))
	tensor.AddInto(dX, tensor.MatMul(dV, l.wv.W.T()))
	tensor.AddInto(dX, dRes1)
	return dX
}

// seqState carries the forward activations of one sequence through the
// embeddings and every encoder block.
type seqState struct {
	ids    []int
	segs   []int
	embLN  *tensor.LNCache
	layers []*layerCache
	hidden *mat.Dense
}

func (m *Bert) forwardSequence(ids, segs []int) (*seqState, error) {
	n := len(ids)
	if n == 0 {
		return nil, fmt.Errorf("empty sequence")
	}
	if n > m.cfg.MaxPositionEmbeddings {
		return nil, fmt.Errorf("sequence length %d exceeds max position embeddings %d",
			n, m.cfg.MaxPositionEmbeddings)
	}

	x := tensor.Zeros(n, m.cfg.HiddenSize)
	for i, id := range ids {
		if id < 0 || id >= m.cfg.VocabSize {
			return nil, fmt.Errorf("token id %d outside vocabulary of size %d", id, m.cfg.VocabSize)
		}
		seg := segs[i]
		if seg < 0 || seg >= m.cfg.TypeVocabSize {
			return nil, fmt.Errorf("segment id %d outside type vocab of size %d", seg, m.cfg.TypeVocabSize)
		}
		row := x.RawRowView(i)
		we := m.wordEmb.W.RawRowView(id)
		pe := m.posEmb.W.RawRowView(i)
		te := m.typeEmb.W.RawRowView(seg)
		for j := range row {
			row[j] = we[j] + pe[j] + te[j]
		}
	}

	h, embLN := tensor.LayerNormForward(x, m.embGamma.W, m.embBeta.W, m.cfg.LayerNormEps)
	st := &seqState{ids: ids, segs: segs, embLN: embLN}
	for _, layer := range m.layers {
		var lc *layerCache
		h, lc = layer.forward(h)
		st.layers = append(st.layers, lc)
	}
	st.hidden = h
	return st, nil
}

func (m *Bert) backwardSequence(st *seqState, dHidden *mat.Dense) {
	dX := dHidden
	for i := len(m.layers) - 1; i >= 0; i-- {
		dX = m.layers[i].backward(st.layers[i], dX)
	}

	dSum := tensor.LayerNormBackward(st.embLN, m.embGamma.W, dX, m.embGamma.G, m.embBeta.G)
	for i, id := range st.ids {
		src := dSum.RawRowView(i)
		addRow(m.wordEmb.G.RawRowView(id), src)
		addRow(m.posEmb.G.RawRowView(i), src)
		addRow(m.typeEmb.G.RawRowView(st.segs[i]), src)
	}
}

func addRow(dst, src []float64) {
	for j := range dst {
		dst[j] += src[j]
	}
}

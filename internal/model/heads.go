package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// lmHead predicts the original token at each masked position. It is
// applied only to the gathered masked rows, never to the full sequence,
// and its decoder is untied from the input embeddings. The decoder
// output width equals the vocabulary size by construction.
type lmHead struct {
	dense, denseB     *tensor.Param
	gamma, beta       *tensor.Param
	decoder, decoderB *tensor.Param
	eps               float64
}

type lmCache struct {
	x      *mat.Dense
	pre    *mat.Dense
	act    *mat.Dense
	normed *mat.Dense
	ln     *tensor.LNCache
}

func (h *lmHead) forward(x *mat.Dense) (*lmCache, *mat.Dense) {
	pre := tensor.MatMul(x, h.dense.W)
	tensor.AddBias(pre, h.denseB.W)
	act := tensor.Gelu(pre)
	normed, ln := tensor.LayerNormForward(act, h.gamma.W, h.beta.W, h.eps)
	logits := tensor.MatMul(normed, h.decoder.W)
	tensor.AddBias(logits, h.decoderB.W)
	return &lmCache{x: x, pre: pre, act: act, normed: normed, ln: ln}, logits
}

func (h *lmHead) backward(c *lmCache, dLogits *mat.Dense) *mat.Dense {
	tensor.AddInto(h.decoder.G, tensor.MatMul(c.normed.T(), dLogits))
	tensor.AccumulateBiasGrad(h.decoderB.G, dLogits)
	dNorm := tensor.MatMul(dLogits, h.decoder.W.T())
	dAct := tensor.LayerNormBackward(c.ln, h.gamma.W, dNorm, h.gamma.G, h.beta.G)
	dPre := tensor.GeluBackward(c.pre, dAct)
	tensor.AddInto(h.dense.G, tensor.MatMul(c.x.T(), dPre))
	tensor.AccumulateBiasGrad(h.denseB.G, dPre)
	return tensor.MatMul(dPre, h.dense.W.T())
}

// nspHead is the binary next-sentence classifier over the pooled [CLS]
// representation.
type nspHead struct {
	w, b *tensor.Param
}

// softmaxCrossEntropy returns the mean negative log-likelihood over the
// rows of logits and the softmax probabilities needed by the backward
// pass.
func softmaxCrossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	_, cols := logits.Dims()
	probs := mat.DenseCopyOf(logits)
	tensor.RowSoftmax(probs)

	loss := 0.0
	for i, lab := range labels {
		if lab < 0 || lab >= cols {
			return 0, nil, fmt.Errorf("label %d outside output width %d", lab, cols)
		}
		loss -= math.Log(probs.At(i, lab) + 1e-12)
	}
	return loss / float64(len(labels)), probs, nil
}

// lossGrad turns softmax probabilities into the cross-entropy logit
// gradient (probs - onehot) * scale.
func lossGrad(probs *mat.Dense, labels []int, scale float64) *mat.Dense {
	out := mat.DenseCopyOf(probs)
	for i, lab := range labels {
		out.Set(i, lab, out.At(i, lab)-1)
	}
	tensor.Scale(out, scale)
	return out
}

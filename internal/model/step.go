package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-bowyer/internal/corpus"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// BatchResult reports the losses of one micro-batch. Loss values are
// unscaled; gradient accumulation scaling affects only the gradients.
type BatchResult struct {
	Loss        float64
	MLMLoss     float64
	NSPLoss     float64
	MaskedCount int
}

type maskedRef struct {
	seq   int
	pos   int
	label int
}

// Step runs forward and backward over one micro-batch, accumulating
// gradients scaled by lossScale (1/gradAccSteps under accumulation).
// Gradients are added to whatever is already in the accumulators; the
// caller clears them after the optimizer step.
func (m *Bert) Step(b *corpus.Batch, lossScale float64) (BatchResult, error) {
	return m.run(b, lossScale, true)
}

// Eval runs the forward pass only and reports losses.
func (m *Bert) Eval(b *corpus.Batch) (BatchResult, error) {
	return m.run(b, 0, false)
}

func (m *Bert) run(b *corpus.Batch, lossScale float64, train bool) (BatchResult, error) {
	var res BatchResult
	if b.Size == 0 {
		return res, fmt.Errorf("empty batch")
	}

	states := make([]*seqState, b.Size)
	var refs []maskedRef
	off := 0
	for i := 0; i < b.Size; i++ {
		n := b.Lengths[i]
		ids := b.InputIDs[off : off+n]
		segs := b.SegmentIDs[off : off+n]
		st, err := m.forwardSequence(ids, segs)
		if err != nil {
			return res, fmt.Errorf("sequence %d: %w", i, err)
		}
		states[i] = st
		for p, lab := range b.MLMLabels[off : off+n] {
			if lab != corpus.NoLabel {
				refs = append(refs, maskedRef{seq: i, pos: p, label: lab})
			}
		}
		off += n
	}
	res.MaskedCount = len(refs)

	h := m.cfg.HiddenSize

	var lmC *lmCache
	var mlmProbs *mat.Dense
	var mlmLabels []int
	if len(refs) > 0 {
		gathered := tensor.Zeros(len(refs), h)
		mlmLabels = make([]int, len(refs))
		for r, ref := range refs {
			copy(gathered.RawRowView(r), states[ref.seq].hidden.RawRowView(ref.pos))
			mlmLabels[r] = ref.label
		}
		var logits *mat.Dense
		lmC, logits = m.lm.forward(gathered)
		loss, probs, err := softmaxCrossEntropy(logits, mlmLabels)
		if err != nil {
			return res, fmt.Errorf("masked-lm loss: %w", err)
		}
		res.MLMLoss = loss
		mlmProbs = probs
	}

	cls := tensor.Zeros(b.Size, h)
	for i, st := range states {
		copy(cls.RawRowView(i), st.hidden.RawRowView(0))
	}
	poolPre := tensor.MatMul(cls, m.poolW.W)
	tensor.AddBias(poolPre, m.poolB.W)
	pooled := mat.DenseCopyOf(poolPre)
	tensor.Tanh(pooled)
	nspLogits := tensor.MatMul(pooled, m.nsp.w.W)
	tensor.AddBias(nspLogits, m.nsp.b.W)
	nspLoss, nspProbs, err := softmaxCrossEntropy(nspLogits, b.NSPLabels)
	if err != nil {
		return res, fmt.Errorf("next-sentence loss: %w", err)
	}
	res.NSPLoss = nspLoss
	res.Loss = res.MLMLoss + res.NSPLoss

	if !train {
		return res, nil
	}

	dHidden := make([]*mat.Dense, b.Size)
	for i, st := range states {
		r, _ := st.hidden.Dims()
		dHidden[i] = tensor.Zeros(r, h)
	}

	if len(refs) > 0 {
		dLogits := lossGrad(mlmProbs, mlmLabels, lossScale/float64(len(refs)))
		dGathered := m.lm.backward(lmC, dLogits)
		for r, ref := range refs {
			addRow(dHidden[ref.seq].RawRowView(ref.pos), dGathered.RawRowView(r))
		}
	}

	dNSPLogits := lossGrad(nspProbs, b.NSPLabels, lossScale/float64(b.Size))
	tensor.AddInto(m.nsp.w.G, tensor.MatMul(pooled.T(), dNSPLogits))
	tensor.AccumulateBiasGrad(m.nsp.b.G, dNSPLogits)
	dPooled := tensor.MatMul(dNSPLogits, m.nsp.w.W.T())

	// tanh backward over the pooler activation.
	dPoolPre := mat.DenseCopyOf(dPooled)
	for i := 0; i < b.Size; i++ {
		dr := dPoolPre.RawRowView(i)
		pr := pooled.RawRowView(i)
		for j := range dr {
			dr[j] *= 1 - pr[j]*pr[j]
		}
	}
	tensor.AddInto(m.poolW.G, tensor.MatMul(cls.T(), dPoolPre))
	tensor.AccumulateBiasGrad(m.poolB.G, dPoolPre)
	dCls := tensor.MatMul(dPoolPre, m.poolW.W.T())
	for i := range states {
		addRow(dHidden[i].RawRowView(0), dCls.RawRowView(i))
	}

	for i, st := range states {
		m.backwardSequence(st, dHidden[i])
	}
	return res, nil
}

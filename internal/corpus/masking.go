package corpus

import (
	"math/rand"

	"github.com/23skdu/longbow-bowyer/internal/tokenizer"
)

// Masking follows the standard BERT recipe: 15% of eligible positions
// are selected for prediction; of those 80% become [MASK], 10% a random
// vocabulary token, 10% stay unchanged.
const (
	defaultMaskProb = 0.15
	maskBranch      = 0.8
	randomBranch    = 0.9
)

// NoLabel marks positions excluded from the masked-LM loss.
const NoLabel = -1

// Example is one masked sentence-pair training instance.
type Example struct {
	InputIDs   []int
	SegmentIDs []int
	MLMLabels  []int // NoLabel where no prediction is required
	NSPLabel   int   // 1 = segments are consecutive, 0 = random pairing
}

type exampleBuilder struct {
	tok       *tokenizer.WordPieceTokenizer
	maxSeqLen int
	maskProb  float64
}

// build assembles a masked sentence-pair example from document docIdx.
// All randomness flows through rng so a fixed seed reproduces the run.
func (b *exampleBuilder) build(tokenized [][][]int, docIdx int, rng *rand.Rand) Example {
	sents := tokenized[docIdx]

	first := 0
	if len(sents) > 1 {
		first = rng.Intn(len(sents) - 1)
	}
	segA := sents[first]

	var segB []int
	nspLabel := 0
	if len(sents) > 1 && rng.Float64() < 0.5 {
		segB = sents[first+1]
		nspLabel = 1
	} else {
		segB = b.randomNegative(tokenized, docIdx, rng)
	}

	inputIDs, segmentIDs := b.tok.EncodePair(segA, segB, b.maxSeqLen)
	labels := b.mask(inputIDs, rng)

	return Example{
		InputIDs:   inputIDs,
		SegmentIDs: segmentIDs,
		MLMLabels:  labels,
		NSPLabel:   nspLabel,
	}
}

// randomNegative draws a segment from a different document where
// possible. A single-document corpus degrades to a sentence from the
// same document, still labeled not-next.
func (b *exampleBuilder) randomNegative(tokenized [][][]int, docIdx int, rng *rand.Rand) []int {
	other := docIdx
	if len(tokenized) > 1 {
		for other == docIdx {
			other = rng.Intn(len(tokenized))
		}
	}
	sents := tokenized[other]
	return sents[rng.Intn(len(sents))]
}

// mask mutates inputIDs in place and returns the label vector. Special
// tokens are never masked. If the draw selects nothing, one eligible
// position is forced so every example contributes to the masked-LM loss.
func (b *exampleBuilder) mask(inputIDs []int, rng *rand.Rand) []int {
	labels := make([]int, len(inputIDs))
	var candidates []int
	for i, id := range inputIDs {
		labels[i] = NoLabel
		if !b.tok.IsSpecialID(id) {
			candidates = append(candidates, i)
		}
	}

	masked := 0
	for _, pos := range candidates {
		if rng.Float64() >= b.maskProb {
			continue
		}
		b.maskPosition(inputIDs, labels, pos, rng)
		masked++
	}

	if masked == 0 && len(candidates) > 0 {
		b.maskPosition(inputIDs, labels, candidates[rng.Intn(len(candidates))], rng)
		masked = 1
	}

	maskedPositions.Add(float64(masked))
	return labels
}

func (b *exampleBuilder) maskPosition(inputIDs, labels []int, pos int, rng *rand.Rand) {
	labels[pos] = inputIDs[pos]
	switch r := rng.Float64(); {
	case r < maskBranch:
		inputIDs[pos] = b.tok.MaskID
	case r < randomBranch:
		inputIDs[pos] = b.tok.RandomTokenID(rng)
	default:
		// Keep the original token; the model still predicts it.
	}
}

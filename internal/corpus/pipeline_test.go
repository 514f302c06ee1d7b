package corpus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bowyer/internal/cache"
	"github.com/23skdu/longbow-bowyer/internal/tokenizer"
)

var testWords = []string{
	"the", "quick", "brown", "fox", "jumps", "over", "lazy", "dog",
	"a", "bowyer", "makes", "bows", "and", "arrows", "fly", "far",
	"rain", "falls", "on", "green", "hills", "every", "spring", "day",
}

func newTestTokenizer(t *testing.T) *tokenizer.WordPieceTokenizer {
	t.Helper()
	lines := append([]string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]"}, testWords...)
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	tok, err := tokenizer.NewWordPieceTokenizer(path)
	require.NoError(t, err)
	return tok
}

func writeTestCorpus(t *testing.T, nDocs int) string {
	t.Helper()
	var b strings.Builder
	for d := 0; d < nDocs; d++ {
		for s := 0; s < 3; s++ {
			for w := 0; w < 5; w++ {
				b.WriteString(testWords[(d*7+s*5+w)%len(testWords)])
				b.WriteString(" ")
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	path := filepath.Join(t.TempDir(), "train.txt")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testConfig() Config {
	return Config{MaxSeqLen: 32, BatchSize: 4, Rank: 0, WorldSize: 1, Seed: 39}
}

func TestReadDocuments(t *testing.T) {
	in := "first sentence\nsecond sentence\n\nthird sentence\n\n\nfourth sentence\n"
	docs, err := ReadDocuments(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, docs, 3)
	require.Equal(t, []string{"first sentence", "second sentence"}, docs[0].Sentences)
	require.Equal(t, []string{"third sentence"}, docs[1].Sentences)
	require.Equal(t, []string{"fourth sentence"}, docs[2].Sentences)
}

func collectEpoch(t *testing.T, p *Pipeline, epoch int) []*Batch {
	t.Helper()
	var batches []*Batch
	it := p.Epoch(epoch)
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		batches = append(batches, b)
	}
	return batches
}

func TestPipelineDeterminism(t *testing.T) {
	tok := newTestTokenizer(t)
	path := writeTestCorpus(t, 20)

	p1, err := NewPipeline(path, tok, testConfig())
	require.NoError(t, err)
	p2, err := NewPipeline(path, tok, testConfig())
	require.NoError(t, err)

	b1 := collectEpoch(t, p1, 0)
	b2 := collectEpoch(t, p2, 0)
	require.Equal(t, b1, b2, "same seed must reproduce identical batches")

	// A different epoch reshuffles and remasks.
	b3 := collectEpoch(t, p1, 1)
	require.NotEqual(t, b1, b3)

	// A different seed diverges.
	cfg := testConfig()
	cfg.Seed = 40
	p4, err := NewPipeline(path, tok, cfg)
	require.NoError(t, err)
	require.NotEqual(t, b1, collectEpoch(t, p4, 0))
}

func TestPipelineBatchShape(t *testing.T) {
	tok := newTestTokenizer(t)
	path := writeTestCorpus(t, 10)

	p, err := NewPipeline(path, tok, testConfig())
	require.NoError(t, err)
	require.Equal(t, 10, p.TotalDocuments())
	require.Equal(t, 3, p.BatchesPerEpoch())

	batches := collectEpoch(t, p, 0)
	require.Len(t, batches, 3)
	require.Equal(t, 4, batches[0].Size)
	require.Equal(t, 2, batches[2].Size, "final short batch")

	total := 0
	for _, b := range batches {
		total += b.Size
		require.Len(t, b.Lengths, b.Size)
		require.Len(t, b.NSPLabels, b.Size)
		sum := 0
		for _, l := range b.Lengths {
			require.LessOrEqual(t, l, 32)
			require.GreaterOrEqual(t, l, 5)
			sum += l
		}
		require.Len(t, b.InputIDs, sum)
		require.Len(t, b.SegmentIDs, sum)
		require.Len(t, b.MLMLabels, sum)

		// Every sequence starts with [CLS], ends with [SEP], and carries
		// at least one masked-LM label.
		off := 0
		for i, l := range b.Lengths {
			require.Equal(t, tok.ClsID, b.InputIDs[off])
			require.Equal(t, tok.SepID, b.InputIDs[off+l-1])
			labeled := 0
			for _, lab := range b.MLMLabels[off : off+l] {
				if lab != NoLabel {
					labeled++
					require.Less(t, lab, tok.VocabSize())
				}
			}
			require.Greater(t, labeled, 0, "sequence %d has no masked positions", i)
			off += l
		}
	}
	require.Equal(t, 10, total)
}

func TestMaskingNeverHitsSpecials(t *testing.T) {
	tok := newTestTokenizer(t)
	path := writeTestCorpus(t, 30)

	p, err := NewPipeline(path, tok, testConfig())
	require.NoError(t, err)

	labeled, eligible := 0, 0
	for epoch := 0; epoch < 5; epoch++ {
		it := p.Epoch(epoch)
		for {
			b, ok := it.Next()
			if !ok {
				break
			}
			off := 0
			for _, l := range b.Lengths {
				for pos := off; pos < off+l; pos++ {
					id := b.InputIDs[pos]
					lab := b.MLMLabels[pos]
					if id == tok.ClsID || id == tok.SepID {
						require.Equal(t, NoLabel, lab, "special positions must never carry labels")
					}
					if lab != NoLabel {
						labeled++
						// The label is the pre-masking token, never special.
						require.False(t, tok.IsSpecialID(lab))
					}
					if !tok.IsSpecialID(id) || id == tok.MaskID {
						eligible++
					}
				}
				off += l
			}
		}
	}
	rate := float64(labeled) / float64(eligible)
	require.Greater(t, rate, 0.08, "masking rate far below 15%%: %f", rate)
	require.Less(t, rate, 0.25, "masking rate far above 15%%: %f", rate)
}

func TestNSPLabelsBalanced(t *testing.T) {
	tok := newTestTokenizer(t)
	path := writeTestCorpus(t, 40)

	p, err := NewPipeline(path, tok, testConfig())
	require.NoError(t, err)

	counts := map[int]int{}
	for epoch := 0; epoch < 5; epoch++ {
		it := p.Epoch(epoch)
		for {
			b, ok := it.Next()
			if !ok {
				break
			}
			for _, l := range b.NSPLabels {
				counts[l]++
			}
		}
	}
	require.Greater(t, counts[0], 0)
	require.Greater(t, counts[1], 0)
	total := counts[0] + counts[1]
	require.InDelta(t, 0.5, float64(counts[1])/float64(total), 0.15)
}

// Changing the rank must change only which documents a process sees,
// never the tokenized content of the shared corpus file.
func TestShardingByRank(t *testing.T) {
	tok := newTestTokenizer(t)
	path := writeTestCorpus(t, 11)

	cfg0 := testConfig()
	cfg0.WorldSize = 2
	cfg0.Rank = 0
	cfg1 := cfg0
	cfg1.Rank = 1

	p0, err := NewPipeline(path, tok, cfg0)
	require.NoError(t, err)
	p1, err := NewPipeline(path, tok, cfg1)
	require.NoError(t, err)

	require.Equal(t, 6, p0.ShardSize())
	require.Equal(t, 5, p1.ShardSize())
	require.Equal(t, p0.TotalDocuments(), p1.TotalDocuments())

	// Identical tokenization on both ranks.
	for i := 0; i < p0.TotalDocuments(); i++ {
		require.Equal(t, p0.TokenizedDocument(i), p1.TokenizedDocument(i))
	}

	single, err := NewPipeline(path, tok, testConfig())
	require.NoError(t, err)
	for i := 0; i < single.TotalDocuments(); i++ {
		require.Equal(t, single.TokenizedDocument(i), p0.TokenizedDocument(i))
	}
}

func TestArrowCacheRoundTrip(t *testing.T) {
	tok := newTestTokenizer(t)
	path := writeTestCorpus(t, 12)
	cacheDir := t.TempDir()

	cfg := testConfig()
	p1, err := NewPipeline(path, tok, cfg, WithArrowCache(cacheDir))
	require.NoError(t, err)

	shard := filepath.Join(cacheDir, "train.tokens.arrow")
	_, err = os.Stat(shard)
	require.NoError(t, err, "cache shard must be written")

	// Second pipeline loads from the cache and must be identical.
	p2, err := NewPipeline(path, tok, cfg, WithArrowCache(cacheDir))
	require.NoError(t, err)
	for i := 0; i < p1.TotalDocuments(); i++ {
		require.Equal(t, p1.TokenizedDocument(i), p2.TokenizedDocument(i))
	}
	require.Equal(t, collectEpoch(t, p1, 0), collectEpoch(t, p2, 0))
}

func TestTokenShardCodec(t *testing.T) {
	tokenized := [][][]int{
		{{5, 6, 7}, {8}},
		{{9, 10}},
		{{11}, {12, 13, 14, 15}},
	}
	path := filepath.Join(t.TempDir(), "x.tokens.arrow")
	require.NoError(t, writeTokenShard(path, tokenized))

	got, err := readTokenShard(path)
	require.NoError(t, err)
	require.Equal(t, tokenized, got)
}

func TestSequenceCacheIsUsed(t *testing.T) {
	tok := newTestTokenizer(t)
	path := writeTestCorpus(t, 8)

	c := cache.NewMapCache()
	p1, err := NewPipeline(path, tok, testConfig(), WithSequenceCache(c))
	require.NoError(t, err)
	require.Greater(t, c.Size(), 0)

	p2, err := NewPipeline(path, tok, testConfig(), WithSequenceCache(c))
	require.NoError(t, err)
	require.Equal(t, collectEpoch(t, p1, 0), collectEpoch(t, p2, 0))
}

func TestSkipKeepsStreamAligned(t *testing.T) {
	tok := newTestTokenizer(t)
	path := writeTestCorpus(t, 20)

	p, err := NewPipeline(path, tok, testConfig())
	require.NoError(t, err)

	full := collectEpoch(t, p, 3)

	it := p.Epoch(3)
	it.Skip(2)
	b, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, full[2], b)
}

func TestProcessorConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := ProcessorConfig{
		MaxSeqLen:   128,
		DoLowerCase: true,
		TrainFile:   "train.txt",
	}
	require.NoError(t, SaveProcessorConfig(dir, cfg))

	got, err := LoadProcessorConfig(dir)
	require.NoError(t, err)
	require.Equal(t, 128, got.MaxSeqLen)
	require.Equal(t, defaultMaskProb, got.MaskProb)
	require.Equal(t, "bert_style_lm", got.Processor)
	require.Equal(t, "train.txt", got.TrainFile)
}

func TestEmptyShardRejected(t *testing.T) {
	tok := newTestTokenizer(t)
	path := writeTestCorpus(t, 1)

	cfg := testConfig()
	cfg.WorldSize = 4
	cfg.Rank = 3
	_, err := NewPipeline(path, tok, cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty shard")
}

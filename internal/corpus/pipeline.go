package corpus

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-bowyer/internal/cache"
	"github.com/23skdu/longbow-bowyer/internal/tokenizer"
)

// Config controls batch assembly and distributed sharding.
type Config struct {
	MaxSeqLen int
	BatchSize int
	Rank      int
	WorldSize int
	Seed      int64
	MaskProb  float64 // 0 means the default 15%
}

func (c Config) validate() error {
	if c.MaxSeqLen < 8 {
		return fmt.Errorf("max seq len %d too small", c.MaxSeqLen)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.WorldSize < 1 {
		return fmt.Errorf("world size must be >= 1, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d outside world size %d", c.Rank, c.WorldSize)
	}
	if c.MaskProb < 0 || c.MaskProb >= 1 {
		return fmt.Errorf("mask probability must be in [0,1), got %g", c.MaskProb)
	}
	return nil
}

// Batch holds flattened variable-length sequences, one segment of
// Lengths[i] tokens per sequence, the layout the model consumes.
type Batch struct {
	Size       int
	InputIDs   []int
	SegmentIDs []int
	MLMLabels  []int
	Lengths    []int
	NSPLabels  []int
}

// Pipeline turns a corpus file into a deterministic stream of masked
// sentence-pair batches for one rank of a distributed run. The batch
// iteration position is the only mutable state.
type Pipeline struct {
	cfg       Config
	tok       *tokenizer.WordPieceTokenizer
	docs      []Document
	tokenized [][][]int
	shard     []int
	builder   exampleBuilder

	arrowDir string
	seqCache cache.SequenceCache
}

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithSequenceCache reuses tokenized sentences across pipeline builds
// (e.g. a dev pipeline over a file the train pipeline already visited).
func WithSequenceCache(c cache.SequenceCache) Option {
	return func(p *Pipeline) { p.seqCache = c }
}

// WithArrowCache persists the tokenized corpus as an Arrow IPC shard in
// dir and reuses it on later runs.
func WithArrowCache(dir string) Option {
	return func(p *Pipeline) { p.arrowDir = dir }
}

// NewPipeline loads and tokenizes the corpus at path and prepares the
// rank's document shard.
func NewPipeline(path string, tok *tokenizer.WordPieceTokenizer, cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	if cfg.MaskProb == 0 {
		cfg.MaskProb = defaultMaskProb
	}

	docs, err := LoadDocuments(path)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:  cfg,
		tok:  tok,
		docs: docs,
		builder: exampleBuilder{
			tok:       tok,
			maxSeqLen: cfg.MaxSeqLen,
			maskProb:  cfg.MaskProb,
		},
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.tokenize(path); err != nil {
		return nil, err
	}

	for i := range p.docs {
		if i%cfg.WorldSize == cfg.Rank {
			p.shard = append(p.shard, i)
		}
	}
	if len(p.shard) == 0 {
		return nil, fmt.Errorf("rank %d of %d received an empty shard (%d documents)",
			cfg.Rank, cfg.WorldSize, len(p.docs))
	}

	return p, nil
}

func (p *Pipeline) tokenize(path string) error {
	if p.arrowDir != "" {
		cachePath := p.cachePath(path)
		if _, err := os.Stat(cachePath); err == nil {
			tokenized, err := readTokenShard(cachePath)
			if err != nil {
				return fmt.Errorf("read token cache %s: %w", cachePath, err)
			}
			if len(tokenized) == len(p.docs) {
				p.tokenized = tokenized
				return nil
			}
			// Stale cache (corpus changed); fall through and rebuild.
		}
	}

	start := time.Now()
	if err := p.tokenizeAll(); err != nil {
		return err
	}
	tokenizationDuration.Observe(time.Since(start).Seconds())

	if p.arrowDir != "" {
		if err := os.MkdirAll(p.arrowDir, 0o755); err != nil {
			return err
		}
		if err := writeTokenShard(p.cachePath(path), p.tokenized); err != nil {
			return fmt.Errorf("write token cache: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) cachePath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return filepath.Join(p.arrowDir, base+".tokens.arrow")
}

// tokenizeAll tokenizes every sentence with a bounded worker pool.
func (p *Pipeline) tokenizeAll() error {
	p.tokenized = make([][][]int, len(p.docs))

	var g errgroup.Group
	workers := runtime.NumCPU()
	if workers > 16 {
		workers = 16
	}
	g.SetLimit(workers)

	for i := range p.docs {
		g.Go(func() error {
			doc := p.docs[i]
			ids := make([][]int, len(doc.Sentences))
			for j, sent := range doc.Sentences {
				if p.seqCache != nil {
					if cached, ok := p.seqCache.Get(sent); ok {
						ids[j] = cached
						continue
					}
				}
				ids[j] = p.tok.Encode(sent)
				if p.seqCache != nil {
					p.seqCache.Put(sent, ids[j])
				}
			}
			p.tokenized[i] = ids
			return nil
		})
	}
	return g.Wait()
}

// TotalDocuments returns the corpus size before sharding.
func (p *Pipeline) TotalDocuments() int {
	return len(p.docs)
}

// ShardSize returns the number of documents owned by this rank.
func (p *Pipeline) ShardSize() int {
	return len(p.shard)
}

// BatchesPerEpoch returns how many batches this rank yields per epoch.
func (p *Pipeline) BatchesPerEpoch() int {
	return (len(p.shard) + p.cfg.BatchSize - 1) / p.cfg.BatchSize
}

// TokenizedDocument exposes one tokenized document (read-only use).
func (p *Pipeline) TokenizedDocument(i int) [][]int {
	return p.tokenized[i]
}

// Epoch returns a deterministic batch iterator for the given epoch.
// The shuffle and all masking decisions derive from (seed, epoch, rank).
func (p *Pipeline) Epoch(epoch int) *BatchIter {
	rng := rand.New(rand.NewSource(p.cfg.Seed + int64(epoch)*7919 + int64(p.cfg.Rank)*104729))
	order := make([]int, len(p.shard))
	copy(order, p.shard)
	rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return &BatchIter{p: p, order: order, rng: rng}
}

// BatchIter yields batches for one epoch. Not safe for concurrent use.
type BatchIter struct {
	p     *Pipeline
	order []int
	pos   int
	rng   *rand.Rand
}

// Next returns the next batch, or false at the end of the epoch.
func (it *BatchIter) Next() (*Batch, bool) {
	if it.pos >= len(it.order) {
		return nil, false
	}
	end := it.pos + it.p.cfg.BatchSize
	if end > len(it.order) {
		end = len(it.order)
	}

	batch := &Batch{Size: end - it.pos}
	for _, docIdx := range it.order[it.pos:end] {
		ex := it.p.builder.build(it.p.tokenized, docIdx, it.rng)
		batch.InputIDs = append(batch.InputIDs, ex.InputIDs...)
		batch.SegmentIDs = append(batch.SegmentIDs, ex.SegmentIDs...)
		batch.MLMLabels = append(batch.MLMLabels, ex.MLMLabels...)
		batch.Lengths = append(batch.Lengths, len(ex.InputIDs))
		batch.NSPLabels = append(batch.NSPLabels, ex.NSPLabel)
	}
	it.pos = end

	batchesProduced.Inc()
	tokensProduced.Add(float64(len(batch.InputIDs)))
	return batch, true
}

// Skip advances past n batches without assembling them fully, keeping
// the RNG stream aligned. Used when resuming mid-epoch.
func (it *BatchIter) Skip(n int) {
	for i := 0; i < n; i++ {
		if _, ok := it.Next(); !ok {
			return
		}
	}
}

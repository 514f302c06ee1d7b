package tokenizer

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"
)

// WordPieceTokenizer implements the WordPiece tokenization algorithm over
// a BERT-style vocab file. It is read-only after construction.
type WordPieceTokenizer struct {
	vocab         map[string]int
	invVocab      map[int]string
	maxInputChars int
	neverSplit    map[string]bool

	PadID  int
	UnkID  int
	ClsID  int
	SepID  int
	MaskID int
}

// NewWordPieceTokenizer loads a vocab file (one token per line, ID =
// line index) and verifies the special tokens pretraining depends on.
func NewWordPieceTokenizer(vocabPath string) (*WordPieceTokenizer, error) {
	vocab, err := loadVocab(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("load vocab %s: %w", vocabPath, err)
	}

	invVocab := make(map[int]string, len(vocab))
	for k, v := range vocab {
		invVocab[v] = k
	}

	t := &WordPieceTokenizer{
		vocab:         vocab,
		invVocab:      invVocab,
		maxInputChars: 200,
		neverSplit: map[string]bool{
			UnkToken: true, SepToken: true, PadToken: true, ClsToken: true, MaskToken: true,
		},
	}

	for name, dst := range map[string]*int{
		PadToken: &t.PadID, UnkToken: &t.UnkID, ClsToken: &t.ClsID,
		SepToken: &t.SepID, MaskToken: &t.MaskID,
	} {
		id, ok := vocab[name]
		if !ok {
			return nil, fmt.Errorf("vocab %s is missing required token %s", vocabPath, name)
		}
		*dst = id
	}

	return t, nil
}

func loadVocab(path string) (map[string]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	vocab := make(map[string]int)
	scanner := bufio.NewScanner(file)
	index := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			vocab[line] = index
			index++
		}
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocab file")
	}
	return vocab, scanner.Err()
}

// VocabSize returns the number of entries in the vocabulary.
func (t *WordPieceTokenizer) VocabSize() int {
	return len(t.vocab)
}

// TokenToID looks up a token.
func (t *WordPieceTokenizer) TokenToID(token string) (int, bool) {
	id, ok := t.vocab[token]
	return id, ok
}

// IDToToken looks up the token string for an ID.
func (t *WordPieceTokenizer) IDToToken(id int) (string, bool) {
	tok, ok := t.invVocab[id]
	return tok, ok
}

// IsSpecialID reports whether id belongs to one of the reserved tokens.
func (t *WordPieceTokenizer) IsSpecialID(id int) bool {
	switch id {
	case t.PadID, t.UnkID, t.ClsID, t.SepID, t.MaskID:
		return true
	}
	return false
}

// RandomTokenID draws a uniformly random non-special vocabulary ID.
// Used by the masking strategy's random-replacement branch.
func (t *WordPieceTokenizer) RandomTokenID(rng *rand.Rand) int {
	for {
		id := rng.Intn(len(t.vocab))
		if !t.IsSpecialID(id) {
			return id
		}
	}
}

func isPunctuation(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// splitOnPunctuation splits text on whitespace and punctuation, keeping
// punctuation as separate tokens and never splitting reserved tokens.
func (t *WordPieceTokenizer) splitOnPunctuation(text string) []string {
	var tokens []string

	runeText := []rune(text)
	var currentToken strings.Builder

	i := 0
	for i < len(runeText) {
		suffix := string(runeText[i:])
		matched := false
		for ns := range t.neverSplit {
			if strings.HasPrefix(suffix, ns) {
				if currentToken.Len() > 0 {
					tokens = append(tokens, currentToken.String())
					currentToken.Reset()
				}
				tokens = append(tokens, ns)
				i += len([]rune(ns))
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		r := runeText[i]
		switch {
		case isPunctuation(r):
			if currentToken.Len() > 0 {
				tokens = append(tokens, currentToken.String())
				currentToken.Reset()
			}
			tokens = append(tokens, string(r))
		case unicode.IsSpace(r):
			if currentToken.Len() > 0 {
				tokens = append(tokens, currentToken.String())
				currentToken.Reset()
			}
		default:
			currentToken.WriteRune(r)
		}
		i++
	}
	if currentToken.Len() > 0 {
		tokens = append(tokens, currentToken.String())
	}
	return tokens
}

// Tokenize runs basic splitting, lowercasing, accent stripping and the
// greedy longest-match WordPiece pass. Returns tokens and their IDs.
func (t *WordPieceTokenizer) Tokenize(text string) ([]string, []int) {
	rawTokens := t.splitOnPunctuation(text)

	outputTokens := make([]string, 0, len(rawTokens)*2)
	outputIDs := make([]int, 0, len(rawTokens)*2)

	for _, token := range rawTokens {
		if token == "" {
			continue
		}

		if t.neverSplit[token] {
			if id, ok := t.vocab[token]; ok {
				outputTokens = append(outputTokens, token)
				outputIDs = append(outputIDs, id)
				continue
			}
		}

		normToken := strings.ToLower(token)
		tform := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		normToken, _, _ = transform.String(tform, normToken)

		if len(normToken) > t.maxInputChars {
			outputTokens = append(outputTokens, UnkToken)
			outputIDs = append(outputIDs, t.UnkID)
			continue
		}

		isBad := false
		start := 0
		var subTokens []string
		for start < len(normToken) {
			end := len(normToken)
			var curSubstr string
			for start < end {
				substr := normToken[start:end]
				if start > 0 {
					substr = "##" + substr
				}
				if _, ok := t.vocab[substr]; ok {
					curSubstr = substr
					break
				}
				end--
			}
			if curSubstr == "" {
				isBad = true
				break
			}
			subTokens = append(subTokens, curSubstr)
			start = end
		}

		if isBad {
			outputTokens = append(outputTokens, UnkToken)
			outputIDs = append(outputIDs, t.UnkID)
		} else {
			for _, st := range subTokens {
				outputTokens = append(outputTokens, st)
				outputIDs = append(outputIDs, t.vocab[st])
			}
		}
	}

	return outputTokens, outputIDs
}

// Encode converts text into a slice of input IDs without special tokens.
func (t *WordPieceTokenizer) Encode(text string) []int {
	_, ids := t.Tokenize(text)
	return ids
}

// EncodePair assembles [CLS] a [SEP] b [SEP] with segment IDs, truncating
// the longer segment first until the sequence fits maxSeqLen.
func (t *WordPieceTokenizer) EncodePair(a, b []int, maxSeqLen int) (inputIDs, segmentIDs []int) {
	budget := maxSeqLen - 3
	a, b = truncatePair(a, b, budget)

	inputIDs = make([]int, 0, len(a)+len(b)+3)
	segmentIDs = make([]int, 0, cap(inputIDs))

	inputIDs = append(inputIDs, t.ClsID)
	segmentIDs = append(segmentIDs, 0)
	for _, id := range a {
		inputIDs = append(inputIDs, id)
		segmentIDs = append(segmentIDs, 0)
	}
	inputIDs = append(inputIDs, t.SepID)
	segmentIDs = append(segmentIDs, 0)
	for _, id := range b {
		inputIDs = append(inputIDs, id)
		segmentIDs = append(segmentIDs, 1)
	}
	inputIDs = append(inputIDs, t.SepID)
	segmentIDs = append(segmentIDs, 1)

	return inputIDs, segmentIDs
}

func truncatePair(a, b []int, budget int) ([]int, []int) {
	for len(a)+len(b) > budget {
		if len(a) >= len(b) {
			a = a[:len(a)-1]
		} else {
			b = b[:len(b)-1]
		}
	}
	return a, b
}

// SaveVocab writes the vocabulary in ID order to dir/vocab.txt so that a
// reload reproduces identical token-ID assignments.
func (t *WordPieceTokenizer) SaveVocab(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	ids := make([]int, 0, len(t.invVocab))
	for id := range t.invVocab {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	f, err := os.Create(filepath.Join(dir, "vocab.txt"))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, id := range ids {
		if _, err := w.WriteString(t.invVocab[id] + "\n"); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

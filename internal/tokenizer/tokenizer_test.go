package tokenizer

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestVocab(t *testing.T) string {
	t.Helper()
	vocabContent := []string{
		"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
		"hello", "world", "hi", "how", "are", "you",
		"##lo", "##ld", "##i",
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.txt")
	data := ""
	for _, v := range vocabContent {
		data += v + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestTokenizer(t *testing.T) {
	tk, err := NewWordPieceTokenizer(writeTestVocab(t))
	require.NoError(t, err)

	t.Run("BasicTokenize", func(t *testing.T) {
		tokens, ids := tk.Tokenize("Hello world")
		require.Equal(t, []string{"hello", "world"}, tokens)
		require.Equal(t, []int{5, 6}, ids)
	})

	t.Run("WordPieceSplit", func(t *testing.T) {
		tokens, ids := tk.Tokenize("hellold")
		require.Equal(t, []string{"hello", "##ld"}, tokens)
		require.Equal(t, []int{5, 12}, ids)
	})

	t.Run("UNKHandling", func(t *testing.T) {
		tokens, ids := tk.Tokenize("unknownword")
		require.Equal(t, []string{"[UNK]"}, tokens)
		require.Equal(t, []int{1}, ids)
	})

	t.Run("Normalization", func(t *testing.T) {
		tokens, ids := tk.Tokenize("Héllo")
		require.Equal(t, []string{"hello"}, tokens)
		require.Equal(t, []int{5}, ids)
	})

	t.Run("SpecialIDs", func(t *testing.T) {
		require.Equal(t, 0, tk.PadID)
		require.Equal(t, 2, tk.ClsID)
		require.Equal(t, 3, tk.SepID)
		require.Equal(t, 4, tk.MaskID)
		require.Equal(t, 14, tk.VocabSize())
		require.True(t, tk.IsSpecialID(4))
		require.False(t, tk.IsSpecialID(5))
	})
}

func TestMissingSpecialToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello\nworld\n"), 0o644))

	_, err := NewWordPieceTokenizer(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing required token")
}

func TestEncodePair(t *testing.T) {
	tk, err := NewWordPieceTokenizer(writeTestVocab(t))
	require.NoError(t, err)

	a := tk.Encode("hello world")
	b := tk.Encode("how are you")

	ids, segs := tk.EncodePair(a, b, 128)
	require.Equal(t, []int{2, 5, 6, 3, 8, 9, 10, 3}, ids)
	require.Equal(t, []int{0, 0, 0, 0, 1, 1, 1, 1}, segs)

	// Truncation keeps [CLS]/[SEP] structure and trims the longer segment.
	ids, segs = tk.EncodePair(a, b, 6)
	require.Len(t, ids, 6)
	require.Len(t, segs, 6)
	require.Equal(t, tk.ClsID, ids[0])
	require.Equal(t, tk.SepID, ids[len(ids)-1])
}

func TestRandomTokenIDAvoidsSpecials(t *testing.T) {
	tk, err := NewWordPieceTokenizer(writeTestVocab(t))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(39))
	for i := 0; i < 200; i++ {
		id := tk.RandomTokenID(rng)
		require.False(t, tk.IsSpecialID(id))
		require.Less(t, id, tk.VocabSize())
	}
}

func TestSaveVocabRoundTrip(t *testing.T) {
	tk, err := NewWordPieceTokenizer(writeTestVocab(t))
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, tk.SaveVocab(out))

	reloaded, err := NewWordPieceTokenizer(filepath.Join(out, "vocab.txt"))
	require.NoError(t, err)
	require.Equal(t, tk.VocabSize(), reloaded.VocabSize())

	for id := 0; id < tk.VocabSize(); id++ {
		orig, ok := tk.IDToToken(id)
		require.True(t, ok)
		got, ok := reloaded.IDToToken(id)
		require.True(t, ok)
		require.Equal(t, orig, got)
	}
}

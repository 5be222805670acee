package tokenizer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"hello", "world", "hi", "how", "are", "you",
	"##lo", "##ld", "##i", "!",
}

func TestWordPiece(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, WriteVocab(path, testVocab))

	tk, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, len(testVocab), tk.VocabSize())
	require.Equal(t, 0, tk.PadID())

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

	t.Run("SpecialAndPunctuation", func(t *testing.T) {
		tokens, _ := tk.Tokenize("[CLS]hi, you!")
		require.Equal(t, []string{"[CLS]", "hi", "[UNK]", "you", "!"}, tokens)
	})

	t.Run("EncodeBatch", func(t *testing.T) {
		rows := tk.EncodeBatch([]string{"hi", "how are you"}, 0)
		require.Equal(t, [][]int{{2, 7, 3, 0, 0}, {2, 8, 9, 10, 3}}, rows)

		truncated := tk.EncodeBatch([]string{"how are you"}, 3)
		require.Equal(t, [][]int{{2, 8, 3}}, truncated)
	})
}

type mapCache struct {
	data map[string][]int
	hits int
}

func (c *mapCache) Get(text string) ([]int, bool) {
	ids, ok := c.data[text]
	if ok {
		c.hits++
	}
	return ids, ok
}

func (c *mapCache) Put(text string, ids []int) { c.data[text] = ids }

func TestEncodeCache(t *testing.T) {
	tk, err := New(testVocab)
	require.NoError(t, err)
	c := &mapCache{data: map[string][]int{}}
	tk.SetCache(c)

	require.Equal(t, []int{8, 9, 10}, tk.Encode("how are you"))
	require.Equal(t, []int{8, 9, 10}, c.data["how are you"])
	require.Equal(t, 0, c.hits)

	c.data["how are you"] = []int{5}
	require.Equal(t, [][]int{{2, 5, 3}}, tk.EncodeBatch([]string{"how are you"}, 0))
	require.Equal(t, 1, c.hits)
}

func TestNewRequiresSpecialTokens(t *testing.T) {
	_, err := New([]string{"hello"})
	require.Error(t, err)
}

// Package tokenizer turns raw text into WordPiece ids for the encoders.
package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/23skdu/longbow-biadapt/internal/batch"
)

// Special tokens.
const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"
)

// Tokenizer converts text into token ids.
type Tokenizer interface {
	Tokenize(text string) ([]string, []int)
	Encode(text string) []int
}

// WordPiece implements BERT style WordPiece tokenization over a fixed vocab.
type WordPiece struct {
	vocab         []string
	ids           map[string]int
	maxInputChars int
	neverSplit    map[string]bool
	cache         Cache
}

// Cache stores the ids Encode computed for a text.
type Cache interface {
	Get(text string) ([]int, bool)
	Put(text string, ids []int)
}

// Load reads a vocab.txt file, one token per line.
func Load(path string) (*WordPiece, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var vocab []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			vocab = append(vocab, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}
	return New(vocab)
}

// New builds a tokenizer from an ordered vocab. The vocab must contain [UNK]
// and [PAD].
func New(vocab []string) (*WordPiece, error) {
	ids := make(map[string]int, len(vocab))
	for i, tok := range vocab {
		if _, dup := ids[tok]; !dup {
			ids[tok] = i
		}
	}
	for _, required := range []string{UnkToken, PadToken} {
		if _, ok := ids[required]; !ok {
			return nil, fmt.Errorf("vocab is missing %s", required)
		}
	}
	return &WordPiece{
		vocab:         append([]string(nil), vocab...),
		ids:           ids,
		maxInputChars: 200,
		neverSplit: map[string]bool{
			UnkToken: true, SepToken: true, PadToken: true, ClsToken: true, MaskToken: true,
		},
	}, nil
}

func (t *WordPiece) VocabSize() int { return len(t.vocab) }
func (t *WordPiece) Vocab() []string { return append([]string(nil), t.vocab...) }
func (t *WordPiece) PadID() int { return t.ids[PadToken] }
func (t *WordPiece) unkID() int { return t.ids[UnkToken] }

// WriteVocab stores the vocab in vocab.txt format.
func WriteVocab(path string, vocab []string) error {
	return os.WriteFile(path, []byte(strings.Join(vocab, "\n")+"\n"), 0o644)
}

func isPunctuation(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// split breaks text on whitespace and punctuation, keeping punctuation and
// special tokens as separate pieces.
func (t *WordPiece) split(text string) []string {
	if isASCII(text) && FindPunctuation([]byte(text)) < 0 {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var tokens []string
	rs := []rune(text)
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(rs); {
		if rs[i] == '[' {
			if special, n := t.specialAt(rs[i:]); n > 0 {
				flush()
				tokens = append(tokens, special)
				i += n
				continue
			}
		}
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			flush()
		case isPunctuation(r):
			flush()
			tokens = append(tokens, string(r))
		default:
			cur.WriteRune(r)
		}
		i++
	}
	flush()
	return tokens
}

func (t *WordPiece) specialAt(rs []rune) (string, int) {
	for tok := range t.neverSplit {
		n := len(tok)
		if len(rs) >= n && string(rs[:n]) == tok {
			return tok, n
		}
	}
	return "", 0
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func normalize(token string) string {
	tform := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(tform, strings.ToLower(token))
	if err != nil {
		return strings.ToLower(token)
	}
	return out
}

// Tokenize returns the WordPiece tokens of text and their ids.
func (t *WordPiece) Tokenize(text string) ([]string, []int) {
	pieces := t.split(text)
	tokens := make([]string, 0, len(pieces)*2)
	ids := make([]int, 0, len(pieces)*2)

	for _, piece := range pieces {
		if t.neverSplit[piece] {
			if id, ok := t.ids[piece]; ok {
				tokens = append(tokens, piece)
				ids = append(ids, id)
				continue
			}
		}

		word := normalize(piece)
		sub, ok := t.wordPieces(word)
		if !ok {
			tokens = append(tokens, UnkToken)
			ids = append(ids, t.unkID())
			continue
		}
		for _, s := range sub {
			tokens = append(tokens, s)
			ids = append(ids, t.ids[s])
		}
	}
	return tokens, ids
}

// wordPieces greedily splits word into the longest vocab entries.
func (t *WordPiece) wordPieces(word string) ([]string, bool) {
	if len(word) > t.maxInputChars {
		return nil, false
	}
	var sub []string
	for start := 0; start < len(word); {
		end := len(word)
		found := ""
		for start < end {
			s := word[start:end]
			if start > 0 {
				s = "##" + s
			}
			if _, ok := t.ids[s]; ok {
				found = s
				break
			}
			end--
		}
		if found == "" {
			return nil, false
		}
		sub = append(sub, found)
		start = end
	}
	return sub, true
}

// SetCache makes Encode consult c before tokenizing. It must be called
// before the tokenizer is shared between goroutines.
func (t *WordPiece) SetCache(c Cache) {
	t.cache = c
}

func (t *WordPiece) Encode(text string) []int {
	if t.cache != nil {
		if ids, ok := t.cache.Get(text); ok {
			return ids
		}
	}
	_, ids := t.Tokenize(text)
	if t.cache != nil {
		t.cache.Put(text, ids)
	}
	return ids
}

// EncodeBatch encodes texts, wraps each in [CLS] ... [SEP] when the vocab has
// them, truncates to maxLen (0 means unlimited) and pads to a common width.
func (t *WordPiece) EncodeBatch(texts []string, maxLen int) [][]int {
	cls, hasCLS := t.ids[ClsToken]
	sep, hasSEP := t.ids[SepToken]

	seqs := make([][]int, len(texts))
	for i, text := range texts {
		ids := t.Encode(text)
		var seq []int
		if hasCLS {
			seq = append(seq, cls)
		}
		seq = append(seq, ids...)
		if maxLen > 0 && len(seq) > maxLen-boolToInt(hasSEP) {
			seq = seq[:max(maxLen-boolToInt(hasSEP), 0)]
		}
		if hasSEP {
			seq = append(seq, sep)
		}
		if len(seq) == 0 {
			seq = []int{t.PadID()}
		}
		seqs[i] = seq
	}
	return batch.Pad(seqs, t.PadID())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

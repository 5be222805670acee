package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/encoder"
	"github.com/23skdu/longbow-biadapt/internal/head"
	"github.com/23skdu/longbow-biadapt/internal/model"
	"github.com/23skdu/longbow-biadapt/internal/tokenizer"
)

// pair is one query/passage input. Label is only needed for evaluation.
type pair struct {
	ID      string `cbor:"id,omitempty"`
	Query   string `cbor:"query"`
	Passage string `cbor:"passage"`
	Label   string `cbor:"label,omitempty"`
}

// readPairs parses tab separated lines of query, passage and an optional
// label. Empty lines and lines starting with # are skipped.
func readPairs(r io.Reader) ([]pair, error) {
	var pairs []pair
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		cols := strings.Split(text, "\t")
		if len(cols) < 2 {
			return nil, fmt.Errorf("line %d: want query and passage separated by a tab", line)
		}
		p := pair{ID: strconv.Itoa(len(pairs)), Query: cols[0], Passage: cols[1]}
		if len(cols) > 2 {
			p.Label = strings.TrimSpace(cols[2])
		}
		pairs = append(pairs, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func loadPairs(path string) ([]pair, error) {
	if path == "" {
		return demoPairs(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return readPairs(f)
}

func demoPairs() []pair {
	return []pair{
		{ID: "0", Query: "what is the capital of france", Passage: "paris is the capital of france", Label: "yes"},
		{ID: "1", Query: "how tall is the eiffel tower", Passage: "the tower is about three hundred metres tall", Label: "yes"},
		{ID: "2", Query: "who wrote faust", Passage: "berlin is a city in germany", Label: "no"},
	}
}

func chunkPairs(pairs []pair, size int) [][]pair {
	if size <= 0 {
		size = len(pairs)
	}
	var chunks [][]pair
	for start := 0; start < len(pairs); start += size {
		chunks = append(chunks, pairs[start:min(start+size, len(pairs))])
	}
	return chunks
}

// baskets wraps every pair into a one-sample basket.
func baskets(pairs []pair) []batch.Basket {
	out := make([]batch.Basket, len(pairs))
	for i, p := range pairs {
		out[i] = batch.Basket{
			ID: p.ID,
			Samples: []batch.Sample{{
				ID:     p.ID,
				Text:   p.Query,
				Fields: map[string]any{"passage": p.Passage},
			}},
		}
	}
	return out
}

// loadTokenizer uses path when set, otherwise the vocab stored with the model.
func loadTokenizer(path, modelDir string) (*tokenizer.WordPiece, error) {
	if path != "" {
		return tokenizer.Load(path)
	}
	for _, p := range []string{
		filepath.Join(modelDir, encoder.VocabFile),
		filepath.Join(modelDir, model.DefaultLM1Dir, encoder.VocabFile),
	} {
		if _, err := os.Stat(p); err == nil {
			return tokenizer.Load(p)
		}
	}
	return nil, fmt.Errorf("no vocab found in %s, pass -vocab", modelDir)
}

// inputFields returns the batch fields read by encoder A and B.
func inputFields(b model.Backend) (string, string, error) {
	switch m := b.(type) {
	case *model.FrozenModel:
		f := m.Config().InputFields
		return f[0], f[1], nil
	case *model.Model:
		encA, encB := m.Encoders()
		a, okA := encA.(encoder.Exportable)
		bb, okB := encB.(encoder.Exportable)
		if !okA || !okB {
			return "", "", errors.New("encoders do not report their input fields")
		}
		return a.InputField(), bb.InputField(), nil
	default:
		return "", "", fmt.Errorf("unsupported backend %T", b)
	}
}

// pairEncoder turns pairs into batches for one backend.
type pairEncoder struct {
	tok    *tokenizer.WordPiece
	fieldA string
	fieldB string
	maxLen int
}

func newPairEncoder(tok *tokenizer.WordPiece, b model.Backend, maxLen int) (*pairEncoder, error) {
	a, bf, err := inputFields(b)
	if err != nil {
		return nil, err
	}
	if a == bf {
		return nil, fmt.Errorf("both encoders read field %q, pairs need separate fields", a)
	}
	return &pairEncoder{tok: tok, fieldA: a, fieldB: bf, maxLen: maxLen}, nil
}

// encode tokenizes queries into fieldA and passages into fieldB. With
// labels set, every connected head gets its label field: the label index
// for heads with a label list, the in-batch positive otherwise.
func (e *pairEncoder) encode(pairs []pair, heads []head.Head, labels bool) (*batch.Batch, error) {
	b := batch.New(len(pairs))
	queries := make([]string, len(pairs))
	passages := make([]string, len(pairs))
	for i, p := range pairs {
		queries[i], passages[i] = p.Query, p.Passage
	}
	if err := b.Set(e.fieldA, e.tok.EncodeBatch(queries, e.maxLen)); err != nil {
		return nil, err
	}
	if err := b.Set(e.fieldB, e.tok.EncodeBatch(passages, e.maxLen)); err != nil {
		return nil, err
	}
	if !labels {
		return b, nil
	}

	for _, h := range heads {
		bd := h.Bound()
		if !bd.Connected() {
			continue
		}
		rows := make([][]int, len(pairs))
		for i, p := range pairs {
			if len(bd.LabelList) == 0 {
				rows[i] = []int{i}
				continue
			}
			idx := slices.Index(bd.LabelList, p.Label)
			if idx < 0 {
				return nil, fmt.Errorf("pair %s: label %q is not one of %v (task %s)", p.ID, p.Label, bd.LabelList, bd.TaskName)
			}
			rows[i] = []int{idx}
		}
		if err := b.Set(bd.LabelTensorName, rows); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// taskOutput is the formatted output of one head, or of the merged answer.
type taskOutput struct {
	Task        string         `cbor:"task"`
	Predictions head.Formatted `cbor:"predictions"`
}

// taskOutputs splits formatted output into one entry per head, or a single
// entry for a merged answer.
func taskOutputs(f *model.Formatted, heads []head.Head) []taskOutput {
	switch {
	case f.Mode == model.ModeSingle:
		return []taskOutput{{Task: heads[0].Bound().TaskName, Predictions: f.Items}}
	case f.Merged != nil:
		return []taskOutput{{Task: "merged", Predictions: f.Merged}}
	}
	var outs []taskOutput
	for i, bucket := range f.PerHead {
		for _, hf := range bucket {
			outs = append(outs, taskOutput{Task: heads[i].Bound().TaskName, Predictions: hf})
		}
	}
	return outs
}

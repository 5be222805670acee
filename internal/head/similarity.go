package head

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/onnx"
)

const TextSimilarityName = "TextSimilarityHead"

// Similarity functions understood by TextSimilarityHead.
const (
	DotProduct = "dot_product"
	Cosine     = "cosine"
)

func init() {
	Register(TextSimilarityName, loadTextSimilarity)
}

type similarityParams struct {
	SimilarityFunction string `json:"similarity_function"`
}

// TextSimilarityHead scores every query of encoder A against every passage of
// encoder B. Row i of the logits holds the scores of query i. Training uses
// in-batch negatives: the label field holds the index of the positive passage.
type TextSimilarityHead struct {
	Binding
	similarity string
}

// NewTextSimilarityHead creates a head for taskName using dot_product or cosine.
func NewTextSimilarityHead(taskName, similarity string) (*TextSimilarityHead, error) {
	if similarity == "" {
		similarity = DotProduct
	}
	if similarity != DotProduct && similarity != Cosine {
		return nil, fmt.Errorf("unknown similarity function %q", similarity)
	}
	return &TextSimilarityHead{
		Binding:    Binding{TaskName: taskName},
		similarity: similarity,
	}, nil
}

func loadTextSimilarity(cfg Config, _ []byte) (Head, error) {
	var p similarityParams
	if len(cfg.Params) > 0 {
		if err := json.Unmarshal(cfg.Params, &p); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
	}
	h, err := NewTextSimilarityHead(cfg.TaskName, p.SimilarityFunction)
	if err != nil {
		return nil, err
	}
	h.Binding = cfg.binding()
	return h, nil
}

func (h *TextSimilarityHead) Similarity() string { return h.similarity }

func (h *TextSimilarityHead) Forward(a, b *mat.Dense) (Logits, error) {
	_, ha := a.Dims()
	_, hb := b.Dims()
	if ha != hb {
		return nil, fmt.Errorf("query dim %d does not match passage dim %d", ha, hb)
	}
	if h.similarity == Cosine {
		a, b = normalizeRows(a), normalizeRows(b)
	}
	var scores mat.Dense
	scores.Mul(a, b.T())
	return &scores, nil
}

func normalizeRows(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		if n := floats.Norm(row, 2); n > 0 {
			floats.Scale(1/n, row)
		}
	}
	return out
}

// LogitsToLoss returns the negative log likelihood of the positive passage
// for every query.
func (h *TextSimilarityHead) LogitsToLoss(logits Logits, b *batch.Batch) (*mat.VecDense, error) {
	scores, err := asDense(logits)
	if err != nil {
		return nil, err
	}
	positives, err := h.positives(b)
	if err != nil {
		return nil, err
	}
	rows, cols := scores.Dims()
	if len(positives) != rows {
		return nil, fmt.Errorf("%d labels for %d queries", len(positives), rows)
	}
	loss := mat.NewVecDense(rows, nil)
	for i, pos := range positives {
		if pos < 0 || pos >= cols {
			return nil, fmt.Errorf("positive passage %d out of range for %d passages", pos, cols)
		}
		loss.SetVec(i, -logSoftmax(scores.RawRowView(i))[pos])
	}
	return loss, nil
}

func (h *TextSimilarityHead) positives(b *batch.Batch) ([]int, error) {
	if !h.Connected() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, h.TaskName)
	}
	return b.Column(h.LabelTensorName)
}

// LogitsToPreds ranks the passages of every query by descending score. Each
// prediction is a []int of passage indices.
func (h *TextSimilarityHead) LogitsToPreds(logits Logits, _ *batch.Batch) ([]Prediction, error) {
	scores, err := asDense(logits)
	if err != nil {
		return nil, err
	}
	rows, _ := scores.Dims()
	preds := make([]Prediction, rows)
	for i := range preds {
		preds[i] = rank(scores.RawRowView(i))
	}
	return preds, nil
}

func rank(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool {
		sx, sy := scores[idx[x]], scores[idx[y]]
		if math.IsNaN(sy) {
			return !math.IsNaN(sx)
		}
		return sx > sy
	})
	return idx
}

// PrepareLabels returns the positive passage index of every query.
func (h *TextSimilarityHead) PrepareLabels(b *batch.Batch) ([]Prediction, error) {
	positives, err := h.positives(b)
	if err != nil {
		return nil, err
	}
	labels := make([]Prediction, len(positives))
	for i, p := range positives {
		labels[i] = p
	}
	return labels, nil
}

// FormattedPreds renders one record per query. Precomputed preds win over logits.
func (h *TextSimilarityHead) FormattedPreds(logits Logits, preds []Prediction, fc *FormatContext) (Formatted, error) {
	if preds == nil {
		if logits == nil {
			return nil, fmt.Errorf("task %s: neither logits nor predictions given", h.TaskName)
		}
		var err error
		if preds, err = h.LogitsToPreds(logits, nil); err != nil {
			return nil, err
		}
	}
	out := make(FormattedList, len(preds))
	for i, p := range preds {
		rec := map[string]any{
			"task":    h.TaskName,
			"query":   i,
			"ranking": p,
		}
		if fc != nil && i < len(fc.Samples) {
			rec["id"] = fc.Samples[i].ID
		}
		out[i] = rec
	}
	return out, nil
}

func (h *TextSimilarityHead) Config() Config {
	cfg, _ := configFromBinding(TextSimilarityName, &h.Binding, similarityParams{SimilarityFunction: h.similarity})
	return cfg
}

// MarshalWeights returns nil: the head has no parameters.
func (h *TextSimilarityHead) MarshalWeights() ([]byte, error) {
	return nil, nil
}

func (h *TextSimilarityHead) Layers() int { return 0 }

// ExportGraph emits a·bᵀ. Cosine similarity is not exportable.
func (h *TextSimilarityHead) ExportGraph(g *onnx.GraphBuilder, a, b string) (string, error) {
	if h.similarity != DotProduct {
		return "", fmt.Errorf("%w: %s similarity", ErrNotExportable, h.similarity)
	}
	bt := g.Node("Transpose", []string{b}, onnx.IntsAttr("perm", 1, 0))
	return g.Node("MatMul", []string{a, bt}), nil
}

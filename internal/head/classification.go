package head

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/onnx"
)

const PairClassificationName = "PairClassificationHead"

func init() {
	Register(PairClassificationName, loadPairClassification)
}

type classificationParams struct {
	LayerDims []int  `json:"layer_dims"`
	Seed      uint64 `json:"seed,omitempty"`
}

// PairClassificationHead classifies the concatenation of both pooled outputs
// with a feed-forward network. LayerDims[0] must equal the sum of both
// encoder dims and the last entry is the number of labels.
type PairClassificationHead struct {
	Binding
	params classificationParams
	layers []dense
}

// NewPairClassificationHead creates a freshly initialised head.
func NewPairClassificationHead(taskName string, layerDims []int, seed uint64) (*PairClassificationHead, error) {
	if len(layerDims) < 2 {
		return nil, fmt.Errorf("layer_dims needs at least an input and an output size, got %v", layerDims)
	}
	for _, d := range layerDims {
		if d <= 0 {
			return nil, fmt.Errorf("invalid layer_dims %v", layerDims)
		}
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	h := &PairClassificationHead{
		Binding: Binding{TaskName: taskName},
		params:  classificationParams{LayerDims: append([]int(nil), layerDims...), Seed: seed},
	}
	for i := 0; i+1 < len(layerDims); i++ {
		h.layers = append(h.layers, newDense(layerDims[i], layerDims[i+1], rng))
	}
	return h, nil
}

func loadPairClassification(cfg Config, weights []byte) (Head, error) {
	var p classificationParams
	if err := json.Unmarshal(cfg.Params, &p); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	h, err := NewPairClassificationHead(cfg.TaskName, p.LayerDims, p.Seed)
	if err != nil {
		return nil, err
	}
	h.Binding = cfg.binding()
	if weights == nil {
		return h, nil
	}
	layers, err := unmarshalLayers(weights)
	if err != nil {
		return nil, err
	}
	if len(layers) != len(h.layers) {
		return nil, fmt.Errorf("weights hold %d layers, layer_dims %v needs %d", len(layers), p.LayerDims, len(h.layers))
	}
	for i, l := range layers {
		r, c := l.W.Dims()
		if r != p.LayerDims[i] || c != p.LayerDims[i+1] {
			return nil, fmt.Errorf("layer %d is %dx%d, layer_dims %v", i, r, c, p.LayerDims)
		}
	}
	h.layers = layers
	return h, nil
}

func (h *PairClassificationHead) LayerDims() []int {
	return append([]int(nil), h.params.LayerDims...)
}

func (h *PairClassificationHead) Forward(a, b *mat.Dense) (Logits, error) {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ra != rb {
		return nil, fmt.Errorf("pair head needs equal batch sizes, got %d and %d", ra, rb)
	}
	x := mat.NewDense(ra, ca+cb, nil)
	x.Slice(0, ra, 0, ca).(*mat.Dense).Copy(a)
	x.Slice(0, ra, ca, ca+cb).(*mat.Dense).Copy(b)

	for i, l := range h.layers {
		y, err := l.forward(x)
		if err != nil {
			return nil, fmt.Errorf("task %s layer %d: %w", h.TaskName, i, err)
		}
		if i < len(h.layers)-1 {
			relu(y)
		}
		x = y
	}
	return x, nil
}

// LogitsToLoss returns the per-sample cross entropy against the label ids.
func (h *PairClassificationHead) LogitsToLoss(logits Logits, b *batch.Batch) (*mat.VecDense, error) {
	m, err := asDense(logits)
	if err != nil {
		return nil, err
	}
	labels, err := h.labelIDs(b)
	if err != nil {
		return nil, err
	}
	rows, cols := m.Dims()
	if len(labels) != rows {
		return nil, fmt.Errorf("%d labels for %d samples", len(labels), rows)
	}
	loss := mat.NewVecDense(rows, nil)
	for i, y := range labels {
		if y < 0 || y >= cols {
			return nil, fmt.Errorf("label id %d out of range for %d classes", y, cols)
		}
		loss.SetVec(i, -logSoftmax(m.RawRowView(i))[y])
	}
	return loss, nil
}

func (h *PairClassificationHead) labelIDs(b *batch.Batch) ([]int, error) {
	if !h.Connected() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, h.TaskName)
	}
	return b.Column(h.LabelTensorName)
}

func (h *PairClassificationHead) label(id int) string {
	if id >= 0 && id < len(h.LabelList) {
		return h.LabelList[id]
	}
	return strconv.Itoa(id)
}

// LogitsToPreds returns the label string of the highest scoring class.
func (h *PairClassificationHead) LogitsToPreds(logits Logits, _ *batch.Batch) ([]Prediction, error) {
	m, err := asDense(logits)
	if err != nil {
		return nil, err
	}
	rows, _ := m.Dims()
	preds := make([]Prediction, rows)
	for i := range preds {
		preds[i] = h.label(floats.MaxIdx(m.RawRowView(i)))
	}
	return preds, nil
}

func (h *PairClassificationHead) PrepareLabels(b *batch.Batch) ([]Prediction, error) {
	ids, err := h.labelIDs(b)
	if err != nil {
		return nil, err
	}
	labels := make([]Prediction, len(ids))
	for i, id := range ids {
		labels[i] = h.label(id)
	}
	return labels, nil
}

// FormattedPreds renders a document with one entry per sample. Probabilities
// are included when logits are given.
func (h *PairClassificationHead) FormattedPreds(logits Logits, preds []Prediction, fc *FormatContext) (Formatted, error) {
	var probs *mat.Dense
	if logits != nil {
		m, err := asDense(logits)
		if err != nil {
			return nil, err
		}
		probs = softmaxRows(m)
		if preds == nil {
			if preds, err = h.LogitsToPreds(m, nil); err != nil {
				return nil, err
			}
		}
	}
	if preds == nil {
		return nil, fmt.Errorf("task %s: neither logits nor predictions given", h.TaskName)
	}

	entries := make([]map[string]any, len(preds))
	for i, p := range preds {
		e := map[string]any{"label": p}
		if probs != nil {
			e["probability"] = floats.Max(probs.RawRowView(i))
		}
		if fc != nil && i < len(fc.Samples) {
			e["id"] = fc.Samples[i].ID
		}
		entries[i] = e
	}
	return FormattedDoc{
		"task":        h.TaskName,
		"predictions": entries,
	}, nil
}

func softmaxRows(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j, v := range logSoftmax(row) {
			row[j] = math.Exp(v)
		}
	}
	return out
}

func (h *PairClassificationHead) Config() Config {
	cfg, _ := configFromBinding(PairClassificationName, &h.Binding, h.params)
	return cfg
}

func (h *PairClassificationHead) MarshalWeights() ([]byte, error) {
	return marshalLayers(h.layers)
}

func (h *PairClassificationHead) Layers() int { return len(h.layers) }

// ExportGraph emits Concat followed by one Gemm per layer with Relu between.
func (h *PairClassificationHead) ExportGraph(g *onnx.GraphBuilder, a, b string) (string, error) {
	x := g.Node("Concat", []string{a, b}, onnx.IntAttr("axis", 1))
	for i, l := range h.layers {
		w := g.Initializer(fmt.Sprintf("%s_w%d", h.TaskName, i), onnx.FromDense(l.W))
		bias := g.Initializer(fmt.Sprintf("%s_b%d", h.TaskName, i), onnx.NewFloat([]int{len(l.B)}, append([]float64(nil), l.B...)))
		x = g.Node("Gemm", []string{x, w, bias})
		if i < len(h.layers)-1 {
			x = g.Node("Relu", []string{x})
		}
	}
	return x, nil
}

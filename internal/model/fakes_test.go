package model

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/device"
	"github.com/23skdu/longbow-biadapt/internal/head"
)

// fakeEncoder returns pooled rows filled with the sample index plus one.
type fakeEncoder struct {
	name, lang string
	dims       int
	calls      int
	toErr      error
}

func (e *fakeEncoder) Forward(_ context.Context, b *batch.Batch) (*mat.Dense, []*mat.Dense, error) {
	e.calls++
	out := mat.NewDense(b.Size(), e.dims, nil)
	for i := 0; i < b.Size(); i++ {
		for j := 0; j < e.dims; j++ {
			out.Set(i, j, float64(i+1))
		}
	}
	return out, nil, nil
}

func (e *fakeEncoder) OutputDims() int { return e.dims }
func (e *fakeEncoder) Save(string) error { return nil }
func (e *fakeEncoder) Language() string { return e.lang }
func (e *fakeEncoder) Name() string { return e.name }
func (e *fakeEncoder) To(device.Device) error { return e.toErr }

type formattingEncoder struct {
	*fakeEncoder
	formatted int
}

func (e *formattingEncoder) FormattedPreds(pooled *mat.Dense, _ *head.FormatContext) (head.Formatted, error) {
	e.formatted++
	r, _ := pooled.Dims()
	return head.FormattedList{{"encoder": e.name, "rows": r}}, nil
}

// fakeHead returns its index as logits and a fixed loss vector.
type fakeHead struct {
	head.Binding
	id       int
	loss     []float64
	forwards int
	format   head.Formatted

	lastA, lastB *mat.Dense
	gotLogits    head.Logits
	gotPreds     []head.Prediction
	gotFC        *head.FormatContext
}

func newFakeHead(id int) *fakeHead {
	return &fakeHead{
		Binding: head.Binding{TaskName: fmt.Sprintf("task%d", id)},
		id:      id,
		loss:    []float64{1, 1, 1},
	}
}

func (h *fakeHead) Forward(a, b *mat.Dense) (head.Logits, error) {
	h.forwards++
	h.lastA, h.lastB = a, b
	return h.id, nil
}

func (h *fakeHead) LogitsToLoss(_ head.Logits, _ *batch.Batch) (*mat.VecDense, error) {
	if !h.Connected() {
		return nil, head.ErrNotConnected
	}
	return mat.NewVecDense(len(h.loss), append([]float64(nil), h.loss...)), nil
}

func (h *fakeHead) LogitsToPreds(logits head.Logits, _ *batch.Batch) ([]head.Prediction, error) {
	return []head.Prediction{logits}, nil
}

func (h *fakeHead) FormattedPreds(logits head.Logits, preds []head.Prediction, fc *head.FormatContext) (head.Formatted, error) {
	h.gotLogits, h.gotPreds, h.gotFC = logits, preds, fc
	if h.format != nil {
		return h.format, nil
	}
	return head.FormattedList{{"head": h.id}}, nil
}

func (h *fakeHead) PrepareLabels(_ *batch.Batch) ([]head.Prediction, error) {
	return []head.Prediction{h.id}, nil
}

func (h *fakeHead) Config() head.Config {
	return head.Config{Name: "fake", TaskName: h.TaskName}
}

func (h *fakeHead) MarshalWeights() ([]byte, error) { return nil, nil }

type mergingHead struct {
	*fakeHead
	merges int
}

func (h *mergingHead) MergeFormattedPreds(perHead [][]head.Formatted) (head.Formatted, error) {
	h.merges++
	return head.FormattedDoc{"merged": len(perHead)}, nil
}

func fakeHeads(n int) ([]head.Head, []*fakeHead) {
	heads := make([]head.Head, n)
	fakes := make([]*fakeHead, n)
	for i := range heads {
		fakes[i] = newFakeHead(i)
		heads[i] = fakes[i]
	}
	return heads, fakes
}

func fakeEncoders() (*fakeEncoder, *fakeEncoder) {
	return &fakeEncoder{name: "query", lang: "english", dims: 4},
		&fakeEncoder{name: "passage", lang: "german", dims: 4}
}

func connectAll(t *testing.T, m *Model) {
	t.Helper()
	tasks := head.Tasks{}
	for _, h := range m.Heads() {
		tasks[h.Bound().TaskName] = head.Task{
			LabelList:       []string{"no", "yes"},
			Metric:          "acc",
			LabelTensorName: "label_ids",
		}
	}
	require.NoError(t, m.ConnectHeadsWithProcessor(tasks, true))
}

func threeSamples(t *testing.T) *batch.Batch {
	t.Helper()
	b := batch.New(3)
	require.NoError(t, b.Set("input_ids", [][]int{{1}, {2}, {3}}))
	return b
}

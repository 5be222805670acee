package client

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/head"
)

func TestEmbeddings(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	b := NewRecordBuilder(mem)

	pooled := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	rec, err := b.Embeddings([]string{"q0"}, "query", "english", pooled)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, int64(4), rec.NumCols())
	assert.Equal(t, "embedding", rec.ColumnName(3))

	ids := rec.Column(0).(*array.String)
	assert.Equal(t, "q0", ids.Value(0))
	assert.True(t, ids.IsNull(1))
	assert.Equal(t, "english", rec.Column(2).(*array.String).Value(1))

	emb := rec.Column(3).(*array.FixedSizeList)
	values := emb.ListValues().(*array.Float32)
	assert.Equal(t, 6, values.Len())
	assert.Equal(t, float32(4), values.Value(3))

	_, err = b.Embeddings(nil, "query", "english", nil)
	assert.Error(t, err)
}

func TestPredictions(t *testing.T) {
	b := NewRecordBuilder(nil)

	rec, err := b.Predictions("retrieval", head.FormattedList{
		{"query": 0, "ranking": []int{1, 0}},
		{"query": 1, "ranking": []int{0, 1}},
	})
	require.NoError(t, err)
	defer rec.Release()
	require.Equal(t, int64(2), rec.NumRows())

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.Column(2).(*array.String).Value(1)), &got))
	assert.Equal(t, []any{0.0, 1.0}, got["ranking"])
	assert.Equal(t, int64(1), rec.Column(1).(*array.Int64).Value(1))

	doc, err := b.Predictions("relevance", head.FormattedDoc{"task": "relevance", "predictions": []string{"yes"}})
	require.NoError(t, err)
	defer doc.Release()
	assert.Equal(t, int64(1), doc.NumRows())
}

func TestWriteIPC(t *testing.T) {
	b := NewRecordBuilder(nil)
	first, err := b.Embeddings([]string{"a"}, "query", "english", mat.NewDense(1, 2, []float64{1, 2}))
	require.NoError(t, err)
	defer first.Release()
	second, err := b.Embeddings([]string{"b", "c"}, "query", "english", mat.NewDense(2, 2, []float64{3, 4, 5, 6}))
	require.NoError(t, err)
	defer second.Release()

	var buf bytes.Buffer
	require.NoError(t, WriteIPC(&buf, first, second))

	r, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer r.Release()
	rows := int64(0)
	for r.Next() {
		rows += r.Record().NumRows()
	}
	require.NoError(t, r.Err())
	assert.Equal(t, int64(3), rows)

	require.NoError(t, WriteIPC(&buf))
}

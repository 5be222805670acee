// Package client turns model output into Arrow records and publishes them
// to a Flight server or an IPC stream.
package client

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/head"
)

// RecordBuilder creates Arrow records from pooled embeddings and formatted
// predictions.
type RecordBuilder struct {
	mem memory.Allocator
}

func NewRecordBuilder(mem memory.Allocator) *RecordBuilder {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &RecordBuilder{mem: mem}
}

// EmbeddingSchema describes embedding records of width dims.
func EmbeddingSchema(dims int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "encoder", Type: arrow.BinaryTypes.String},
		{Name: "language", Type: arrow.BinaryTypes.String},
		{Name: "embedding", Type: arrow.FixedSizeListOf(int32(dims), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// Embeddings converts one pooled output into a record with one row per
// sample. ids may be shorter than the batch; missing ids are null.
func (b *RecordBuilder) Embeddings(ids []string, encoderName, language string, pooled *mat.Dense) (arrow.RecordBatch, error) {
	if pooled == nil {
		return nil, fmt.Errorf("no embeddings for encoder %s", encoderName)
	}
	rows, dims := pooled.Dims()
	schema := EmbeddingSchema(dims)

	idB := array.NewStringBuilder(b.mem)
	defer idB.Release()
	encB := array.NewStringBuilder(b.mem)
	defer encB.Release()
	langB := array.NewStringBuilder(b.mem)
	defer langB.Release()
	embB := array.NewFixedSizeListBuilder(b.mem, int32(dims), arrow.PrimitiveTypes.Float32)
	defer embB.Release()
	valB := embB.ValueBuilder().(*array.Float32Builder)

	row := make([]float32, dims)
	for i := 0; i < rows; i++ {
		if i < len(ids) {
			idB.Append(ids[i])
		} else {
			idB.AppendNull()
		}
		encB.Append(encoderName)
		langB.Append(language)
		embB.Append(true)
		for j, v := range pooled.RawRowView(i) {
			row[j] = float32(v)
		}
		valB.AppendValues(row, nil)
	}
	return newRecord(schema, int64(rows), idB, encB, langB, embB), nil
}

// newRecord finishes every builder into a column of a new record.
func newRecord(schema *arrow.Schema, rows int64, builders ...array.Builder) arrow.RecordBatch {
	cols := make([]arrow.Array, len(builders))
	for i, bld := range builders {
		cols[i] = bld.NewArray()
	}
	rec := array.NewRecordBatch(schema, cols, rows)
	for _, c := range cols {
		c.Release()
	}
	return rec
}

// PredictionSchema describes prediction records. Each row carries one
// formatted record serialised as JSON.
var PredictionSchema = arrow.NewSchema([]arrow.Field{
	{Name: "task", Type: arrow.BinaryTypes.String},
	{Name: "index", Type: arrow.PrimitiveTypes.Int64},
	{Name: "prediction", Type: arrow.BinaryTypes.String},
}, nil)

// Predictions converts formatted predictions into a record. A document
// counts as one row.
func (b *RecordBuilder) Predictions(task string, f head.Formatted) (arrow.RecordBatch, error) {
	var items []map[string]any
	switch v := f.(type) {
	case head.FormattedList:
		items = v
	case head.FormattedDoc:
		items = []map[string]any{v}
	default:
		return nil, fmt.Errorf("unsupported formatted prediction %T", f)
	}

	taskB := array.NewStringBuilder(b.mem)
	defer taskB.Release()
	idxB := array.NewInt64Builder(b.mem)
	defer idxB.Release()
	predB := array.NewStringBuilder(b.mem)
	defer predB.Release()
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode prediction %d: %w", i, err)
		}
		taskB.Append(task)
		idxB.Append(int64(i))
		predB.Append(string(data))
	}
	return newRecord(PredictionSchema, int64(len(items)), taskB, idxB, predB), nil
}

// WriteIPC writes records sharing one schema as an Arrow IPC stream.
func WriteIPC(w io.Writer, recs ...arrow.RecordBatch) error {
	if len(recs) == 0 {
		return nil
	}
	iw := ipc.NewWriter(w, ipc.WithSchema(recs[0].Schema()))
	for _, rec := range recs {
		if err := iw.Write(rec); err != nil {
			_ = iw.Close()
			return fmt.Errorf("write ipc record: %w", err)
		}
	}
	return iw.Close()
}

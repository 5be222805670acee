package batch

import (
	"fmt"
	"sort"
)

// Batch holds named integer feature fields. Every field has one row per sample.
// Token id fields are padded to a common width by the caller; label fields
// usually carry a single column.
type Batch struct {
	size   int
	fields map[string][][]int
}

// New creates an empty batch for size samples.
func New(size int) *Batch {
	return &Batch{
		size:   size,
		fields: make(map[string][][]int),
	}
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.size
}

// Set stores a field. The number of rows must equal the batch size.
func (b *Batch) Set(name string, rows [][]int) error {
	if len(rows) != b.size {
		return fmt.Errorf("field %q has %d rows, batch size is %d", name, len(rows), b.size)
	}
	b.fields[name] = rows
	return nil
}

// Field returns a field by name.
func (b *Batch) Field(name string) ([][]int, bool) {
	rows, ok := b.fields[name]
	return rows, ok
}

// Column returns the first column of a field, the usual shape of a label field.
func (b *Batch) Column(name string) ([]int, error) {
	rows, ok := b.fields[name]
	if !ok {
		return nil, fmt.Errorf("batch has no field %q", name)
	}
	col := make([]int, len(rows))
	for i, r := range rows {
		if len(r) == 0 {
			return nil, fmt.Errorf("field %q row %d is empty", name, i)
		}
		col[i] = r[0]
	}
	return col, nil
}

// Names returns the field names in sorted order.
func (b *Batch) Names() []string {
	names := make([]string, 0, len(b.fields))
	for n := range b.fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Pad right-pads variable length id sequences with padID up to the longest one.
func Pad(seqs [][]int, padID int) [][]int {
	width := 0
	for _, s := range seqs {
		if len(s) > width {
			width = len(s)
		}
	}
	out := make([][]int, len(seqs))
	for i, s := range seqs {
		row := make([]int, width)
		copy(row, s)
		for j := len(s); j < width; j++ {
			row[j] = padID
		}
		out[i] = row
	}
	return out
}

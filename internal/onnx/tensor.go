package onnx

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a dense row-major tensor. Float tensors keep their values in
// Float, int64 tensors in Int. Float values are computed in float64 and
// stored as float32 on disk.
type Tensor struct {
	Type  int32
	Shape []int
	Float []float64
	Int   []int64
}

// NewFloat wraps data as a float tensor of the given shape.
func NewFloat(shape []int, data []float64) *Tensor {
	return &Tensor{Type: TypeFloat, Shape: append([]int(nil), shape...), Float: data}
}

// NewInt64 wraps data as an int64 tensor of the given shape.
func NewInt64(shape []int, data []int64) *Tensor {
	return &Tensor{Type: TypeInt64, Shape: append([]int(nil), shape...), Int: data}
}

// FromDense copies a matrix into a rank 2 float tensor.
func FromDense(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, m.At(i, j))
		}
	}
	return NewFloat([]int{r, c}, data)
}

// FromVector copies a vector into a rank 1 float tensor.
func FromVector(v mat.Vector) *Tensor {
	data := make([]float64, v.Len())
	for i := range data {
		data[i] = v.AtVec(i)
	}
	return NewFloat([]int{len(data)}, data)
}

// FromIDs converts integer id rows into a rank 2 int64 tensor. All rows must
// have the same width.
func FromIDs(rows [][]int) (*Tensor, error) {
	width := 0
	if len(rows) > 0 {
		width = len(rows[0])
	}
	data := make([]int64, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("row %d has %d ids, expected %d", i, len(r), width)
		}
		for _, id := range r {
			data = append(data, int64(id))
		}
	}
	return NewInt64([]int{len(rows), width}, data), nil
}

// Dense returns a rank 2 float tensor as a matrix.
func (t *Tensor) Dense() (*mat.Dense, error) {
	if t.Type != TypeFloat || len(t.Shape) != 2 {
		return nil, fmt.Errorf("expected rank 2 float tensor, got type %d shape %v", t.Type, t.Shape)
	}
	if t.Shape[0] == 0 || t.Shape[1] == 0 {
		return nil, fmt.Errorf("empty tensor with shape %v", t.Shape)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], append([]float64(nil), t.Float...)), nil
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return numel(t.Shape)
}

func (t *Tensor) rank() int {
	return len(t.Shape)
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// normAxis resolves a possibly negative axis against rank.
func normAxis(axis int64, rank int) (int, error) {
	a := int(axis)
	if a < 0 {
		a += rank
	}
	if a < 0 || a >= rank {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return a, nil
}

// Proto encodes the tensor as a named initializer. Float data is written as
// little-endian float32 raw data.
func (t *Tensor) Proto(name string) TensorProto {
	tp := TensorProto{Name: name, DataType: t.Type}
	for _, d := range t.Shape {
		tp.Dims = append(tp.Dims, int64(d))
	}
	switch t.Type {
	case TypeFloat:
		raw := make([]byte, 4*len(t.Float))
		for i, v := range t.Float {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
		}
		tp.RawData = raw
	case TypeInt64:
		raw := make([]byte, 8*len(t.Int))
		for i, v := range t.Int {
			binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
		}
		tp.RawData = raw
	}
	return tp
}

// tensorFromProto decodes an initializer from raw or typed data.
func tensorFromProto(tp *TensorProto) (*Tensor, error) {
	shape := make([]int, len(tp.Dims))
	for i, d := range tp.Dims {
		shape[i] = int(d)
	}
	n := numel(shape)

	switch tp.DataType {
	case TypeFloat:
		data := make([]float64, n)
		switch {
		case len(tp.RawData) > 0:
			if len(tp.RawData) != 4*n {
				return nil, fmt.Errorf("tensor %s: raw data has %d bytes, expected %d", tp.Name, len(tp.RawData), 4*n)
			}
			for i := range data {
				data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(tp.RawData[4*i:])))
			}
		case len(tp.FloatData) == n:
			for i, v := range tp.FloatData {
				data[i] = float64(v)
			}
		default:
			return nil, fmt.Errorf("tensor %s: has %d floats, expected %d", tp.Name, len(tp.FloatData), n)
		}
		return NewFloat(shape, data), nil
	case TypeInt64:
		data := make([]int64, n)
		switch {
		case len(tp.RawData) > 0:
			if len(tp.RawData) != 8*n {
				return nil, fmt.Errorf("tensor %s: raw data has %d bytes, expected %d", tp.Name, len(tp.RawData), 8*n)
			}
			for i := range data {
				data[i] = int64(binary.LittleEndian.Uint64(tp.RawData[8*i:]))
			}
		case len(tp.Int64Data) == n:
			copy(data, tp.Int64Data)
		default:
			return nil, fmt.Errorf("tensor %s: has %d ints, expected %d", tp.Name, len(tp.Int64Data), n)
		}
		return NewInt64(shape, data), nil
	default:
		return nil, fmt.Errorf("tensor %s: unsupported data type %d", tp.Name, tp.DataType)
	}
}

package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, opType string, in []*Tensor, attrs ...AttributeProto) *Tensor {
	t.Helper()
	fn, ok := lookupOp(opType)
	require.True(t, ok, opType)
	out, err := fn(&NodeProto{OpType: opType, Attributes: attrs}, in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func TestOps(t *testing.T) {
	t.Run("Gather", func(t *testing.T) {
		data := NewFloat([]int{3, 2}, []float64{0, 1, 10, 11, 20, 21})
		idx := NewInt64([]int{2, 2}, []int64{2, 0, 1, -1})
		out := run(t, "Gather", []*Tensor{data, idx})
		assert.Equal(t, []int{2, 2, 2}, out.Shape)
		assert.Equal(t, []float64{20, 21, 0, 1, 10, 11, 20, 21}, out.Float)
	})

	t.Run("GatherOutOfRange", func(t *testing.T) {
		fn, _ := lookupOp("Gather")
		_, err := fn(&NodeProto{OpType: "Gather"}, []*Tensor{
			NewFloat([]int{1, 1}, []float64{1}),
			NewInt64([]int{1}, []int64{4}),
		})
		require.Error(t, err)
	})

	t.Run("LayerNormalization", func(t *testing.T) {
		x := NewFloat([]int{1, 2}, []float64{1, 3})
		scale := NewFloat([]int{2}, []float64{1, 2})
		bias := NewFloat([]int{2}, []float64{0, 1})
		out := run(t, "LayerNormalization", []*Tensor{x, scale, bias}, FloatAttr("epsilon", 0))
		assert.InDeltaSlice(t, []float64{-1, 3}, out.Float, 1e-9)
	})

	t.Run("ReduceMean", func(t *testing.T) {
		x := NewFloat([]int{2, 2, 2}, []float64{1, 2, 3, 4, 5, 6, 7, 8})
		out := run(t, "ReduceMean", []*Tensor{x}, IntsAttr("axes", 1), IntAttr("keepdims", 0))
		assert.Equal(t, []int{2, 2}, out.Shape)
		assert.Equal(t, []float64{2, 3, 6, 7}, out.Float)

		kept := run(t, "ReduceMean", []*Tensor{x}, IntsAttr("axes", -1))
		assert.Equal(t, []int{2, 2, 1}, kept.Shape)
		assert.Equal(t, []float64{1.5, 3.5, 5.5, 7.5}, kept.Float)
	})

	t.Run("MatMulBatched", func(t *testing.T) {
		a := NewFloat([]int{2, 1, 2}, []float64{1, 2, 3, 4})
		b := NewFloat([]int{2, 1}, []float64{1, 1})
		out := run(t, "MatMul", []*Tensor{a, b})
		assert.Equal(t, []int{2, 1, 1}, out.Shape)
		assert.Equal(t, []float64{3, 7}, out.Float)
	})

	t.Run("AddBroadcast", func(t *testing.T) {
		a := NewFloat([]int{2, 2}, []float64{1, 2, 3, 4})
		b := NewFloat([]int{2}, []float64{10, 20})
		out := run(t, "Add", []*Tensor{b, a})
		assert.Equal(t, []float64{11, 22, 13, 24}, out.Float)
	})

	t.Run("Transpose", func(t *testing.T) {
		x := NewFloat([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
		out := run(t, "Transpose", []*Tensor{x}, IntsAttr("perm", 1, 0))
		assert.Equal(t, []int{3, 2}, out.Shape)
		assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, out.Float)
	})

	t.Run("Concat", func(t *testing.T) {
		a := NewFloat([]int{2, 1}, []float64{1, 2})
		b := NewFloat([]int{2, 2}, []float64{3, 4, 5, 6})
		out := run(t, "Concat", []*Tensor{a, b}, IntAttr("axis", 1))
		assert.Equal(t, []int{2, 3}, out.Shape)
		assert.Equal(t, []float64{1, 3, 4, 2, 5, 6}, out.Float)
	})

	t.Run("Gemm", func(t *testing.T) {
		a := NewFloat([]int{1, 2}, []float64{1, 2})
		b := NewFloat([]int{2, 2}, []float64{1, 0, 0, 1})
		c := NewFloat([]int{2}, []float64{0.5, -0.5})
		out := run(t, "Gemm", []*Tensor{a, b, c})
		assert.Equal(t, []float64{1.5, 1.5}, out.Float)

		transposed := run(t, "Gemm", []*Tensor{a, NewFloat([]int{1, 2}, []float64{3, 4})}, IntAttr("transB", 1))
		assert.Equal(t, []int{1, 1}, transposed.Shape)
		assert.Equal(t, []float64{11}, transposed.Float)
	})

	t.Run("Activations", func(t *testing.T) {
		x := NewFloat([]int{3}, []float64{-1, 0, 2})
		assert.Equal(t, []float64{0, 0, 2}, run(t, "Relu", []*Tensor{x}).Float)
		assert.InDelta(t, 0.9640275800758169, run(t, "Tanh", []*Tensor{x}).Float[2], 1e-12)
		assert.Equal(t, x.Float, run(t, "Identity", []*Tensor{x}).Float)
	})
}

func TestSupportedOps(t *testing.T) {
	assert.Contains(t, SupportedOps(), "LayerNormalization")
	assert.Contains(t, SupportedOps(), "Gemm")
}

package onnx

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-biadapt/internal/device"
)

func linearModel() *ModelProto {
	g := NewGraphBuilder("linear")
	x := g.Input("x", TypeFloat, []int64{-1, 2}, "batch")
	w := g.Initializer("w", NewFloat([]int{2, 1}, []float64{1, -1}))
	b := g.Initializer("b", NewFloat([]int{1}, []float64{0.5}))
	// Declared out of order so the session must sort them.
	y := g.Name("Add_out")
	mm := g.Name("MatMul_out")
	g.graph.Nodes = append(g.graph.Nodes,
		NodeProto{Name: "add", OpType: "Add", Inputs: []string{mm, b}, Outputs: []string{y}},
		NodeProto{Name: "matmul", OpType: "MatMul", Inputs: []string{x, w}, Outputs: []string{mm}},
	)
	g.Output(y, "y", TypeFloat, []int64{-1, 1}, "batch")
	return g.Model("test", DefaultOpset)
}

func TestSessionRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, Marshal(linearModel()), 0o644))

	s, err := NewSession(path, SessionOptions{Device: device.CPU})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, s.InputNames())
	assert.Equal(t, []string{"y"}, s.OutputNames())
	assert.Equal(t, int64(DefaultOpset), s.OpsetVersion())

	out, err := s.Run(context.Background(), map[string]*Tensor{
		"x": NewFloat([]int{2, 2}, []float64{3, 1, 0, 2}),
	})
	require.NoError(t, err)
	require.Contains(t, out, "y")
	assert.Equal(t, []int{2, 1}, out["y"].Shape)
	assert.InDeltaSlice(t, []float64{2.5, -1.5}, out["y"].Float, 1e-6)

	var m dto.Metric
	require.NoError(t, sessionRuns.WithLabelValues("ok").Write(&m))
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
}

func TestSessionErrors(t *testing.T) {
	t.Run("Accelerator", func(t *testing.T) {
		_, err := NewSessionFromModel(linearModel(), SessionOptions{Device: device.Device{Kind: device.KindCUDA}})
		require.ErrorIs(t, err, device.ErrUnavailable)
	})

	t.Run("MissingInput", func(t *testing.T) {
		s, err := NewSessionFromModel(linearModel(), SessionOptions{})
		require.NoError(t, err)
		_, err = s.Run(context.Background(), nil)
		require.Error(t, err)
	})

	t.Run("UnsupportedOp", func(t *testing.T) {
		g := NewGraphBuilder("bad")
		x := g.Input("x", TypeFloat, []int64{1})
		g.Output(g.Node("Softmax", []string{x}), "y", TypeFloat, []int64{1})
		_, err := NewSessionFromModel(g.Model("test", DefaultOpset), SessionOptions{})
		require.Error(t, err)
	})

	t.Run("Cycle", func(t *testing.T) {
		m := &ModelProto{Graph: &GraphProto{Nodes: []NodeProto{
			{Name: "a", OpType: "Relu", Inputs: []string{"b_out"}, Outputs: []string{"a_out"}},
			{Name: "b", OpType: "Relu", Inputs: []string{"a_out"}, Outputs: []string{"b_out"}},
		}}}
		_, err := NewSessionFromModel(m, SessionOptions{})
		require.Error(t, err)
	})

	t.Run("Cancelled", func(t *testing.T) {
		s, err := NewSessionFromModel(linearModel(), SessionOptions{})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = s.Run(ctx, map[string]*Tensor{"x": NewFloat([]int{1, 2}, []float64{1, 1})})
		require.ErrorIs(t, err, context.Canceled)
	})
}

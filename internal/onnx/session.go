package onnx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-biadapt/internal/device"
)

var tracer = otel.Tracer("biadapt-onnx")

// SessionOptions configures a Session.
type SessionOptions struct {
	Device device.Device
}

// Session executes a parsed model. A session is immutable after creation
// and safe for concurrent Run calls.
type Session struct {
	model   *ModelProto
	consts  map[string]*Tensor
	nodes   []NodeProto
	inputs  []string
	outputs []string
	opset   int64
}

// NewSession parses path and prepares it for execution.
func NewSession(path string, opts SessionOptions) (*Session, error) {
	if opts.Device.IsAccelerator() {
		return nil, fmt.Errorf("%w: onnx runtime executes on cpu only, requested %s", device.ErrUnavailable, opts.Device)
	}
	m, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewSessionFromModel(m, opts)
}

// NewSessionFromModel prepares an in-memory model for execution.
func NewSessionFromModel(m *ModelProto, opts SessionOptions) (*Session, error) {
	if opts.Device.IsAccelerator() {
		return nil, fmt.Errorf("%w: onnx runtime executes on cpu only, requested %s", device.ErrUnavailable, opts.Device)
	}
	if m.Graph == nil {
		return nil, errors.New("model has no graph")
	}
	s := &Session{
		model:  m,
		consts: make(map[string]*Tensor, len(m.Graph.Initializers)),
		opset:  m.Opset(),
	}
	for i := range m.Graph.Initializers {
		init := &m.Graph.Initializers[i]
		t, err := tensorFromProto(init)
		if err != nil {
			return nil, fmt.Errorf("failed to load initializer: %w", err)
		}
		s.consts[init.Name] = t
	}
	for _, in := range m.Graph.Inputs {
		if _, isConst := s.consts[in.Name]; !isConst {
			s.inputs = append(s.inputs, in.Name)
		}
	}
	for _, out := range m.Graph.Outputs {
		s.outputs = append(s.outputs, out.Name)
	}
	for i := range m.Graph.Nodes {
		if _, ok := lookupOp(m.Graph.Nodes[i].OpType); !ok {
			return nil, fmt.Errorf("unsupported operator: %s", m.Graph.Nodes[i].OpType)
		}
	}
	nodes, err := topologicalSort(m.Graph.Nodes)
	if err != nil {
		return nil, err
	}
	s.nodes = nodes

	log.Debug().
		Int("nodes", len(s.nodes)).
		Int("initializers", len(s.consts)).
		Int64("opset", s.opset).
		Msg("ONNX session ready")
	return s, nil
}

func (s *Session) InputNames() []string { return append([]string(nil), s.inputs...) }
func (s *Session) OutputNames() []string { return append([]string(nil), s.outputs...) }
func (s *Session) OpsetVersion() int64 { return s.opset }

// Metadata returns the model's metadata properties.
func (s *Session) Metadata() map[string]string {
	md := make(map[string]string, len(s.model.MetadataProps))
	for _, e := range s.model.MetadataProps {
		md[e.Key] = e.Value
	}
	return md
}

// Run executes the graph on inputs and returns every graph output.
func (s *Session) Run(ctx context.Context, inputs map[string]*Tensor) (out map[string]*Tensor, err error) {
	ctx, span := tracer.Start(ctx, "Session.Run")
	defer span.End()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
		}
		sessionRuns.WithLabelValues(status).Inc()
	}()

	values := make(map[string]*Tensor, len(s.consts)+len(inputs)+len(s.nodes))
	for k, v := range s.consts {
		values[k] = v
	}
	for _, name := range s.inputs {
		t, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", name)
		}
		values[name] = t
	}

	for i := range s.nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := &s.nodes[i]
		args := make([]*Tensor, len(node.Inputs))
		for j, name := range node.Inputs {
			if name == "" {
				continue
			}
			t, ok := values[name]
			if !ok {
				return nil, fmt.Errorf("node %s: value %q is not defined", node.Name, name)
			}
			args[j] = t
		}

		fn, _ := lookupOp(node.OpType)
		start := time.Now()
		results, err := fn(node, args)
		nodeDuration.WithLabelValues(node.OpType).Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.Name, err)
		}
		if len(results) < len(node.Outputs) {
			return nil, fmt.Errorf("node %s: produced %d outputs, expected %d", node.Name, len(results), len(node.Outputs))
		}
		for j, name := range node.Outputs {
			values[name] = results[j]
		}
	}

	out = make(map[string]*Tensor, len(s.outputs))
	for _, name := range s.outputs {
		t, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("output %q was not produced", name)
		}
		out[name] = t
	}
	span.SetAttributes(attribute.Int("nodes", len(s.nodes)))
	return out, nil
}

// topologicalSort orders nodes so every value is produced before it is read.
func topologicalSort(nodes []NodeProto) ([]NodeProto, error) {
	producer := make(map[string]int)
	for i := range nodes {
		for _, out := range nodes[i].Outputs {
			producer[out] = i
		}
	}

	const (
		unseen = iota
		visiting
		done
	)
	state := make([]int, len(nodes))
	sorted := make([]NodeProto, 0, len(nodes))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("graph has a cycle through node %s", nodes[i].Name)
		}
		state[i] = visiting
		for _, in := range nodes[i].Inputs {
			if dep, ok := producer[in]; ok {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		state[i] = done
		sorted = append(sorted, nodes[i])
		return nil
	}
	for i := range nodes {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}

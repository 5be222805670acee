package onnx

import "fmt"

// GraphBuilder assembles a graph node by node. Every name it hands out is
// unique within the graph.
type GraphBuilder struct {
	graph GraphProto
	used  map[string]int
}

// NewGraphBuilder starts an empty graph.
func NewGraphBuilder(name string) *GraphBuilder {
	return &GraphBuilder{
		graph: GraphProto{Name: name},
		used:  make(map[string]int),
	}
}

// Name reserves a unique value name derived from prefix.
func (g *GraphBuilder) Name(prefix string) string {
	n := g.used[prefix]
	g.used[prefix] = n + 1
	if n == 0 {
		return prefix
	}
	return fmt.Sprintf("%s_%d", prefix, n)
}

// Input declares a graph input and returns its name. Negative dims are
// symbolic and take their name from params.
func (g *GraphBuilder) Input(name string, elemType int32, dims []int64, params ...string) string {
	name = g.Name(name)
	g.graph.Inputs = append(g.graph.Inputs, ValueInfoProto{
		Name:      name,
		ElemType:  elemType,
		Dims:      dims,
		DimParams: params,
	})
	return name
}

// Output declares value as a graph output. When name differs from value an
// Identity node renames it.
func (g *GraphBuilder) Output(value, name string, elemType int32, dims []int64, params ...string) {
	if name != value {
		g.graph.Nodes = append(g.graph.Nodes, NodeProto{
			Name:    g.Name("Identity"),
			OpType:  "Identity",
			Inputs:  []string{value},
			Outputs: []string{name},
		})
	}
	g.graph.Outputs = append(g.graph.Outputs, ValueInfoProto{
		Name:      name,
		ElemType:  elemType,
		Dims:      dims,
		DimParams: params,
	})
}

// Initializer stores a constant tensor and returns its name.
func (g *GraphBuilder) Initializer(prefix string, t *Tensor) string {
	name := g.Name(prefix)
	g.graph.Initializers = append(g.graph.Initializers, t.Proto(name))
	return name
}

// Node appends a single-output node and returns the output name.
func (g *GraphBuilder) Node(opType string, inputs []string, attrs ...AttributeProto) string {
	out := g.Name(opType + "_out")
	g.graph.Nodes = append(g.graph.Nodes, NodeProto{
		Name:       g.Name(opType),
		OpType:     opType,
		Inputs:     inputs,
		Outputs:    []string{out},
		Attributes: attrs,
	})
	return out
}

// Model wraps the graph into a model importing opset.
func (g *GraphBuilder) Model(producer string, opset int64) *ModelProto {
	graph := g.graph
	return &ModelProto{
		IRVersion:    IRVersion,
		ProducerName: producer,
		Graph:        &graph,
		OpsetImport:  []OperatorSetID{{Domain: "", Version: opset}},
	}
}

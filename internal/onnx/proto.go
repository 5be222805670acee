// Package onnx reads, writes and executes the subset of the ONNX format used
// by exported bi-adaptive models. It is CPU only and handles float32 and int64
// tensors.
package onnx

// Element types (TensorProto.DataType).
const (
	TypeUndefined int32 = 0
	TypeFloat     int32 = 1
	TypeInt64     int32 = 7
)

// Attribute types (AttributeProto.AttributeType).
const (
	AttrFloat  int32 = 1
	AttrInt    int32 = 2
	AttrString int32 = 3
	AttrFloats int32 = 6
	AttrInts   int32 = 7
)

// IRVersion is written into every exported model.
const IRVersion = 8

// DefaultOpset is the ai.onnx opset exported graphs target. ReduceMean still
// takes axes as an attribute at this version.
const DefaultOpset = 17

type ModelProto struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []OperatorSetID
	MetadataProps   []StringStringEntry
}

type OperatorSetID struct {
	Domain  string
	Version int64
}

type StringStringEntry struct {
	Key   string
	Value string
}

type GraphProto struct {
	Name         string
	Nodes        []NodeProto
	Initializers []TensorProto
	Inputs       []ValueInfoProto
	Outputs      []ValueInfoProto
	ValueInfo    []ValueInfoProto
}

type NodeProto struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []AttributeProto
}

type AttributeProto struct {
	Name   string
	Type   int32
	F      float32
	I      int64
	S      []byte
	Floats []float32
	Ints   []int64
}

type TensorProto struct {
	Name      string
	DataType  int32
	Dims      []int64
	FloatData []float32
	Int64Data []int64
	RawData   []byte
}

// ValueInfoProto describes a graph input or output. Only tensor types are
// supported. A negative entry in Dims is written as a symbolic dimension
// named by the matching DimParams entry.
type ValueInfoProto struct {
	Name      string
	ElemType  int32
	Dims      []int64
	DimParams []string
}

// Opset returns the ai.onnx opset version the model imports, or 0.
func (m *ModelProto) Opset() int64 {
	for _, o := range m.OpsetImport {
		if o.Domain == "" || o.Domain == "ai.onnx" {
			return o.Version
		}
	}
	return 0
}

func (n *NodeProto) attr(name string) (*AttributeProto, bool) {
	for i := range n.Attributes {
		if n.Attributes[i].Name == name {
			return &n.Attributes[i], true
		}
	}
	return nil, false
}

// AttrInt returns an integer attribute or def.
func (n *NodeProto) AttrInt(name string, def int64) int64 {
	if a, ok := n.attr(name); ok {
		return a.I
	}
	return def
}

// AttrFloat returns a float attribute or def.
func (n *NodeProto) AttrFloat(name string, def float32) float32 {
	if a, ok := n.attr(name); ok {
		return a.F
	}
	return def
}

// AttrInts returns an integer list attribute or nil.
func (n *NodeProto) AttrInts(name string) []int64 {
	if a, ok := n.attr(name); ok {
		return a.Ints
	}
	return nil
}

// IntAttr, FloatAttr and IntsAttr build node attributes.
func IntAttr(name string, v int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttrInt, I: v}
}

func FloatAttr(name string, v float32) AttributeProto {
	return AttributeProto{Name: name, Type: AttrFloat, F: v}
}

func IntsAttr(name string, v ...int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttrInts, Ints: v}
}

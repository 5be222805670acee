package onnx

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes a model in the ONNX protobuf wire format.
func Marshal(m *ModelProto) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IRVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	if m.ModelVersion != 0 {
		b = appendVarintField(b, 5, uint64(m.ModelVersion))
	}
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, marshalGraph(m.Graph))
	}
	for _, o := range m.OpsetImport {
		var ob []byte
		ob = appendStringField(ob, 1, o.Domain)
		ob = appendVarintField(ob, 2, uint64(o.Version))
		b = appendMessage(b, 8, ob)
	}
	for _, e := range m.MetadataProps {
		var eb []byte
		eb = appendStringField(eb, 1, e.Key)
		eb = appendStringField(eb, 2, e.Value)
		b = appendMessage(b, 14, eb)
	}
	return b
}

func marshalGraph(g *GraphProto) []byte {
	var b []byte
	for i := range g.Nodes {
		b = appendMessage(b, 1, marshalNode(&g.Nodes[i]))
	}
	b = appendStringField(b, 2, g.Name)
	for i := range g.Initializers {
		b = appendMessage(b, 5, marshalTensor(&g.Initializers[i]))
	}
	for i := range g.Inputs {
		b = appendMessage(b, 11, marshalValueInfo(&g.Inputs[i]))
	}
	for i := range g.Outputs {
		b = appendMessage(b, 12, marshalValueInfo(&g.Outputs[i]))
	}
	for i := range g.ValueInfo {
		b = appendMessage(b, 13, marshalValueInfo(&g.ValueInfo[i]))
	}
	return b
}

func marshalNode(n *NodeProto) []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for i := range n.Attributes {
		b = appendMessage(b, 5, marshalAttribute(&n.Attributes[i]))
	}
	b = appendStringField(b, 7, n.Domain)
	return b
}

func marshalAttribute(a *AttributeProto) []byte {
	var b []byte
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case AttrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttrInt:
		b = appendVarintField(b, 3, uint64(a.I))
	case AttrString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttrFloats:
		for _, f := range a.Floats {
			b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, math.Float32bits(f))
		}
	case AttrInts:
		for _, v := range a.Ints {
			b = appendVarintField(b, 8, uint64(v))
		}
	}
	b = appendVarintField(b, 20, uint64(a.Type))
	return b
}

func marshalTensor(t *TensorProto) []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendVarintField(b, 1, uint64(d))
	}
	b = appendVarintField(b, 2, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		var packed []byte
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessage(b, 4, packed)
	}
	if len(t.Int64Data) > 0 {
		var packed []byte
		for _, v := range t.Int64Data {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = appendMessage(b, 7, packed)
	}
	b = appendStringField(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	return b
}

func marshalValueInfo(v *ValueInfoProto) []byte {
	var shape []byte
	for i, d := range v.Dims {
		var db []byte
		if d < 0 {
			param := ""
			if i < len(v.DimParams) {
				param = v.DimParams[i]
			}
			db = appendStringField(db, 2, param)
		} else {
			db = appendVarintField(db, 1, uint64(d))
		}
		shape = appendMessage(shape, 1, db)
	}
	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, uint64(v.ElemType))
	tensorType = appendMessage(tensorType, 2, shape)

	var typ []byte
	typ = appendMessage(typ, 1, tensorType)

	var b []byte
	b = appendStringField(b, 1, v.Name)
	b = appendMessage(b, 2, typ)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ReadFile parses an ONNX model from disk.
func ReadFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return Unmarshal(data)
}

// Unmarshal decodes a model from the ONNX protobuf wire format. Unknown
// fields are skipped.
func Unmarshal(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walk(data, func(num protowire.Number, f field) error {
		var err error
		switch num {
		case 1:
			m.IRVersion = int64(f.varint)
		case 2:
			m.ProducerName = string(f.bytes)
		case 3:
			m.ProducerVersion = string(f.bytes)
		case 4:
			m.Domain = string(f.bytes)
		case 5:
			m.ModelVersion = int64(f.varint)
		case 6:
			m.DocString = string(f.bytes)
		case 7:
			m.Graph, err = unmarshalGraph(f.bytes)
		case 8:
			var o OperatorSetID
			err = walk(f.bytes, func(num protowire.Number, f field) error {
				switch num {
				case 1:
					o.Domain = string(f.bytes)
				case 2:
					o.Version = int64(f.varint)
				}
				return nil
			})
			m.OpsetImport = append(m.OpsetImport, o)
		case 14:
			var e StringStringEntry
			err = walk(f.bytes, func(num protowire.Number, f field) error {
				switch num {
				case 1:
					e.Key = string(f.bytes)
				case 2:
					e.Value = string(f.bytes)
				}
				return nil
			})
			m.MetadataProps = append(m.MetadataProps, e)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	if m.Graph == nil {
		return nil, errors.New("model has no graph")
	}
	return m, nil
}

func unmarshalGraph(data []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walk(data, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			n, err := unmarshalNode(f.bytes)
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = string(f.bytes)
		case 5:
			t, err := unmarshalTensor(f.bytes)
			if err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case 11, 12, 13:
			v, err := unmarshalValueInfo(f.bytes)
			if err != nil {
				return err
			}
			switch num {
			case 11:
				g.Inputs = append(g.Inputs, v)
			case 12:
				g.Outputs = append(g.Outputs, v)
			default:
				g.ValueInfo = append(g.ValueInfo, v)
			}
		}
		return nil
	})
	return g, err
}

func unmarshalNode(data []byte) (NodeProto, error) {
	var n NodeProto
	err := walk(data, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			n.Inputs = append(n.Inputs, string(f.bytes))
		case 2:
			n.Outputs = append(n.Outputs, string(f.bytes))
		case 3:
			n.Name = string(f.bytes)
		case 4:
			n.OpType = string(f.bytes)
		case 5:
			a, err := unmarshalAttribute(f.bytes)
			if err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		case 7:
			n.Domain = string(f.bytes)
		}
		return nil
	})
	return n, err
}

func unmarshalAttribute(data []byte) (AttributeProto, error) {
	var a AttributeProto
	err := walk(data, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			a.Name = string(f.bytes)
		case 2:
			a.F = math.Float32frombits(f.fixed32)
		case 3:
			a.I = int64(f.varint)
		case 4:
			a.S = append([]byte(nil), f.bytes...)
		case 7:
			vals, err := f.float32s()
			if err != nil {
				return err
			}
			a.Floats = append(a.Floats, vals...)
		case 8:
			vals, err := f.int64s()
			if err != nil {
				return err
			}
			a.Ints = append(a.Ints, vals...)
		case 20:
			a.Type = int32(f.varint)
		}
		return nil
	})
	return a, err
}

func unmarshalTensor(data []byte) (TensorProto, error) {
	var t TensorProto
	err := walk(data, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			vals, err := f.int64s()
			if err != nil {
				return err
			}
			t.Dims = append(t.Dims, vals...)
		case 2:
			t.DataType = int32(f.varint)
		case 4:
			vals, err := f.float32s()
			if err != nil {
				return err
			}
			t.FloatData = append(t.FloatData, vals...)
		case 7:
			vals, err := f.int64s()
			if err != nil {
				return err
			}
			t.Int64Data = append(t.Int64Data, vals...)
		case 8:
			t.Name = string(f.bytes)
		case 9:
			t.RawData = append([]byte(nil), f.bytes...)
		}
		return nil
	})
	return t, err
}

func unmarshalValueInfo(data []byte) (ValueInfoProto, error) {
	var v ValueInfoProto
	err := walk(data, func(num protowire.Number, f field) error {
		switch num {
		case 1:
			v.Name = string(f.bytes)
		case 2:
			// TypeProto.tensor_type
			return walk(f.bytes, func(num protowire.Number, f field) error {
				if num != 1 {
					return nil
				}
				return walk(f.bytes, func(num protowire.Number, f field) error {
					switch num {
					case 1:
						v.ElemType = int32(f.varint)
					case 2:
						return walk(f.bytes, func(num protowire.Number, f field) error {
							if num != 1 {
								return nil
							}
							dim, param := int64(-1), ""
							err := walk(f.bytes, func(num protowire.Number, f field) error {
								switch num {
								case 1:
									dim = int64(f.varint)
								case 2:
									param = string(f.bytes)
								}
								return nil
							})
							v.Dims = append(v.Dims, dim)
							v.DimParams = append(v.DimParams, param)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return v, err
}

// field is one decoded wire value. Only the member matching typ is set.
type field struct {
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// walk calls fn for every field in a message.
func walk(data []byte, fn func(protowire.Number, field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		f := field{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(data)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if err := fn(num, f); err != nil {
			return err
		}
	}
	return nil
}

// int64s reads a repeated int64 in either packed or unpacked encoding.
func (f field) int64s() ([]int64, error) {
	if f.typ == protowire.VarintType {
		return []int64{int64(f.varint)}, nil
	}
	var out []int64
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

// float32s reads a repeated float in either packed or unpacked encoding.
func (f field) float32s() ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(f.fixed32)}, nil
	}
	if len(f.bytes)%4 != 0 {
		return nil, fmt.Errorf("packed float field has %d bytes", len(f.bytes))
	}
	out := make([]float32, 0, len(f.bytes)/4)
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

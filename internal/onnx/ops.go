package onnx

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// OpFunc executes one node. Missing optional inputs are passed as nil.
type OpFunc func(n *NodeProto, in []*Tensor) ([]*Tensor, error)

var (
	opsMu sync.RWMutex
	ops   = map[string]OpFunc{
		"Add":                opAdd,
		"Concat":             opConcat,
		"Gather":             opGather,
		"Gemm":               opGemm,
		"Identity":           unary(func(v float64) float64 { return v }),
		"LayerNormalization": opLayerNorm,
		"MatMul":             opMatMul,
		"ReduceMean":         opReduceMean,
		"Relu":               unary(func(v float64) float64 { return math.Max(v, 0) }),
		"Tanh":               unary(math.Tanh),
		"Transpose":          opTranspose,
	}
)

// RegisterOp adds or replaces an operator implementation.
func RegisterOp(opType string, fn OpFunc) {
	opsMu.Lock()
	defer opsMu.Unlock()
	ops[opType] = fn
}

// SupportedOps lists the operator types the runtime can execute.
func SupportedOps() []string {
	opsMu.RLock()
	defer opsMu.RUnlock()
	names := make([]string, 0, len(ops))
	for n := range ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookupOp(opType string) (OpFunc, bool) {
	opsMu.RLock()
	defer opsMu.RUnlock()
	fn, ok := ops[opType]
	return fn, ok
}

func requireInputs(n *NodeProto, in []*Tensor, count int) error {
	if len(in) < count {
		return fmt.Errorf("%s: expected %d inputs, got %d", n.OpType, count, len(in))
	}
	for i := 0; i < count; i++ {
		if in[i] == nil {
			return fmt.Errorf("%s: input %d is missing", n.OpType, i)
		}
	}
	return nil
}

func requireFloat(n *NodeProto, t *Tensor) error {
	if t.Type != TypeFloat {
		return fmt.Errorf("%s: expected float input, got type %d", n.OpType, t.Type)
	}
	return nil
}

func unary(fn func(float64) float64) OpFunc {
	return func(n *NodeProto, in []*Tensor) ([]*Tensor, error) {
		if err := requireInputs(n, in, 1); err != nil {
			return nil, err
		}
		x := in[0]
		if x.Type == TypeInt64 && n.OpType == "Identity" {
			return []*Tensor{NewInt64(x.Shape, slices.Clone(x.Int))}, nil
		}
		if err := requireFloat(n, x); err != nil {
			return nil, err
		}
		out := make([]float64, len(x.Float))
		for i, v := range x.Float {
			out[i] = fn(v)
		}
		return []*Tensor{NewFloat(x.Shape, out)}, nil
	}
}

// opAdd supports equal shapes and trailing-suffix broadcasting in either
// direction, which covers bias additions.
func opAdd(n *NodeProto, in []*Tensor) ([]*Tensor, error) {
	if err := requireInputs(n, in, 2); err != nil {
		return nil, err
	}
	a, b := in[0], in[1]
	if err := requireFloat(n, a); err != nil {
		return nil, err
	}
	if err := requireFloat(n, b); err != nil {
		return nil, err
	}
	if len(b.Float) > len(a.Float) {
		a, b = b, a
	}
	if !isSuffix(b.Shape, a.Shape) {
		return nil, fmt.Errorf("Add: cannot broadcast %v with %v", in[0].Shape, in[1].Shape)
	}
	out := make([]float64, len(a.Float))
	m := len(b.Float)
	for i, v := range a.Float {
		out[i] = v + b.Float[i%m]
	}
	return []*Tensor{NewFloat(a.Shape, out)}, nil
}

// isSuffix reports whether short matches the trailing dims of long, ignoring
// leading ones in short.
func isSuffix(short, long []int) bool {
	for len(short) > 0 && short[0] == 1 && len(short) > len(long) {
		short = short[1:]
	}
	if len(short) > len(long) {
		return false
	}
	off := len(long) - len(short)
	for i, d := range short {
		if long[off+i] != d {
			return false
		}
	}
	return true
}

func opGather(n *NodeProto, in []*Tensor) ([]*Tensor, error) {
	if err := requireInputs(n, in, 2); err != nil {
		return nil, err
	}
	data, idx := in[0], in[1]
	if axis := n.AttrInt("axis", 0); axis != 0 {
		return nil, fmt.Errorf("Gather: only axis 0 is supported, got %d", axis)
	}
	if err := requireFloat(n, data); err != nil {
		return nil, err
	}
	if idx.Type != TypeInt64 {
		return nil, fmt.Errorf("Gather: indices must be int64, got type %d", idx.Type)
	}
	if data.rank() == 0 {
		return nil, fmt.Errorf("Gather: data must have rank >= 1")
	}
	rows := data.Shape[0]
	row := numel(data.Shape[1:])
	out := make([]float64, 0, len(idx.Int)*row)
	for _, i := range idx.Int {
		if i < 0 {
			i += int64(rows)
		}
		if i < 0 || i >= int64(rows) {
			return nil, fmt.Errorf("Gather: index %d out of range [0, %d)", i, rows)
		}
		out = append(out, data.Float[int(i)*row:(int(i)+1)*row]...)
	}
	shape := append(slices.Clone(idx.Shape), data.Shape[1:]...)
	return []*Tensor{NewFloat(shape, out)}, nil
}

func opLayerNorm(n *NodeProto, in []*Tensor) ([]*Tensor, error) {
	if err := requireInputs(n, in, 2); err != nil {
		return nil, err
	}
	x, scale := in[0], in[1]
	var bias *Tensor
	if len(in) > 2 {
		bias = in[2]
	}
	if err := requireFloat(n, x); err != nil {
		return nil, err
	}
	axis, err := normAxis(n.AttrInt("axis", -1), x.rank())
	if err != nil {
		return nil, fmt.Errorf("LayerNormalization: %w", err)
	}
	eps := float64(n.AttrFloat("epsilon", 1e-5))
	inner := numel(x.Shape[axis:])
	if len(scale.Float) != inner || (bias != nil && len(bias.Float) != inner) {
		return nil, fmt.Errorf("LayerNormalization: scale/bias size does not match %v", x.Shape[axis:])
	}

	out := make([]float64, len(x.Float))
	for start := 0; start < len(x.Float); start += inner {
		seg := x.Float[start : start+inner]
		var mean float64
		for _, v := range seg {
			mean += v
		}
		mean /= float64(inner)
		var variance float64
		for _, v := range seg {
			d := v - mean
			variance += d * d
		}
		variance /= float64(inner)
		inv := 1 / math.Sqrt(variance+eps)
		for j, v := range seg {
			y := (v - mean) * inv * scale.Float[j]
			if bias != nil {
				y += bias.Float[j]
			}
			out[start+j] = y
		}
	}
	return []*Tensor{NewFloat(x.Shape, out)}, nil
}

func opMatMul(n *NodeProto, in []*Tensor) ([]*Tensor, error) {
	if err := requireInputs(n, in, 2); err != nil {
		return nil, err
	}
	a, b := in[0], in[1]
	if err := requireFloat(n, a); err != nil {
		return nil, err
	}
	if err := requireFloat(n, b); err != nil {
		return nil, err
	}
	if a.rank() < 2 || b.rank() != 2 || a.Size() == 0 || b.Size() == 0 {
		return nil, fmt.Errorf("MatMul: unsupported shapes %v x %v", a.Shape, b.Shape)
	}
	k := a.Shape[a.rank()-1]
	if k != b.Shape[0] {
		return nil, fmt.Errorf("MatMul: inner dims differ: %v x %v", a.Shape, b.Shape)
	}
	m := len(a.Float) / k
	am := mat.NewDense(m, k, a.Float)
	bm := mat.NewDense(k, b.Shape[1], b.Float)
	var c mat.Dense
	c.Mul(am, bm)

	shape := append(slices.Clone(a.Shape[:a.rank()-1]), b.Shape[1])
	return []*Tensor{NewFloat(shape, c.RawMatrix().Data)}, nil
}

func opGemm(n *NodeProto, in []*Tensor) ([]*Tensor, error) {
	if err := requireInputs(n, in, 2); err != nil {
		return nil, err
	}
	a, b := in[0], in[1]
	if err := requireFloat(n, a); err != nil {
		return nil, err
	}
	if err := requireFloat(n, b); err != nil {
		return nil, err
	}
	if a.rank() != 2 || b.rank() != 2 || a.Size() == 0 || b.Size() == 0 {
		return nil, fmt.Errorf("Gemm: inputs must be non-empty rank 2, got %v and %v", a.Shape, b.Shape)
	}
	var am, bm mat.Matrix = mat.NewDense(a.Shape[0], a.Shape[1], a.Float), mat.NewDense(b.Shape[0], b.Shape[1], b.Float)
	if n.AttrInt("transA", 0) != 0 {
		am = am.T()
	}
	if n.AttrInt("transB", 0) != 0 {
		bm = bm.T()
	}
	ar, ac := am.Dims()
	br, bc := bm.Dims()
	if ac != br {
		return nil, fmt.Errorf("Gemm: inner dims differ: %dx%d x %dx%d", ar, ac, br, bc)
	}
	var y mat.Dense
	y.Mul(am, bm)
	if alpha := float64(n.AttrFloat("alpha", 1)); alpha != 1 {
		y.Scale(alpha, &y)
	}

	if len(in) > 2 && in[2] != nil {
		c := in[2]
		beta := float64(n.AttrFloat("beta", 1))
		at, err := broadcast2D(c, ar, bc)
		if err != nil {
			return nil, fmt.Errorf("Gemm: %w", err)
		}
		for i := 0; i < ar; i++ {
			for j := 0; j < bc; j++ {
				y.Set(i, j, y.At(i, j)+beta*at(i, j))
			}
		}
	}
	return []*Tensor{NewFloat([]int{ar, bc}, y.RawMatrix().Data)}, nil
}

// broadcast2D returns an accessor reading c as an m x n matrix.
func broadcast2D(c *Tensor, m, n int) (func(i, j int) float64, error) {
	switch {
	case c.Size() == 1:
		return func(int, int) float64 { return c.Float[0] }, nil
	case c.rank() == 1 && c.Shape[0] == n, c.rank() == 2 && c.Shape[0] == 1 && c.Shape[1] == n:
		return func(_, j int) float64 { return c.Float[j] }, nil
	case c.rank() == 2 && c.Shape[0] == m && c.Shape[1] == 1:
		return func(i, _ int) float64 { return c.Float[i] }, nil
	case c.rank() == 2 && c.Shape[0] == m && c.Shape[1] == n:
		return func(i, j int) float64 { return c.Float[i*n+j] }, nil
	}
	return nil, fmt.Errorf("cannot broadcast %v to [%d %d]", c.Shape, m, n)
}

func opReduceMean(n *NodeProto, in []*Tensor) ([]*Tensor, error) {
	if err := requireInputs(n, in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	if err := requireFloat(n, x); err != nil {
		return nil, err
	}
	reduced := make([]bool, x.rank())
	axes := n.AttrInts("axes")
	if len(axes) == 0 {
		for i := range reduced {
			reduced[i] = true
		}
	}
	for _, ax := range axes {
		a, err := normAxis(ax, x.rank())
		if err != nil {
			return nil, fmt.Errorf("ReduceMean: %w", err)
		}
		reduced[a] = true
	}

	kept := make([]int, x.rank())
	count := 1
	for i, d := range x.Shape {
		if reduced[i] {
			kept[i] = 1
			count *= d
		} else {
			kept[i] = d
		}
	}
	inStrides, outStrides := strides(x.Shape), strides(kept)
	out := make([]float64, numel(kept))
	for li, v := range x.Float {
		oi := 0
		for d := range x.Shape {
			if !reduced[d] {
				oi += (li / inStrides[d] % x.Shape[d]) * outStrides[d]
			}
		}
		out[oi] += v
	}
	for i := range out {
		out[i] /= float64(count)
	}

	shape := kept
	if n.AttrInt("keepdims", 1) == 0 {
		shape = shape[:0:0]
		for i, d := range kept {
			if !reduced[i] {
				shape = append(shape, d)
			}
		}
	}
	return []*Tensor{NewFloat(shape, out)}, nil
}

func opTranspose(n *NodeProto, in []*Tensor) ([]*Tensor, error) {
	if err := requireInputs(n, in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	if err := requireFloat(n, x); err != nil {
		return nil, err
	}
	r := x.rank()
	perm := n.AttrInts("perm")
	if perm == nil {
		for i := r - 1; i >= 0; i-- {
			perm = append(perm, int64(i))
		}
	}
	if len(perm) != r {
		return nil, fmt.Errorf("Transpose: perm %v does not match rank %d", perm, r)
	}
	shape := make([]int, r)
	for i, p := range perm {
		if p < 0 || p >= int64(r) {
			return nil, fmt.Errorf("Transpose: invalid perm %v", perm)
		}
		shape[i] = x.Shape[p]
	}
	inStrides, outStrides := strides(x.Shape), strides(shape)
	out := make([]float64, len(x.Float))
	for oi := range out {
		src := 0
		for d := 0; d < r; d++ {
			src += (oi / outStrides[d] % shape[d]) * inStrides[perm[d]]
		}
		out[oi] = x.Float[src]
	}
	return []*Tensor{NewFloat(shape, out)}, nil
}

func opConcat(n *NodeProto, in []*Tensor) ([]*Tensor, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("Concat: no inputs")
	}
	first := in[0]
	axis, err := normAxis(n.AttrInt("axis", 0), first.rank())
	if err != nil {
		return nil, fmt.Errorf("Concat: %w", err)
	}
	shape := slices.Clone(first.Shape)
	shape[axis] = 0
	for i, t := range in {
		if t == nil || t.Type != TypeFloat || t.rank() != first.rank() {
			return nil, fmt.Errorf("Concat: input %d is not a float tensor of rank %d", i, first.rank())
		}
		for d := range t.Shape {
			if d != axis && t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("Concat: input %d shape %v does not match %v", i, t.Shape, first.Shape)
			}
		}
		shape[axis] += t.Shape[axis]
	}

	outer := numel(first.Shape[:axis])
	out := make([]float64, 0, numel(shape))
	for o := 0; o < outer; o++ {
		for _, t := range in {
			inner := numel(t.Shape[axis:])
			out = append(out, t.Float[o*inner:(o+1)*inner]...)
		}
	}
	return []*Tensor{NewFloat(shape, out)}, nil
}

package head

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// dense is a fully connected layer computing x·W + b.
type dense struct {
	W *mat.Dense
	B []float64
}

func newDense(in, out int, rng *rand.Rand) dense {
	return dense{W: xavier(in, out, rng), B: make([]float64, out)}
}

// xavier fills an r x c matrix with Glorot uniform values.
func xavier(r, c int, rng *rand.Rand) *mat.Dense {
	limit := math.Sqrt(6.0 / float64(r+c))
	data := make([]float64, r*c)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(r, c, data)
}

func (l dense) forward(x mat.Matrix) (*mat.Dense, error) {
	_, xc := x.Dims()
	wr, _ := l.W.Dims()
	if xc != wr {
		return nil, fmt.Errorf("layer expects %d input features, got %d", wr, xc)
	}
	var y mat.Dense
	y.Mul(x, l.W)
	rows, _ := y.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(y.RawRowView(i), l.B)
	}
	return &y, nil
}

// layerWeights is the serialized form of a dense layer.
type layerWeights struct {
	Rows int       `cbor:"rows"`
	Cols int       `cbor:"cols"`
	W    []float64 `cbor:"w"`
	B    []float64 `cbor:"b"`
}

func marshalLayers(layers []dense) ([]byte, error) {
	out := make([]layerWeights, len(layers))
	for i, l := range layers {
		r, c := l.W.Dims()
		out[i] = layerWeights{Rows: r, Cols: c, W: mat.DenseCopyOf(l.W).RawMatrix().Data, B: l.B}
	}
	return cbor.Marshal(out)
}

func unmarshalLayers(data []byte) ([]dense, error) {
	var in []layerWeights
	if err := cbor.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode layer weights: %w", err)
	}
	layers := make([]dense, len(in))
	for i, lw := range in {
		if lw.Rows <= 0 || lw.Cols <= 0 || len(lw.W) != lw.Rows*lw.Cols || len(lw.B) != lw.Cols {
			return nil, fmt.Errorf("layer %d: inconsistent weights for %dx%d", i, lw.Rows, lw.Cols)
		}
		layers[i] = dense{W: mat.NewDense(lw.Rows, lw.Cols, lw.W), B: lw.B}
	}
	return layers, nil
}

// logSoftmax returns the log softmax of row.
func logSoftmax(row []float64) []float64 {
	out := make([]float64, len(row))
	lse := floats.LogSumExp(row)
	for i, v := range row {
		out[i] = v - lse
	}
	return out
}

func relu(m *mat.Dense) {
	m.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, m)
}

// asDense unwraps logits produced by a head in this package.
func asDense(logits Logits) (*mat.Dense, error) {
	m, ok := logits.(*mat.Dense)
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: expected *mat.Dense logits, got %T", ErrLogitsType, logits)
	}
	return m, nil
}

package encoder

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// bufferPool recycles the seq x hidden scratch matrices used while pooling.
type bufferPool struct {
	seqHidden sync.Pool
}

var buffers = &bufferPool{}

// getSeqHidden returns a zeroed rows x cols matrix.
func (p *bufferPool) getSeqHidden(rows, cols int) *mat.Dense {
	if v := p.seqHidden.Get(); v != nil {
		raw := *(v.(*[]float64))
		if cap(raw) >= rows*cols {
			raw = raw[:rows*cols]
			clear(raw)
			return mat.NewDense(rows, cols, raw)
		}
	}
	return mat.NewDense(rows, cols, nil)
}

// putSeqHidden returns a matrix's backing store to the pool. m must not be
// used afterwards.
func (p *bufferPool) putSeqHidden(m *mat.Dense) {
	if m == nil {
		return
	}
	raw := m.RawMatrix().Data
	p.seqHidden.Put(&raw)
}

package model

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// dropout zeroes each element with probability p during training and scales
// the survivors by 1/(1-p). It is the identity in eval mode.
type dropout struct {
	p        float64
	training bool
	rng      *rand.Rand
}

func newDropout(p float64, seed uint64) *dropout {
	return &dropout{p: p, rng: rand.New(rand.NewPCG(seed, seed^0xda942042e4dd58b5))}
}

// apply returns x unchanged when inactive, otherwise a new masked matrix.
func (d *dropout) apply(x *mat.Dense) *mat.Dense {
	if !d.training || d.p == 0 {
		return x
	}
	scale := 1 / (1 - d.p)
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		if d.rng.Float64() < d.p {
			return 0
		}
		return v * scale
	}, x)
	return &out
}

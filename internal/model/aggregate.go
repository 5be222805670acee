package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/batch"
)

// LossAggregator combines the per-sample losses of every head into one
// per-sample loss. step and b are optional and may be nil.
type LossAggregator func(losses []*mat.VecDense, step *int, b *batch.Batch) (*mat.VecDense, error)

// SumLosses adds the head losses element-wise.
func SumLosses(losses []*mat.VecDense, _ *int, _ *batch.Batch) (*mat.VecDense, error) {
	if len(losses) == 0 {
		return nil, fmt.Errorf("%w: no losses to aggregate", ErrInvalidConfig)
	}
	n := losses[0].Len()
	sum := mat.NewVecDense(n, nil)
	for i, l := range losses {
		if l.Len() != n {
			return nil, fmt.Errorf("loss %d has %d samples, expected %d", i, l.Len(), n)
		}
		sum.AddVec(sum, l)
	}
	return sum, nil
}

// RoundRobin returns an aggregator that trains one head per step, cycling
// through the heads in order. Without a step it falls back to SumLosses.
func RoundRobin() LossAggregator {
	return func(losses []*mat.VecDense, step *int, b *batch.Batch) (*mat.VecDense, error) {
		if step == nil || len(losses) == 0 {
			return SumLosses(losses, step, b)
		}
		i := *step % len(losses)
		if i < 0 {
			i += len(losses)
		}
		out := mat.NewVecDense(losses[i].Len(), nil)
		out.CopyVec(losses[i])
		return out, nil
	}
}

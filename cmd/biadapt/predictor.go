package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/client"
	"github.com/23skdu/longbow-biadapt/internal/head"
	"github.com/23skdu/longbow-biadapt/internal/model"
)

// Publisher sends records to a dataset on a remote server.
type Publisher interface {
	Publish(ctx context.Context, dataset string, recs ...arrow.RecordBatch) error
	Close() error
}

// predictor runs pairs through a backend and formats the result. Forward
// passes of a trainable backend are serialized; frozen backends run
// concurrently.
type predictor struct {
	backend model.Backend
	enc     *pairEncoder
	rb      *client.RecordBuilder
	mu      sync.Mutex
}

func newPredictor(b model.Backend, enc *pairEncoder) (*predictor, error) {
	if b.Mode() == model.ModeEmbedding {
		return nil, errors.New("model has no prediction heads")
	}
	return &predictor{backend: b, enc: enc, rb: client.NewRecordBuilder(nil)}, nil
}

func (p *predictor) forward(ctx context.Context, b *batch.Batch) (*model.Output, error) {
	if p.backend.Kind() == model.KindTrainable {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	return p.backend.Forward(ctx, b)
}

// predict returns the formatted predictions of every head for pairs.
func (p *predictor) predict(ctx context.Context, pairs []pair) ([]taskOutput, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	b, err := p.enc.encode(pairs, p.backend.Heads(), false)
	if err != nil {
		return nil, err
	}
	out, err := p.forward(ctx, b)
	if err != nil {
		return nil, err
	}
	preds, err := p.backend.LogitsToPreds(out.Logits, b)
	if err != nil {
		return nil, err
	}
	bs := baskets(pairs)
	f, err := p.backend.FormattedPreds(out, &head.FormatContext{
		Preds:   [][][]head.Prediction{preds},
		Baskets: bs,
		Samples: batch.FlattenSamples(bs),
		Batch:   b,
	})
	if err != nil {
		return nil, err
	}
	return taskOutputs(f, p.backend.Heads()), nil
}

// records converts task outputs into prediction records. The caller releases
// them.
func (p *predictor) records(outs []taskOutput) ([]arrow.RecordBatch, error) {
	recs := make([]arrow.RecordBatch, 0, len(outs))
	for _, o := range outs {
		rec, err := p.rb.Predictions(o.Task, o.Predictions)
		if err != nil {
			releaseAll(recs)
			return nil, fmt.Errorf("task %s: %w", o.Task, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func releaseAll(recs []arrow.RecordBatch) {
	for _, r := range recs {
		r.Release()
	}
}

// Package eval scores a model backend on labelled batches.
package eval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/head"
	"github.com/23skdu/longbow-biadapt/internal/model"
)

var tracer = otel.Tracer("biadapt-eval")

// ErrNoHeads is returned when the backend has no prediction heads to score.
var ErrNoHeads = errors.New("backend has no prediction heads")

// Config configures an Evaluator.
type Config struct {
	// Workers bounds the batches run at once. Trainable backends always run
	// one batch at a time.
	Workers int
	// Metrics overrides the metric of every head. Empty uses each head's
	// bound metric.
	Metrics []string
}

func DefaultConfig() Config {
	return Config{Workers: 4}
}

// Result is the score of one head on one metric.
type Result struct {
	Task    string  `json:"task"`
	Metric  string  `json:"metric"`
	Value   float64 `json:"value"`
	Samples int     `json:"samples"`
}

// Report holds every result of one evaluation, in head order.
type Report struct {
	Results  []Result      `json:"results"`
	Duration time.Duration `json:"duration"`
}

// Find returns the result of task on metric.
func (r Report) Find(task, metric string) (Result, bool) {
	for _, res := range r.Results {
		if res.Task == task && res.Metric == metric {
			return res, true
		}
	}
	return Result{}, false
}

// Evaluator runs a backend over a fixed set of labelled batches.
type Evaluator struct {
	backend model.Backend
	batches []*batch.Batch
	cfg     Config
}

// New creates an Evaluator. Heads must be connected before Eval is called.
func New(backend model.Backend, batches []*batch.Batch, cfg Config) *Evaluator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if backend.Kind() == model.KindTrainable {
		cfg.Workers = 1
	}
	return &Evaluator{backend: backend, batches: batches, cfg: cfg}
}

type batchResult struct {
	preds  [][]head.Prediction
	labels [][]head.Prediction
}

// Eval predicts every batch, then scores the concatenated predictions of
// each head. Batch order is preserved regardless of the worker count.
func (e *Evaluator) Eval(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "Evaluator.Eval")
	defer span.End()
	start := time.Now()

	heads := e.backend.Heads()
	if len(heads) == 0 {
		return Report{}, ErrNoHeads
	}
	span.SetAttributes(attribute.Int("batches", len(e.batches)), attribute.Int("workers", e.cfg.Workers))

	results := make([]batchResult, len(e.batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, b := range e.batches {
		g.Go(func() error {
			out, err := e.backend.Forward(gctx, b)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			preds, err := e.backend.LogitsToPreds(out.Logits, b)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			labels, err := e.backend.PrepareLabels(b)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			results[i] = batchResult{preds: preds, labels: labels}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return Report{}, err
	}

	var report Report
	for h, hd := range heads {
		var preds, labels []head.Prediction
		for _, r := range results {
			preds = append(preds, r.preds[h]...)
			labels = append(labels, r.labels[h]...)
		}
		names := e.cfg.Metrics
		if len(names) == 0 {
			names = []string{hd.Bound().Metric}
		}
		task := hd.Bound().TaskName
		for _, name := range names {
			fn, ok := lookupMetric(name)
			if !ok {
				return Report{}, fmt.Errorf("task %s: unknown metric %q", task, name)
			}
			v, err := fn(preds, labels)
			if err != nil {
				return Report{}, fmt.Errorf("task %s metric %s: %w", task, name, err)
			}
			evalScore.WithLabelValues(task, name).Set(v)
			report.Results = append(report.Results, Result{Task: task, Metric: name, Value: v, Samples: len(preds)})
			log.Info().Str("task", task).Str("metric", name).Float64("value", v).Msg("Evaluated")
		}
	}
	report.Duration = time.Since(start)
	evalDuration.Observe(report.Duration.Seconds())
	return report, nil
}

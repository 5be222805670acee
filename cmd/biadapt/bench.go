package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/eval"
	"github.com/23skdu/longbow-biadapt/internal/model"
)

// goldValues maps task to metric to the expected score.
type goldValues map[string]map[string]float64

func loadGold(path string) (goldValues, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g goldValues
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse gold values %s: %w", path, err)
	}
	return g, nil
}

// compare returns one error per gold value missing from the report or
// further than tolerance from it.
func (g goldValues) compare(r eval.Report, tolerance float64) error {
	var errs []error
	for task, metrics := range g {
		for metric, want := range metrics {
			res, ok := r.Find(task, metric)
			if !ok {
				errs = append(errs, fmt.Errorf("%s/%s: not evaluated", task, metric))
				continue
			}
			if diff := math.Abs(res.Value - want); diff > tolerance {
				errs = append(errs, fmt.Errorf("%s/%s: got %.6f, want %.6f (diff %.6f > %.6f)", task, metric, res.Value, want, diff, tolerance))
			}
		}
	}
	return errors.Join(errs...)
}

// runEval scores the model on labelled pairs, writes the report as JSON to w
// and checks it against the gold values, if any.
func runEval(ctx context.Context, cfg config, w io.Writer) error {
	dev, err := cfg.device()
	if err != nil {
		return err
	}
	b, err := model.Load(ctx, cfg.ModelDir, dev)
	if err != nil {
		return err
	}
	tok, err := loadTokenizer(cfg.VocabPath, cfg.ModelDir)
	if err != nil {
		return err
	}
	enc, err := newPairEncoder(tok, b, cfg.MaxLen)
	if err != nil {
		return err
	}
	pairs, err := loadPairs(cfg.Input)
	if err != nil {
		return err
	}
	gold, err := loadGold(cfg.Gold)
	if err != nil {
		return err
	}

	var batches []*batch.Batch
	for _, chunk := range chunkPairs(pairs, cfg.BatchSize) {
		bt, err := enc.encode(chunk, b.Heads(), true)
		if err != nil {
			return err
		}
		batches = append(batches, bt)
	}

	ec := eval.DefaultConfig()
	if cfg.Workers > 0 {
		ec.Workers = cfg.Workers
	}
	ec.Metrics = splitList(cfg.Metrics)
	report, err := eval.New(b, batches, ec).Eval(ctx)
	if err != nil {
		return err
	}

	je := json.NewEncoder(w)
	je.SetIndent("", "  ")
	if err := je.Encode(report); err != nil {
		return err
	}
	if err := gold.compare(report, cfg.Tolerance); err != nil {
		log.Error().Err(err).Msg("Benchmark differs from gold values")
		return err
	}
	log.Info().Int("results", len(report.Results)).Dur("elapsed", report.Duration).Msg("Benchmark passed")
	return nil
}

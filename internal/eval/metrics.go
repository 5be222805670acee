package eval

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-biadapt/internal/head"
)

var (
	evalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "biadapt_eval_duration_seconds",
		Help:    "Time spent evaluating a dataset",
		Buckets: prometheus.DefBuckets,
	})

	evalScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "biadapt_eval_score",
		Help: "Last evaluation score by task and metric",
	}, []string{"task", "metric"})
)

// Metric scores predictions against labels. Both slices have one entry per
// sample.
type Metric func(preds, labels []head.Prediction) (float64, error)

var (
	metricsMu sync.RWMutex
	metrics   = map[string]Metric{
		"acc":            Accuracy,
		"top_n_accuracy": TopNAccuracy(DefaultTopN),
		"mean_rank":      MeanRank,
	}
)

// DefaultTopN is the cut-off of the registered top_n_accuracy metric.
const DefaultTopN = 3

// RegisterMetric makes fn available under name, replacing any earlier entry.
func RegisterMetric(name string, fn Metric) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	metrics[name] = fn
}

// Metrics returns the names of all registered metrics.
func Metrics() []string {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	names := make([]string, 0, len(metrics))
	for n := range metrics {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookupMetric(name string) (Metric, bool) {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	fn, ok := metrics[name]
	return fn, ok
}

func checkLen(preds, labels []head.Prediction) error {
	if len(preds) != len(labels) {
		return fmt.Errorf("%d predictions for %d labels", len(preds), len(labels))
	}
	if len(preds) == 0 {
		return errors.New("no predictions")
	}
	return nil
}

// top returns the best guess of a prediction: the first entry of a ranking
// or the prediction itself.
func top(p head.Prediction) head.Prediction {
	if r, ok := p.([]int); ok {
		if len(r) == 0 {
			return nil
		}
		return r[0]
	}
	return p
}

// Accuracy is the share of samples whose best guess equals the label.
func Accuracy(preds, labels []head.Prediction) (float64, error) {
	if err := checkLen(preds, labels); err != nil {
		return 0, err
	}
	hits := make([]float64, len(preds))
	for i := range preds {
		if reflect.DeepEqual(top(preds[i]), labels[i]) {
			hits[i] = 1
		}
	}
	return stat.Mean(hits, nil), nil
}

// rankOf returns the 1-based position of label in a ranking prediction.
func rankOf(p head.Prediction, label head.Prediction) (int, error) {
	r, ok := p.([]int)
	if !ok {
		return 0, fmt.Errorf("prediction %T is not a ranking", p)
	}
	want, ok := label.(int)
	if !ok {
		return 0, fmt.Errorf("label %T is not an index", label)
	}
	for i, v := range r {
		if v == want {
			return i + 1, nil
		}
	}
	return len(r) + 1, nil
}

// TopNAccuracy returns a metric counting a sample as correct when its label
// is among the first n entries of the ranking.
func TopNAccuracy(n int) Metric {
	return func(preds, labels []head.Prediction) (float64, error) {
		if err := checkLen(preds, labels); err != nil {
			return 0, err
		}
		hits := make([]float64, len(preds))
		for i := range preds {
			rank, err := rankOf(preds[i], labels[i])
			if err != nil {
				return 0, err
			}
			if rank <= n {
				hits[i] = 1
			}
		}
		return stat.Mean(hits, nil), nil
	}
}

// MeanRank is the average 1-based rank of the label. Lower is better.
func MeanRank(preds, labels []head.Prediction) (float64, error) {
	if err := checkLen(preds, labels); err != nil {
		return 0, err
	}
	ranks := make([]float64, len(preds))
	for i := range preds {
		rank, err := rankOf(preds[i], labels[i])
		if err != nil {
			return 0, err
		}
		ranks[i] = float64(rank)
	}
	return stat.Mean(ranks, nil), nil
}

package onnx

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "biadapt_onnx_node_duration_seconds",
		Help:    "Time spent executing graph nodes by operator type",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
	}, []string{"op"})

	sessionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biadapt_onnx_session_runs_total",
		Help: "Total number of session runs",
	}, []string{"status"})
)

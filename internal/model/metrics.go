package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "biadapt_forward_duration_seconds",
		Help:    "Time spent in a composition forward pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	forwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biadapt_forwards_total",
		Help: "Total number of forward passes by backend and head-count mode",
	}, []string{"backend", "mode"})

	headLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "biadapt_head_loss",
		Help: "Mean per-sample loss of the last batch by task",
	}, []string{"task"})

	exportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biadapt_exports_total",
		Help: "Total number of frozen exports by status",
	}, []string{"status"})
)

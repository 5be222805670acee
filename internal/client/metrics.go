package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "biadapt_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"name"})

	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biadapt_flight_publish_total",
		Help: "Total number of Flight publish calls by status",
	}, []string{"status"})

	publishedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biadapt_flight_published_rows_total",
		Help: "Total number of rows written to Flight",
	})
)

package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deviceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "biadapt_device_requests_total",
	Help: "Device bindings requested, by device kind and whether the device was available",
}, []string{"kind", "available"})

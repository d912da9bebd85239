package httpapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beepboop",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by operation and outcome.",
	}, []string{"op", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "beepboop",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency, by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

func observe(op, outcome string, d time.Duration) {
	requestsTotal.WithLabelValues(op, outcome).Inc()
	requestDuration.WithLabelValues(op).Observe(d.Seconds())
}

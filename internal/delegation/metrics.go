package delegation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "beepboop",
		Subsystem: "delegation",
		Name:      "inflight_requests",
		Help:      "Delegated HTTP calls currently in flight.",
	})
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beepboop",
		Subsystem: "delegation",
		Name:      "requests_total",
		Help:      "Delegated HTTP calls by route and outcome.",
	}, []string{"route", "outcome"})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "beepboop",
		Subsystem: "delegation",
		Name:      "request_duration_seconds",
		Help:      "Delegated HTTP call latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

func observe(route, outcome string, d time.Duration) {
	requestsTotal.WithLabelValues(route, outcome).Inc()
	requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

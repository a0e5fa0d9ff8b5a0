package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the dispatcher metrics and registers them with reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querygate_requests_total",
			Help: "Gateway calls by protocol and outcome code.",
		}, []string{"protocol", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "querygate_request_duration_seconds",
			Help:    "End-to-end gateway call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

func (m *Metrics) observe(protocol string, res Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	if protocol == "" {
		protocol = "unknown"
	}
	outcome := "ok"
	if res.Error != nil {
		outcome = res.Error.Code
	}
	m.requests.WithLabelValues(protocol, outcome).Inc()
	m.duration.WithLabelValues(protocol).Observe(elapsed.Seconds())
}

package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	passes        *prometheus.CounterVec
	passDuration  prometheus.Histogram
	opDuration    *prometheus.HistogramVec
	attempts      *prometheus.CounterVec
	retryDelays   *prometheus.CounterVec
	resetRequests prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcyd",
			Name:      "passes_total",
			Help:      "Completed scheduling passes by outcome.",
		}, []string{"status"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arcyd",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a full pass, including the sleep operation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arcyd",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of a single operation run.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
		}, []string{"operation"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcyd",
			Name:      "operation_attempts_total",
			Help:      "Invocations of retry-wrapped actions.",
		}, []string{"operation"}),
		retryDelays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcyd",
			Name:      "retry_delays_total",
			Help:      "Retry delays consumed after a failed attempt.",
		}, []string{"operation"}),
		resetRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arcyd",
			Name:      "reset_requests_total",
			Help:      "Cycles restarted because of the reset file.",
		}),
	}
	reg.MustRegister(m.passes, m.passDuration, m.opDuration, m.attempts, m.retryDelays, m.resetRequests)
	return m
}

func (m *Metrics) pass(status PassStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(status.String()).Inc()
	m.passDuration.Observe(d.Seconds())
}

func (m *Metrics) operation(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.opDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) attempt(name string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(name).Inc()
}

func (m *Metrics) delayed(name string) {
	if m == nil {
		return
	}
	m.retryDelays.WithLabelValues(name).Inc()
}

func (m *Metrics) reset() {
	if m == nil {
		return
	}
	m.resetRequests.Inc()
}

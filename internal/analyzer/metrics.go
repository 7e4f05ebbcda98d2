package analyzer

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments analyzer attempts.
type Metrics struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton analyzer metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bp",
				Subsystem: "analyzer",
				Name:      "attempts_total",
				Help:      "Analyzer calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bp",
				Subsystem: "analyzer",
				Name:      "attempt_duration_seconds",
				Help:      "Latency of individual analyzer calls",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
			},
			[]string{"provider"},
		),
	}

	prometheus.MustRegister(m.attempts, m.attemptDuration)
	return m
}

// RecordAttempt counts one provider call.
func (m *Metrics) RecordAttempt(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(provider, outcome).Inc()
	m.attemptDuration.WithLabelValues(provider).Observe(d.Seconds())
}

package scan

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcourtman/badpractice-agent/internal/models"
)

// Metrics instruments scan sessions.
type Metrics struct {
	sessions        *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	filesAnalyzed   *prometheus.CounterVec
	filesSkipped    *prometheus.CounterVec
	newFindings     *prometheus.CounterVec
	resolved        prometheus.Counter
	notifications   *prometheus.CounterVec
	openIssues      prometheus.Gauge
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton scan metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bp",
				Subsystem: "scan",
				Name:      "sessions_total",
				Help:      "Scan sessions by mode and terminal status",
			},
			[]string{"mode", "status"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bp",
				Subsystem: "scan",
				Name:      "session_duration_seconds",
				Help:      "Wall time of scan sessions",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),
		filesAnalyzed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bp",
				Subsystem: "scan",
				Name:      "files_analyzed_total",
				Help:      "Files analyzed successfully",
			},
			[]string{"mode"},
		),
		filesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bp",
				Subsystem: "scan",
				Name:      "files_skipped_total",
				Help:      "Files whose analysis failed after retries",
			},
			[]string{"mode"},
		),
		newFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bp",
				Subsystem: "scan",
				Name:      "new_findings_total",
				Help:      "Findings the ledger reported as new",
			},
			[]string{"mode"},
		),
		resolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "bp",
				Subsystem: "scan",
				Name:      "issues_resolved_total",
				Help:      "Ledger records flipped to resolved",
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bp",
				Subsystem: "scan",
				Name:      "notifications_total",
				Help:      "Report deliveries by transport and outcome",
			},
			[]string{"transport", "outcome"},
		),
		openIssues: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bp",
				Subsystem: "ledger",
				Name:      "open_issues",
				Help:      "Open records in the issue ledger after the last session",
			},
		),
	}

	prometheus.MustRegister(
		m.sessions,
		m.sessionDuration,
		m.filesAnalyzed,
		m.filesSkipped,
		m.newFindings,
		m.resolved,
		m.notifications,
		m.openIssues,
	)
	return m
}

// RecordSession counts a finished session.
func (m *Metrics) RecordSession(s *models.Session, analyzed int) {
	if m == nil || s == nil {
		return
	}
	mode := string(s.Mode)
	m.sessions.WithLabelValues(mode, string(s.Status)).Inc()
	m.sessionDuration.WithLabelValues(mode).Observe(s.Duration().Seconds())
	m.filesAnalyzed.WithLabelValues(mode).Add(float64(analyzed))
	m.filesSkipped.WithLabelValues(mode).Add(float64(s.Skipped))
	m.newFindings.WithLabelValues(mode).Add(float64(len(s.NewFindings)))
	m.resolved.Add(float64(s.Resolved))
}

// RecordNotification counts one Send call.
func (m *Metrics) RecordNotification(transport string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(transport, outcome).Inc()
}

// SetOpenIssues publishes the ledger's open record count.
func (m *Metrics) SetOpenIssues(n int) {
	if m == nil {
		return
	}
	m.openIssues.Set(float64(n))
}

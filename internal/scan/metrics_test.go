package scan

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/badpractice-agent/internal/models"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestMetricsRecordSession(t *testing.T) {
	m := GetMetrics()
	require.Same(t, m, GetMetrics())

	sessions := m.sessions.WithLabelValues("incremental", "completed")
	analyzed := m.filesAnalyzed.WithLabelValues("incremental")
	skipped := m.filesSkipped.WithLabelValues("incremental")
	found := m.newFindings.WithLabelValues("incremental")
	before := []float64{
		counterValue(t, sessions),
		counterValue(t, analyzed),
		counterValue(t, skipped),
		counterValue(t, found),
		counterValue(t, m.resolved),
	}

	start := time.Now()
	m.RecordSession(&models.Session{
		Mode:        models.ScanModeIncremental,
		Status:      models.SessionCompleted,
		NewFindings: []models.Finding{{Path: "Dockerfile"}, {Path: "Dockerfile"}},
		Skipped:     1,
		Resolved:    3,
		StartedAt:   start,
		EndedAt:     start.Add(2 * time.Second),
	}, 4)

	assert.Equal(t, before[0]+1, counterValue(t, sessions))
	assert.Equal(t, before[1]+4, counterValue(t, analyzed))
	assert.Equal(t, before[2]+1, counterValue(t, skipped))
	assert.Equal(t, before[3]+2, counterValue(t, found))
	assert.Equal(t, before[4]+3, counterValue(t, m.resolved))
}

func TestMetricsNotificationsAndGauge(t *testing.T) {
	m := GetMetrics()
	sent := m.notifications.WithLabelValues("test", "sent")
	failed := m.notifications.WithLabelValues("test", "failed")
	sentBefore, failedBefore := counterValue(t, sent), counterValue(t, failed)

	m.RecordNotification("test", nil)
	m.RecordNotification("test", errors.New("smtp down"))
	m.RecordNotification("test", errors.New("smtp down"))
	assert.Equal(t, sentBefore+1, counterValue(t, sent))
	assert.Equal(t, failedBefore+2, counterValue(t, failed))

	m.SetOpenIssues(7)
	assert.Equal(t, float64(7), gaugeValue(t, m.openIssues))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSession(&models.Session{}, 1)
		m.RecordNotification("log", nil)
		m.SetOpenIssues(1)
	})
}

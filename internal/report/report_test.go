package report

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/badpractice-agent/internal/models"
)

func fixedNow(t *testing.T) {
	t.Helper()
	prev := nowFn
	nowFn = func() time.Time { return time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC) }
	t.Cleanup(func() { nowFn = prev })
}

func sampleFindings() []models.Finding {
	return []models.Finding{
		{Path: "Dockerfile", Description: "Base image uses the latest tag", Suggestion: "Pin the image version", Severity: "high"},
		{Path: "k8s/deploy.yaml", Description: "No resource limits set", Suggestion: "Add limits", Severity: "medium"},
		{Path: "Dockerfile", Description: "Container runs as root", Severity: "low"},
	}
}

func TestComposeFullKeepsOrder(t *testing.T) {
	fixedNow(t)
	r := ComposeFull(sampleFindings(), 0)

	assert.Equal(t, models.ScanModeFull, r.Mode)
	assert.NotEmpty(t, r.ID)
	require.Len(t, r.Items, 3)
	assert.Equal(t, "Base image uses the latest tag", r.Items[0].Description)
	assert.Equal(t, "No resource limits set", r.Items[1].Description)
	assert.Equal(t, "Container runs as root", r.Items[2].Description)
	assert.Equal(t, []string{"Dockerfile", "k8s/deploy.yaml"}, r.Files())
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "[BadPractice Agent] Repository audit — all clear", ComposeFull(nil, 0).Subject())
	assert.Equal(t, "[BadPractice Agent] Repository audit — 3 issue(s) noted", ComposeFull(sampleFindings(), 0).Subject())

	inc := ComposeIncremental("Dockerfile", sampleFindings()[:1])
	assert.Equal(t, "[BadPractice Agent] Update flagged — 1 issue(s) in Dockerfile", inc.Subject())

	inc.Trigger = models.ChangeCreated
	assert.Equal(t, "[BadPractice Agent] New file flagged — 1 issue(s) in Dockerfile", inc.Subject())
}

func TestTextBody(t *testing.T) {
	r := ComposeFull(sampleFindings(), 2)
	text := r.Text()

	assert.True(t, strings.HasPrefix(text, Separator+"\n"))
	assert.True(t, strings.HasSuffix(text, Separator))
	assert.Contains(t, text, "3 issue(s) across 2 file(s)")
	assert.Contains(t, text, "2 file(s) could not be analyzed and were skipped.")
	assert.Contains(t, text, "\nDockerfile\n  - [high] Base image uses the latest tag\n    Fix: Pin the image version\n  - [low] Container runs as root\n")
	assert.Contains(t, text, "\nk8s/deploy.yaml\n  - [medium] No resource limits set\n")

	clear := ComposeFull(nil, 0).Text()
	assert.Contains(t, clear, "all clear")
	assert.NotContains(t, clear, "skipped")
}

func TestRenderEscapesHTML(t *testing.T) {
	fixedNow(t)
	r := ComposeIncremental("Jenkinsfile", []models.Finding{{
		Path:        "Jenkinsfile",
		Description: "Credential echoed: <script>alert(1)</script>",
		Severity:    "critical",
	}})

	subject, htmlBody, textBody, err := r.Render()
	require.NoError(t, err)
	assert.Equal(t, r.Subject(), subject)
	assert.NotContains(t, htmlBody, "<script>")
	assert.Contains(t, htmlBody, "&lt;script&gt;")
	assert.Contains(t, htmlBody, "#e74c3c")
	assert.Contains(t, htmlBody, r.ID)
	assert.Contains(t, textBody, "<script>")
}

func TestRenderAllClearHTML(t *testing.T) {
	_, htmlBody, _, err := ComposeFull(nil, 0).Render()
	require.NoError(t, err)
	assert.Contains(t, htmlBody, "No new issues found.")
}

func TestWritePDF(t *testing.T) {
	fixedNow(t)
	var buf bytes.Buffer
	require.NoError(t, WritePDF(&buf, ComposeFull(sampleFindings(), 1)))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))

	buf.Reset()
	require.NoError(t, WritePDF(&buf, ComposeFull(nil, 0)))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))
}

func TestWriteCSV(t *testing.T) {
	fixedNow(t)
	r := ComposeFull(sampleFindings(), 0)
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, r))

	reader := csv.NewReader(strings.NewReader(buf.String()))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	require.NoError(t, err)

	var data [][]string
	for i, row := range rows {
		if row[0] == "File" {
			data = rows[i+1:]
			break
		}
	}
	require.Len(t, data, 3)
	assert.Equal(t, []string{"Dockerfile", "high", "Base image uses the latest tag", "Pin the image version"}, data[0])
	assert.Equal(t, "k8s/deploy.yaml", data[1][0])
	assert.Contains(t, buf.String(), "# Generated:,2026-03-04T10:30:00Z")
}

// Package report composes the notification a scan session sends: an audit
// of the whole repository or the new findings for one changed file.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/rcourtman/badpractice-agent/internal/models"
	"github.com/rcourtman/badpractice-agent/internal/utils"
)

const subjectPrefix = "[BadPractice Agent]"

// Separator frames the plain-text body.
var Separator = strings.Repeat("—", 72)

var nowFn = func() time.Time { return time.Now().UTC() }

// Item is one reported finding.
type Item struct {
	File        string `json:"file"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
	Severity    string `json:"severity"`
}

// Report is the content of a single notification.
type Report struct {
	ID   string          `json:"id"`
	Mode models.ScanMode `json:"mode"`
	// Path and Trigger are set for incremental reports.
	Path        string            `json:"path,omitempty"`
	Trigger     models.ChangeKind `json:"trigger,omitempty"`
	Items       []Item            `json:"items"`
	Skipped     int               `json:"skipped,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// ComposeFull builds the repository audit from the session's new findings,
// in the order given. It is sent even when there are no items.
func ComposeFull(findings []models.Finding, skipped int) Report {
	return Report{
		ID:          utils.GenerateID("report"),
		Mode:        models.ScanModeFull,
		Items:       items(findings),
		Skipped:     skipped,
		GeneratedAt: nowFn(),
	}
}

// ComposeIncremental builds the report for one changed file.
func ComposeIncremental(path string, findings []models.Finding) Report {
	return Report{
		ID:          utils.GenerateID("report"),
		Mode:        models.ScanModeIncremental,
		Path:        path,
		Trigger:     models.ChangeModified,
		Items:       items(findings),
		GeneratedAt: nowFn(),
	}
}

func items(findings []models.Finding) []Item {
	out := make([]Item, 0, len(findings))
	for _, f := range findings {
		out = append(out, Item{
			File:        f.Path,
			Description: f.Description,
			Suggestion:  f.Suggestion,
			Severity:    f.Severity,
		})
	}
	return out
}

// Files returns the distinct files in first-appearance order.
func (r Report) Files() []string {
	seen := make(map[string]bool)
	var files []string
	for _, it := range r.Items {
		if !seen[it.File] {
			seen[it.File] = true
			files = append(files, it.File)
		}
	}
	return files
}

// Subject is the e-mail subject line.
func (r Report) Subject() string {
	n := len(r.Items)
	if r.Mode == models.ScanModeFull {
		if n == 0 {
			return subjectPrefix + " Repository audit — all clear"
		}
		return fmt.Sprintf("%s Repository audit — %d issue(s) noted", subjectPrefix, n)
	}
	if r.Trigger == models.ChangeCreated {
		return fmt.Sprintf("%s New file flagged — %d issue(s) in %s", subjectPrefix, n, r.Path)
	}
	return fmt.Sprintf("%s Update flagged — %d issue(s) in %s", subjectPrefix, n, r.Path)
}

type fileGroup struct {
	File  string
	Items []Item
}

func (r Report) groups() []fileGroup {
	index := make(map[string]int)
	var groups []fileGroup
	for _, it := range r.Items {
		i, ok := index[it.File]
		if !ok {
			i = len(groups)
			index[it.File] = i
			groups = append(groups, fileGroup{File: it.File})
		}
		groups[i].Items = append(groups[i].Items, it)
	}
	return groups
}

func (r Report) summary() string {
	switch {
	case r.Mode == models.ScanModeFull && len(r.Items) == 0:
		return "Initial repository audit: all clear, no issues found."
	case r.Mode == models.ScanModeFull:
		return fmt.Sprintf("Initial repository audit: %d issue(s) across %d file(s).", len(r.Items), len(r.Files()))
	case r.Trigger == models.ChangeCreated:
		return fmt.Sprintf("%s was just created and has %d new issue(s).", r.Path, len(r.Items))
	default:
		return fmt.Sprintf("%s was modified and has %d new issue(s).", r.Path, len(r.Items))
	}
}

func (r Report) skippedNote() string {
	if r.Skipped == 0 {
		return ""
	}
	return fmt.Sprintf("%d file(s) could not be analyzed and were skipped.", r.Skipped)
}

// Text renders the plain-text body framed by Separator.
func (r Report) Text() string {
	var b strings.Builder
	b.WriteString(Separator)
	b.WriteString("\n")
	b.WriteString(r.summary())
	b.WriteString("\n")
	if note := r.skippedNote(); note != "" {
		b.WriteString(note)
		b.WriteString("\n")
	}
	for _, g := range r.groups() {
		fmt.Fprintf(&b, "\n%s\n", g.File)
		for _, it := range g.Items {
			sev := it.Severity
			if sev == "" {
				sev = "medium"
			}
			fmt.Fprintf(&b, "  - [%s] %s\n", sev, it.Description)
			if it.Suggestion != "" {
				fmt.Fprintf(&b, "    Fix: %s\n", it.Suggestion)
			}
		}
	}
	b.WriteString(Separator)
	return b.String()
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"severityColor": severityColor,
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="font-family: -apple-system, Segoe UI, Helvetica, Arial, sans-serif; color: #2c3e50; background: #f8f9fa; margin: 0; padding: 20px;">
<div style="max-width: 720px; margin: 0 auto; background: #fff; border-radius: 8px; overflow: hidden;">
<div style="background: #1e3a5f; color: #fff; padding: 16px 24px;">
<h1 style="margin: 0; font-size: 18px;">BadPractice Agent</h1>
<p style="margin: 4px 0 0; font-size: 13px; opacity: .8;">{{.Summary}}</p>
</div>
<div style="padding: 16px 24px;">
{{- if .Skipped}}
<p style="color: #7f8c8d; font-size: 13px;">{{.Skipped}}</p>
{{- end}}
{{- range .Groups}}
<h2 style="font-size: 15px; margin: 20px 0 8px; font-family: monospace;">{{.File}}</h2>
<table style="width: 100%; border-collapse: collapse; font-size: 13px;">
{{- range .Items}}
<tr>
<td style="width: 70px; padding: 6px; vertical-align: top; color: {{severityColor .Severity}}; font-weight: bold;">{{.Severity}}</td>
<td style="padding: 6px; border-bottom: 1px solid #eee;">{{.Description}}{{if .Suggestion}}<br><span style="color: #27ae60;">Fix: {{.Suggestion}}</span>{{end}}</td>
</tr>
{{- end}}
</table>
{{- else}}
<p>No new issues found.</p>
{{- end}}
</div>
<div style="padding: 12px 24px; font-size: 11px; color: #7f8c8d; border-top: 1px solid #eee;">Report {{.ID}} generated {{.Generated}}</div>
</div>
</body>
</html>
`))

func severityColor(sev string) string {
	switch sev {
	case "critical", "high":
		return "#e74c3c"
	case "low":
		return "#3498db"
	default:
		return "#f39c12"
	}
}

// HTML renders the HTML body.
func (r Report) HTML() (string, error) {
	var buf bytes.Buffer
	err := htmlTemplate.Execute(&buf, struct {
		Subject   string
		Summary   string
		Skipped   string
		Groups    []fileGroup
		ID        string
		Generated string
	}{
		Subject:   r.Subject(),
		Summary:   r.summary(),
		Skipped:   r.skippedNote(),
		Groups:    r.groups(),
		ID:        r.ID,
		Generated: r.GeneratedAt.Format(time.RFC1123),
	})
	if err != nil {
		return "", fmt.Errorf("render report html: %w", err)
	}
	return buf.String(), nil
}

// Render returns the subject, HTML body and text body of the notification.
func (r Report) Render() (subject, htmlBody, textBody string, err error) {
	htmlBody, err = r.HTML()
	if err != nil {
		return "", "", "", err
	}
	return r.Subject(), htmlBody, r.Text(), nil
}

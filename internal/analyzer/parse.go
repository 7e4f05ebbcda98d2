package analyzer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/badpractice-agent/internal/fingerprint"
)

var errNoJSON = errors.New("response contains no JSON array")

var severities = map[string]string{
	"info":     "low",
	"low":      "low",
	"minor":    "low",
	"medium":   "medium",
	"moderate": "medium",
	"warning":  "medium",
	"high":     "high",
	"major":    "high",
	"critical": "critical",
}

// ParseSuggestions decodes a model response. It accepts a bare JSON array, an
// array inside a markdown code fence, or an object wrapping the array under
// "issues" or "findings". "All clear" style replies with no JSON mean no issues.
func ParseSuggestions(text string) ([]Suggestion, error) {
	body := stripFence(strings.TrimSpace(text))
	if body == "" {
		return nil, nil
	}

	var raw []Suggestion
	switch {
	case strings.HasPrefix(body, "{"):
		var wrapped struct {
			Issues   []Suggestion `json:"issues"`
			Findings []Suggestion `json:"findings"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
			return nil, fmt.Errorf("decode analyzer response: %w", err)
		}
		raw = append(wrapped.Issues, wrapped.Findings...)
	default:
		start := strings.Index(body, "[")
		end := strings.LastIndex(body, "]")
		if start < 0 || end < start {
			if looksAllClear(body) {
				return nil, nil
			}
			return nil, errNoJSON
		}
		if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
			return nil, fmt.Errorf("decode analyzer response: %w", err)
		}
	}

	out := make([]Suggestion, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, s := range raw {
		s.Description = strings.TrimSpace(s.Description)
		s.Suggestion = strings.TrimSpace(s.Suggestion)
		if s.Description == "" {
			continue
		}
		key := fingerprint.NormalizeDescription(s.Description)
		if seen[key] {
			continue
		}
		seen[key] = true
		s.Severity = normalizeSeverity(s.Severity)
		out = append(out, s)
	}
	return out, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

func looksAllClear(s string) bool {
	l := strings.ToLower(s)
	return strings.Contains(l, "all clear") || strings.Contains(l, "no issues")
}

func normalizeSeverity(s string) string {
	if v, ok := severities[strings.ToLower(strings.TrimSpace(s))]; ok {
		return v
	}
	return "medium"
}

package analyzer

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const truncatedMarker = "\n...[truncated]..."

const systemPrompt = `You are a senior DevOps reviewer. Review the single file you are given for bad practices.
Scope: Docker, Docker Compose, Kubernetes, Argo CD, Terraform, Jenkins, MongoDB, CI/CD.

Respond with a JSON array and nothing else. Each element is an object with:
  "description": one sentence naming the problem,
  "suggestion": the concrete fix,
  "severity": one of "low", "medium", "high", "critical".

Describe a given problem with the same wording every time you see it. Do not mention line
numbers, do not number the items, and report each problem once.
If the file has no problems, respond with [].`

func buildPrompt(req Request, maxChars int) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n", req.Category)
	if hints := strings.TrimSpace(req.Hints); hints != "" {
		b.WriteString("\nRepository context (stable hints):\n")
		b.WriteString(hints)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nFile to review:\n### FILE: %s\n```\n%s\n```\n", req.Path, truncate(string(req.Content), maxChars))
	return systemPrompt, b.String()
}

// truncate cuts s to at most maxChars bytes on a rune boundary and marks the cut.
func truncate(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}

package classifier

import (
	"path/filepath"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// Scope filters paths before classification: excluded directories (build
// output, VCS metadata, the agent's own state) and editor scratch files.
//
// Patterns without '*' or '?' compare literally. The others use go-wildcard
// syntax, where '*' matches any run, '?' zero or one character and '.' any
// single character. Patterns containing '/' match the slash-separated path
// relative to the root; the rest match a single name.
type Scope struct {
	excludeDirs    []string
	ignorePatterns []string
}

// NewScope builds a Scope. Patterns are matched case-insensitively.
func NewScope(excludeDirs, ignorePatterns []string) *Scope {
	return &Scope{
		excludeDirs:    normalizePatterns(excludeDirs),
		ignorePatterns: normalizePatterns(ignorePatterns),
	}
}

func normalizePatterns(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.Trim(strings.ToLower(filepath.ToSlash(strings.TrimSpace(p))), "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SkipDir reports whether the directory at rel (relative to the root) should
// not be walked or watched.
func (s *Scope) SkipDir(rel string) bool {
	if s == nil {
		return false
	}
	rel = strings.ToLower(filepath.ToSlash(rel))
	if rel == "." || rel == "" {
		return false
	}
	name := rel[strings.LastIndex(rel, "/")+1:]
	return matchAny(s.excludeDirs, name, rel)
}

// IgnoreFile reports whether a file name is editor scratch or otherwise ignored.
func (s *Scope) IgnoreFile(rel string) bool {
	if s == nil {
		return false
	}
	rel = strings.ToLower(filepath.ToSlash(rel))
	name := rel[strings.LastIndex(rel, "/")+1:]
	return matchAny(s.ignorePatterns, name, rel)
}

// Excluded reports whether rel lies under an excluded directory or is an
// ignored file name.
func (s *Scope) Excluded(rel string) bool {
	if s == nil {
		return false
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || strings.HasPrefix(rel, "../") {
		return rel != "."
	}
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if s.SkipDir(strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return s.IgnoreFile(rel)
}

func matchAny(patterns []string, name, rel string) bool {
	for _, p := range patterns {
		target := name
		if strings.Contains(p, "/") {
			target = rel
		}
		if p == target {
			return true
		}
		// Plain names compare exactly so ".git" does not also match "xgit".
		if strings.ContainsAny(p, "*?") && wildcard.Match(p, target) {
			return true
		}
	}
	return false
}

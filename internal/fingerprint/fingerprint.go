// Package fingerprint derives the stable identifiers the issue ledger
// deduplicates on.
//
// A fingerprint covers the file path, the normalized finding description and
// a content epoch. The same issue in unchanged code always maps to the same
// fingerprint. When the file's content materially changes, the epoch moves
// and a regressed issue is reported again.
package fingerprint

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/zeebo/xxh3"
)

// Mode selects how file content contributes to the fingerprint.
type Mode string

const (
	// ModeContent mixes a hash of the comment- and whitespace-insensitive
	// file content into every fingerprint.
	ModeContent Mode = "content"
	// ModeNone fingerprints on path and description only.
	ModeNone Mode = "none"
)

// Fingerprinter computes fingerprints under one epoch mode.
type Fingerprinter struct {
	mode Mode
}

// New returns a Fingerprinter for mode ("" means content).
func New(mode string) (*Fingerprinter, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(mode))) {
	case "", ModeContent:
		return &Fingerprinter{mode: ModeContent}, nil
	case ModeNone:
		return &Fingerprinter{mode: ModeNone}, nil
	default:
		return nil, fmt.Errorf("unknown fingerprint epoch mode %q", mode)
	}
}

// Mode reports the configured epoch mode.
func (f *Fingerprinter) Mode() Mode {
	return f.mode
}

// Epoch returns the content epoch for a file body.
func (f *Fingerprinter) Epoch(content []byte) string {
	if f.mode == ModeNone {
		return ""
	}
	return ContentEpoch(content)
}

// Fingerprint computes the identifier for one finding.
func (f *Fingerprinter) Fingerprint(path, description, epoch string) string {
	return Compute(path, description, epoch)
}

// Compute hashes the normalized (path, description, epoch) triple into a
// 32 character hex string.
func Compute(path, description, epoch string) string {
	var b strings.Builder
	b.WriteString(filepath.ToSlash(filepath.Clean(path)))
	b.WriteByte(0)
	b.WriteString(NormalizeDescription(description))
	b.WriteByte(0)
	b.WriteString(epoch)

	h := xxh3.HashString128(b.String())
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// NormalizeDescription folds the variations an analyzer produces for the
// same issue: case, whitespace runs, markdown emphasis, quoting and trailing
// punctuation.
func NormalizeDescription(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '*' || r == '_' || r == '`' || r == '"' || r == '\'' ||
			r == '‘' || r == '’' || r == '“' || r == '”':
			continue
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return strings.TrimRightFunc(b.String(), func(r rune) bool {
		return r == '.' || r == '!' || r == ':' || r == ';' || r == ',' || unicode.IsSpace(r)
	})
}

// ContentEpoch hashes file content after dropping blank lines, full-line
// comments and surrounding whitespace, so reformatting or re-commenting a
// file does not change its epoch.
func ContentEpoch(content []byte) string {
	h := xxh3.New()
	for _, line := range bytes.Split(content, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || bytes.HasPrefix(line, []byte("#")) || bytes.HasPrefix(line, []byte("//")) {
			continue
		}
		_, _ = h.Write(line)
		_, _ = h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

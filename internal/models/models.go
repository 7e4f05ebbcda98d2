package models

import (
	"time"
)

// Category is the classification bucket a watched file falls into.
type Category string

const (
	CategoryTerraform      Category = "terraform"
	CategoryKubernetesYAML Category = "kubernetes-yaml"
	CategoryDocker         Category = "docker"
	CategoryJenkins        Category = "jenkins"
	CategoryJSONConfig     Category = "json-config"
	CategoryArgoCD         Category = "argocd"
	CategoryMongoConfig    Category = "mongo-config"
	CategoryIgnored        Category = "ignored"
)

// InScope reports whether files of this category are sent for analysis.
func (c Category) InScope() bool {
	return c != "" && c != CategoryIgnored
}

// WatchedFile is a path with its classification for a single evaluation.
type WatchedFile struct {
	Path     string   `json:"path"`
	Category Category `json:"category"`
	Content  []byte   `json:"-"`
}

// Finding is one reported issue for a file.
type Finding struct {
	Path        string   `json:"path"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Fingerprint string   `json:"fingerprint"`
}

// IssueStatus is the lifecycle state of a ledger record.
type IssueStatus string

const (
	IssueOpen     IssueStatus = "open"
	IssueResolved IssueStatus = "resolved"
)

// IssueRecord is a persisted finding plus its ledger history.
type IssueRecord struct {
	Finding
	Status      IssueStatus `json:"status"`
	FirstSeen   time.Time   `json:"firstSeen"`
	LastSeen    time.Time   `json:"lastSeen"`
	ResolvedAt  *time.Time  `json:"resolvedAt,omitempty"`
	TimesSeen   int         `json:"timesSeen"`
	Regressions int         `json:"regressions"`
}

// Clone returns a copy safe to hand outside a store's lock.
func (r *IssueRecord) Clone() *IssueRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// ScanMode distinguishes the one-time audit from per-file rescans.
type ScanMode string

const (
	ScanModeFull        ScanMode = "full"
	ScanModeIncremental ScanMode = "incremental"
)

// SessionStatus is the terminal state of a scan session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ChangeKind is the normalized filesystem change that triggered a scan.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Session is one orchestrator invocation.
type Session struct {
	ID          string        `json:"id"`
	Mode        ScanMode      `json:"mode"`
	Root        string        `json:"root,omitempty"`
	Trigger     ChangeKind    `json:"trigger,omitempty"`
	Files       []string      `json:"files"`
	NewFindings []Finding     `json:"newFindings"`
	Skipped     int           `json:"skipped"`
	Resolved    int           `json:"resolved"`
	Notified    bool          `json:"notified"`
	StartedAt   time.Time     `json:"startedAt"`
	EndedAt     time.Time     `json:"endedAt"`
	Status      SessionStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
}

// FileState is the content epoch a path was last analyzed at.
type FileState struct {
	Path       string    `json:"path"`
	Epoch      string    `json:"epoch"`
	AnalyzedAt time.Time `json:"analyzedAt"`
}

// Duration returns the wall time the session took.
func (s *Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

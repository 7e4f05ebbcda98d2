// Package ledger records every finding the agent has reported, keyed by
// fingerprint. It is the single source of truth for "already reported":
// a finding is new only when its fingerprint has no open record.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/badpractice-agent/internal/config"
	bperrors "github.com/rcourtman/badpractice-agent/internal/errors"
	"github.com/rcourtman/badpractice-agent/internal/models"
)

// UpsertResult reports what an Upsert did to the record.
type UpsertResult struct {
	// IsNew is true when the finding was absent or resolved and is now open.
	IsNew bool
	// Regression is true when a resolved record was reopened.
	Regression bool
	Record     *models.IssueRecord
}

// Store is the issue ledger contract. Every mutation is atomic at the storage
// layer; callers never hold a read-then-write gap.
type Store interface {
	// Lookup returns the record for fingerprint, or nil when absent.
	Lookup(ctx context.Context, fingerprint string) (*models.IssueRecord, error)
	// Upsert inserts an open record, bumps last-seen on an open one, or
	// reopens a resolved one.
	Upsert(ctx context.Context, f models.Finding) (UpsertResult, error)
	// ResolveAllForPath resolves every open record for path.
	ResolveAllForPath(ctx context.Context, path string) (int, error)
	// ResolveStale resolves open records for path whose fingerprint is not in keep.
	ResolveStale(ctx context.Context, path string, keep []string) (int, error)
	// ListOpen returns open records, for one path or all when path is "".
	ListOpen(ctx context.Context, path string) ([]models.IssueRecord, error)
	// OpenPaths lists the distinct paths that have open records.
	OpenPaths(ctx context.Context) ([]string, error)
	// CountOpen returns the number of open records.
	CountOpen(ctx context.Context) (int, error)
	Close() error
}

// SessionLog is implemented by stores that also persist scan sessions, so
// status survives restarts and is visible to other processes.
type SessionLog interface {
	RecordSession(ctx context.Context, s models.Session) error
	LastSession(ctx context.Context) (*models.Session, error)
}

// FileStateLog is implemented by stores that remember the content epoch each
// path was last analyzed at, so unchanged rewrites are recognized across
// restarts.
type FileStateLog interface {
	// FileState returns the state for path, or nil when none was recorded.
	FileState(ctx context.Context, path string) (*models.FileState, error)
	RecordFileState(ctx context.Context, st models.FileState) error
	// ForgetFileStates drops the state for path and for every path below
	// it. An empty path drops every state.
	ForgetFileStates(ctx context.Context, path string) (int, error)
}

var nowFn = func() time.Time { return time.Now().UTC() }

// Open constructs the backend named by cfg.Backend.
func Open(ctx context.Context, cfg config.LedgerConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "mongo":
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func validateFinding(f models.Finding) error {
	if strings.TrimSpace(f.Fingerprint) == "" {
		return fmt.Errorf("finding for %q has no fingerprint: %w", f.Path, bperrors.ErrInvalidInput)
	}
	return nil
}

func underPath(p, root string) bool {
	return root == "" || p == root || strings.HasPrefix(p, root+"/")
}

func keepSet(keep []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keep))
	for _, fp := range keep {
		set[fp] = struct{}{}
	}
	return set
}

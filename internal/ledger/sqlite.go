package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	bperrors "github.com/rcourtman/badpractice-agent/internal/errors"
	"github.com/rcourtman/badpractice-agent/internal/models"
)

// SQLiteStore persists the ledger and the scan session log in a single
// SQLite file. Upsert runs its check-and-set inside one transaction.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewSQLiteStore opens (or creates) the ledger database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = filepath.Clean(strings.TrimSpace(dbPath))
	if dbPath == "" || dbPath == "." {
		return nil, fmt.Errorf("sqlite ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, bperrors.WrapLedgerError("open", fmt.Errorf("create ledger dir: %w", err))
	}

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, bperrors.WrapLedgerError("open", fmt.Errorf("open ledger db: %w", err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, bperrors.WrapLedgerError("open", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS issues (
		fingerprint TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL,
		suggestion TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		resolved_at INTEGER,
		times_seen INTEGER NOT NULL DEFAULT 1,
		regressions INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_issues_path_status ON issues(path, status);
	CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);

	CREATE TABLE IF NOT EXISTS scan_sessions (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scan_sessions_started_at ON scan_sessions(started_at);

	CREATE TABLE IF NOT EXISTS file_states (
		path TEXT PRIMARY KEY,
		epoch TEXT NOT NULL,
		analyzed_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

const issueColumns = `fingerprint, path, category, description, suggestion, severity, status,
	first_seen, last_seen, resolved_at, times_seen, regressions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*models.IssueRecord, error) {
	var (
		rec                 models.IssueRecord
		category, status    string
		firstSeen, lastSeen int64
		resolvedAt          sql.NullInt64
	)
	if err := row.Scan(&rec.Fingerprint, &rec.Path, &category, &rec.Description, &rec.Suggestion,
		&rec.Severity, &status, &firstSeen, &lastSeen, &resolvedAt, &rec.TimesSeen, &rec.Regressions); err != nil {
		return nil, err
	}
	rec.Category = models.Category(category)
	rec.Status = models.IssueStatus(status)
	rec.FirstSeen = fromUnixNano(firstSeen)
	rec.LastSeen = fromUnixNano(lastSeen)
	if resolvedAt.Valid {
		t := fromUnixNano(resolvedAt.Int64)
		rec.ResolvedAt = &t
	}
	return &rec, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (s *SQLiteStore) Lookup(ctx context.Context, fingerprint string) (*models.IssueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE fingerprint = ?`, fingerprint)
	rec, err := scanIssue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, bperrors.WrapLedgerError("lookup", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, f models.Finding) (UpsertResult, error) {
	if err := validateFinding(f); err != nil {
		return UpsertResult{}, err
	}
	now := nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, bperrors.WrapLedgerError("upsert", fmt.Errorf("begin upsert tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM issues WHERE fingerprint = ?`, f.Fingerprint).Scan(&status)

	var result UpsertResult
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO issues (`+issueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 1, 0)`,
			f.Fingerprint, f.Path, string(f.Category), f.Description, f.Suggestion, f.Severity,
			string(models.IssueOpen), now.UnixNano(), now.UnixNano(),
		)
		result.IsNew = true
	case err != nil:
		return UpsertResult{}, bperrors.WrapLedgerError("upsert", fmt.Errorf("load issue: %w", err))
	case status == string(models.IssueOpen):
		_, err = tx.ExecContext(ctx,
			`UPDATE issues SET last_seen = ?, times_seen = times_seen + 1, suggestion = ?, severity = ?
			 WHERE fingerprint = ?`,
			now.UnixNano(), f.Suggestion, f.Severity, f.Fingerprint,
		)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE issues SET status = ?, first_seen = ?, last_seen = ?, resolved_at = NULL,
			 times_seen = times_seen + 1, regressions = regressions + 1, suggestion = ?, severity = ?
			 WHERE fingerprint = ?`,
			string(models.IssueOpen), now.UnixNano(), now.UnixNano(), f.Suggestion, f.Severity, f.Fingerprint,
		)
		result.IsNew = true
		result.Regression = true
	}
	if err != nil {
		return UpsertResult{}, bperrors.WrapLedgerError("upsert", err)
	}

	rec, err := scanIssue(tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE fingerprint = ?`, f.Fingerprint))
	if err != nil {
		return UpsertResult{}, bperrors.WrapLedgerError("upsert", fmt.Errorf("reload issue: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, bperrors.WrapLedgerError("upsert", fmt.Errorf("commit upsert tx: %w", err))
	}
	result.Record = rec
	return result, nil
}

func (s *SQLiteStore) ResolveAllForPath(ctx context.Context, path string) (int, error) {
	return s.ResolveStale(ctx, path, nil)
}

func (s *SQLiteStore) ResolveStale(ctx context.Context, path string, keep []string) (int, error) {
	query := `UPDATE issues SET status = ?, resolved_at = ? WHERE path = ? AND status = ?`
	args := []any{string(models.IssueResolved), nowFn().UnixNano(), path, string(models.IssueOpen)}
	if len(keep) > 0 {
		query += ` AND fingerprint NOT IN (?` + strings.Repeat(`, ?`, len(keep)-1) + `)`
		for _, fp := range keep {
			args = append(args, fp)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, bperrors.WrapLedgerError("resolve", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListOpen(ctx context.Context, path string) ([]models.IssueRecord, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE status = ?`
	args := []any{string(models.IssueOpen)}
	if path != "" {
		query += ` AND path = ?`
		args = append(args, path)
	}
	query += ` ORDER BY path, first_seen, fingerprint`

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, bperrors.WrapLedgerError("list_open", err)
	}
	defer rows.Close()

	var out []models.IssueRecord
	for rows.Next() {
		rec, err := scanIssue(rows)
		if err != nil {
			return nil, bperrors.WrapLedgerError("list_open", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, bperrors.WrapLedgerError("list_open", err)
	}
	return out, nil
}

func (s *SQLiteStore) OpenPaths(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT path FROM issues WHERE status = ? ORDER BY path`, string(models.IssueOpen))
	if err != nil {
		return nil, bperrors.WrapLedgerError("open_paths", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, bperrors.WrapLedgerError("open_paths", err)
		}
		paths = append(paths, p)
	}
	return paths, bperrors.WrapLedgerError("open_paths", rows.Err())
}

func (s *SQLiteStore) CountOpen(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE status = ?`, string(models.IssueOpen)).Scan(&n); err != nil {
		return 0, bperrors.WrapLedgerError("count_open", err)
	}
	return n, nil
}

func (s *SQLiteStore) RecordSession(ctx context.Context, sess models.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	var ended any
	if !sess.EndedAt.IsZero() {
		ended = sess.EndedAt.UnixNano()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO scan_sessions (id, mode, status, started_at, ended_at, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Mode), string(sess.Status), sess.StartedAt.UnixNano(), ended, string(payload),
	)
	return bperrors.WrapLedgerError("record_session", err)
}

func (s *SQLiteStore) LastSession(ctx context.Context) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM scan_sessions ORDER BY started_at DESC, id DESC LIMIT 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, bperrors.WrapLedgerError("last_session", err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) FileState(ctx context.Context, path string) (*models.FileState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := models.FileState{Path: path}
	var analyzedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT epoch, analyzed_at FROM file_states WHERE path = ?`, path).Scan(&st.Epoch, &analyzedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, bperrors.WrapLedgerError("file_state", err)
	}
	st.AnalyzedAt = fromUnixNano(analyzedAt)
	return &st, nil
}

func (s *SQLiteStore) RecordFileState(ctx context.Context, st models.FileState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO file_states (path, epoch, analyzed_at) VALUES (?, ?, ?)`,
		st.Path, st.Epoch, st.AnalyzedAt.UnixNano(),
	)
	return bperrors.WrapLedgerError("record_file_state", err)
}

func (s *SQLiteStore) ForgetFileStates(ctx context.Context, path string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `DELETE FROM file_states`
	var args []any
	if path != "" {
		// '0' is the byte after '/', so the range covers exactly path + "/...".
		query += ` WHERE path = ? OR (path >= ? AND path < ?)`
		args = []any{path, path + "/", path + "0"}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, bperrors.WrapLedgerError("forget_file_states", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

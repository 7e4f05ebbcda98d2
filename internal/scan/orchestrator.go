// Package scan coordinates full and incremental scans: it classifies files,
// asks the analyzer about them, deduplicates the answers against the issue
// ledger and notifies only about findings the ledger has not seen open.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/badpractice-agent/internal/analyzer"
	"github.com/rcourtman/badpractice-agent/internal/classifier"
	bperrors "github.com/rcourtman/badpractice-agent/internal/errors"
	"github.com/rcourtman/badpractice-agent/internal/fingerprint"
	"github.com/rcourtman/badpractice-agent/internal/hints"
	"github.com/rcourtman/badpractice-agent/internal/ledger"
	"github.com/rcourtman/badpractice-agent/internal/logging"
	"github.com/rcourtman/badpractice-agent/internal/models"
	"github.com/rcourtman/badpractice-agent/internal/notifications"
	"github.com/rcourtman/badpractice-agent/internal/report"
)

// State is what the orchestrator is doing right now.
type State string

const (
	StateIdle        State = "idle"
	StateFullScan    State = "full_scan"
	StateIncremental State = "incremental_scan"
)

// Options configure an Orchestrator.
type Options struct {
	Root         string
	Workers      int
	MaxFileBytes int64
	Scope        *classifier.Scope
	// EpochMode is passed to fingerprint.New.
	EpochMode string
	// FileCooldown bounds how long a file whose content has not changed
	// since its last analysis is skipped. Zero skips it indefinitely.
	FileCooldown time.Duration
}

// StatusReport is returned by Status.
type StatusReport struct {
	State          State           `json:"state"`
	Seeded         bool            `json:"seeded"`
	LastSession    *models.Session `json:"lastSession,omitempty"`
	OpenIssueCount int             `json:"openIssueCount"`
}

// Orchestrator is the single scan coordinator for one watched root.
type Orchestrator struct {
	root      string
	workers   int
	maxBytes  int64
	scope     *classifier.Scope
	fp        *fingerprint.Fingerprinter
	analyzer  analyzer.Analyzer
	store     ledger.Store
	sessions  ledger.SessionLog
	files     ledger.FileStateLog
	cooldown  time.Duration
	transport notifications.Transport
	metrics   *Metrics

	// seeded is closed once the first full scan has applied its findings.
	seeded     chan struct{}
	seedOnce   sync.Once
	fullActive atomic.Bool

	gateMu sync.Mutex
	gates  map[string]*pathGate

	// applyMu serializes ledger mutation for one file's results.
	applyMu sync.Mutex

	stateMu   sync.Mutex
	incActive int
	last      *models.Session

	hintsMu sync.RWMutex
	hints   string
}

type pathGate struct {
	mu   sync.Mutex
	refs int
}

// New builds an orchestrator. When store also implements ledger.SessionLog,
// sessions are persisted through it; when it implements ledger.FileStateLog,
// changes that leave a file's content as last analyzed are skipped.
func New(opts Options, a analyzer.Analyzer, store ledger.Store, transport notifications.Transport) (*Orchestrator, error) {
	if a == nil || store == nil || transport == nil {
		return nil, fmt.Errorf("analyzer, ledger and transport are required: %w", bperrors.ErrInvalidInput)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", opts.Root, err)
	}
	fp, err := fingerprint.New(opts.EpochMode)
	if err != nil {
		return nil, err
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Scope == nil {
		opts.Scope = classifier.NewScope(nil, nil)
	}

	o := &Orchestrator{
		root:      root,
		workers:   opts.Workers,
		maxBytes:  opts.MaxFileBytes,
		scope:     opts.Scope,
		fp:        fp,
		cooldown:  opts.FileCooldown,
		analyzer:  a,
		store:     store,
		transport: transport,
		metrics:   GetMetrics(),
		seeded:    make(chan struct{}),
		gates:     make(map[string]*pathGate),
	}
	if sl, ok := store.(ledger.SessionLog); ok {
		o.sessions = sl
	}
	if fl, ok := store.(ledger.FileStateLog); ok {
		o.files = fl
	}
	return o, nil
}

// MarkSeeded opens the seeded gate without a full scan, for a ledger that
// an earlier run already seeded.
func (o *Orchestrator) MarkSeeded() {
	o.seedOnce.Do(func() { close(o.seeded) })
}

// Seeded reports whether incremental scans are being accepted.
func (o *Orchestrator) Seeded() bool {
	select {
	case <-o.seeded:
		return true
	default:
		return false
	}
}

// TriggerFull runs the one-time repository audit: every in-scope file is
// analyzed, the ledger is seeded, and one full report is sent even when it
// has no items. A second call while one is running returns ErrScanInProgress.
func (o *Orchestrator) TriggerFull(ctx context.Context) (*models.Session, error) {
	if !o.fullActive.CompareAndSwap(false, true) {
		return nil, bperrors.ErrScanInProgress
	}
	defer o.fullActive.Store(false)

	sess := o.newSession(models.ScanModeFull, "")
	ctx, _ = logging.WithSessionID(ctx, sess.ID)
	logger := logging.FromContext(ctx)
	logger.Info().Str("root", o.root).Msg("Full scan started")

	// Incremental scans never wait on a full scan that failed.
	defer o.MarkSeeded()

	files, err := o.discover()
	if err != nil {
		return o.fail(ctx, sess, 0, err)
	}
	o.refreshHints()
	// Every file is analyzed again, so states of files removed while the
	// agent was down must not outlive this scan.
	o.forgetFiles(ctx, "")
	for _, f := range files {
		sess.Files = append(sess.Files, f.Path)
	}

	results := make([]fileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, f := range files {
		g.Go(func() error {
			res, err := o.processFile(gctx, f)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return o.fail(ctx, sess, analyzedCount(results), err)
	}
	if err := ctx.Err(); err != nil {
		return o.fail(ctx, sess, analyzedCount(results), err)
	}

	var findings []models.Finding
	for _, res := range results {
		if res.err != nil {
			sess.Skipped++
			continue
		}
		findings = append(findings, res.newFindings...)
		sess.Resolved += res.resolved
	}

	vanished, err := o.resolveVanished(ctx)
	if err != nil {
		return o.fail(ctx, sess, analyzedCount(results), err)
	}
	sess.Resolved += vanished

	o.MarkSeeded()
	sess.NewFindings = findings

	if len(files) > 0 && sess.Skipped == len(files) {
		sess.Status = models.SessionFailed
		sess.Error = "analysis failed for every file"
	}

	r := report.ComposeFull(findings, sess.Skipped)
	sess.Notified = o.send(ctx, r)

	o.finish(ctx, sess, analyzedCount(results))
	logger.Info().
		Int("files", len(files)).
		Int("new", len(findings)).
		Int("skipped", sess.Skipped).
		Int("resolved", sess.Resolved).
		Dur("duration", sess.Duration()).
		Msg("Full scan finished")
	return sess, nil
}

// NotifyChange handles one settled change for path, relative to the root.
// It waits until the ledger has been seeded. Deletions resolve the path's
// open records without notifying. Other changes rescan the file and notify
// only when the ledger reports a new finding. It returns a nil session when
// the path is out of scope, does not classify, or its content is unchanged
// since it was last analyzed.
//
// A non-nil content is used instead of reading the file, which must still
// exist when the results are applied.
func (o *Orchestrator) NotifyChange(ctx context.Context, p string, kind models.ChangeKind, content []byte) (*models.Session, error) {
	rel, err := o.relPath(p)
	if err != nil {
		return nil, err
	}
	switch kind {
	case models.ChangeCreated, models.ChangeModified, models.ChangeDeleted:
	default:
		return nil, fmt.Errorf("unknown change kind %q: %w", kind, bperrors.ErrInvalidInput)
	}

	select {
	case <-o.seeded:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if kind == models.ChangeDeleted {
		return o.handleDelete(ctx, rel)
	}
	if o.scope.Excluded(rel) {
		return nil, nil
	}

	abs := filepath.Join(o.root, filepath.FromSlash(rel))
	if content == nil {
		content, err = classifier.ReadFile(abs, o.maxBytes)
	} else {
		err = classifier.CheckContent(rel, content, o.maxBytes)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return o.handleDelete(ctx, rel)
		}
		log.Debug().Err(err).Str("path", rel).Msg("Change skipped")
		return nil, nil
	}

	category := classifier.Classify(rel, content)
	if !category.InScope() {
		log.Debug().Str("path", rel).Msg("Change ignored by classifier")
		return nil, nil
	}

	prev := o.fileState(ctx, rel)
	if kind == models.ChangeCreated && (prev != nil || o.hasOpenRecords(ctx, rel)) {
		// Editors that save by write-and-rename report known files as created.
		kind = models.ChangeModified
	}
	if o.unchanged(prev, content) {
		log.Debug().Str("path", rel).Str("kind", string(kind)).Msg("Content unchanged since last analysis")
		return nil, nil
	}

	sess := o.newSession(models.ScanModeIncremental, kind)
	sess.Files = []string{rel}
	ctx, _ = logging.WithSessionID(ctx, sess.ID)
	o.enterIncremental()
	defer o.leaveIncremental()

	res, err := o.processFile(ctx, models.WatchedFile{Path: rel, Category: category, Content: content})
	if err != nil {
		return o.fail(ctx, sess, 0, err)
	}
	if res.err != nil {
		sess.Skipped = 1
		return o.fail(ctx, sess, 0, res.err)
	}
	sess.NewFindings = res.newFindings
	sess.Resolved = res.resolved

	if len(res.newFindings) > 0 {
		r := report.ComposeIncremental(rel, res.newFindings)
		r.Trigger = kind
		sess.Notified = o.send(ctx, r)
	}

	o.finish(ctx, sess, 1)
	logger := logging.FromContext(ctx)
	logger.Info().
		Str("path", rel).
		Str("kind", string(kind)).
		Int("new", len(res.newFindings)).
		Int("resolved", res.resolved).
		Msg("Incremental scan finished")
	return sess, nil
}

// Status reports the current state, the most recent session and the open
// issue count.
func (o *Orchestrator) Status(ctx context.Context) (StatusReport, error) {
	st := StatusReport{State: o.state(), Seeded: o.Seeded()}

	o.stateMu.Lock()
	if o.last != nil {
		cp := *o.last
		st.LastSession = &cp
	}
	o.stateMu.Unlock()

	if st.LastSession == nil && o.sessions != nil {
		last, err := o.sessions.LastSession(ctx)
		if err != nil {
			return st, err
		}
		st.LastSession = last
	}

	n, err := o.store.CountOpen(ctx)
	if err != nil {
		return st, err
	}
	st.OpenIssueCount = n
	return st, nil
}

func (o *Orchestrator) state() State {
	if o.fullActive.Load() {
		return StateFullScan
	}
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.incActive > 0 {
		return StateIncremental
	}
	return StateIdle
}

func (o *Orchestrator) enterIncremental() {
	o.stateMu.Lock()
	o.incActive++
	o.stateMu.Unlock()
}

func (o *Orchestrator) leaveIncremental() {
	o.stateMu.Lock()
	o.incActive--
	o.stateMu.Unlock()
}

type fileResult struct {
	newFindings []models.Finding
	resolved    int
	analyzed    bool
	// err is the analysis failure, if any. Ledger failures are returned
	// separately because they abort the session.
	err error
}

func analyzedCount(results []fileResult) int {
	n := 0
	for _, r := range results {
		if r.analyzed {
			n++
		}
	}
	return n
}

// processFile analyzes one file and applies its findings to the ledger while
// holding the file's gate.
func (o *Orchestrator) processFile(ctx context.Context, f models.WatchedFile) (fileResult, error) {
	release := o.lockPath(f.Path)
	defer release()

	suggestions, err := o.analyzer.Analyze(ctx, analyzer.Request{
		Path:     f.Path,
		Category: f.Category,
		Content:  f.Content,
		Hints:    o.currentHints(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return fileResult{err: err}, ctx.Err()
		}
		log.Warn().Err(err).Str("path", f.Path).Str("category", string(f.Category)).Msg("Analysis failed; skipping file")
		return fileResult{err: err}, nil
	}

	findings := o.findings(f, suggestions)
	newFindings, resolved, err := o.apply(ctx, f, findings)
	if err != nil {
		return fileResult{}, err
	}
	return fileResult{newFindings: newFindings, resolved: resolved, analyzed: true}, nil
}

func (o *Orchestrator) fileState(ctx context.Context, rel string) *models.FileState {
	if o.files == nil {
		return nil
	}
	st, err := o.files.FileState(ctx, rel)
	if err != nil {
		log.Warn().Err(err).Str("path", rel).Msg("Failed to load file state")
		return nil
	}
	return st
}

func (o *Orchestrator) hasOpenRecords(ctx context.Context, rel string) bool {
	open, err := o.store.ListOpen(ctx, rel)
	return err == nil && len(open) > 0
}

// unchanged reports whether content matches the epoch prev was analyzed at,
// within the cooldown.
func (o *Orchestrator) unchanged(prev *models.FileState, content []byte) bool {
	if prev == nil || prev.Epoch == "" || prev.Epoch != fingerprint.ContentEpoch(content) {
		return false
	}
	return o.cooldown <= 0 || time.Since(prev.AnalyzedAt) < o.cooldown
}

func (o *Orchestrator) forgetFiles(ctx context.Context, rel string) {
	if o.files == nil {
		return
	}
	if _, err := o.files.ForgetFileStates(ctx, rel); err != nil {
		log.Warn().Err(err).Str("path", rel).Msg("Failed to forget file states")
	}
}

func (o *Orchestrator) findings(f models.WatchedFile, suggestions []analyzer.Suggestion) []models.Finding {
	epoch := o.fp.Epoch(f.Content)
	seen := make(map[string]bool, len(suggestions))
	out := make([]models.Finding, 0, len(suggestions))
	for _, s := range suggestions {
		id := o.fp.Fingerprint(f.Path, s.Description, epoch)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, models.Finding{
			Path:        f.Path,
			Category:    f.Category,
			Description: s.Description,
			Suggestion:  s.Suggestion,
			Severity:    s.Severity,
			Fingerprint: id,
		})
	}
	return out
}

// apply upserts every finding, resolves the path's open records that were
// not reproduced and records the content epoch the file was analyzed at. A
// file removed while it was being analyzed is resolved instead.
func (o *Orchestrator) apply(ctx context.Context, wf models.WatchedFile, findings []models.Finding) ([]models.Finding, int, error) {
	p := wf.Path
	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	if _, err := os.Lstat(filepath.Join(o.root, filepath.FromSlash(p))); errors.Is(err, fs.ErrNotExist) {
		n, err := o.store.ResolveAllForPath(ctx, p)
		if err != nil {
			return nil, 0, bperrors.WrapLedgerError("resolve path", err)
		}
		o.forgetFiles(ctx, p)
		log.Debug().Str("path", p).Int("resolved", n).Msg("File removed during analysis; findings dropped")
		return nil, n, nil
	}

	var fresh []models.Finding
	keep := make([]string, 0, len(findings))
	for _, f := range findings {
		res, err := o.store.Upsert(ctx, f)
		if err != nil {
			return nil, 0, bperrors.WrapLedgerError("upsert", err)
		}
		keep = append(keep, f.Fingerprint)
		if res.IsNew {
			fresh = append(fresh, f)
			if res.Regression {
				log.Info().Str("path", p).Str("fingerprint", f.Fingerprint).Msg("Resolved issue reappeared")
			}
		}
	}
	resolved, err := o.store.ResolveStale(ctx, p, keep)
	if err != nil {
		return nil, 0, bperrors.WrapLedgerError("resolve stale", err)
	}
	if o.files != nil {
		st := models.FileState{Path: p, Epoch: fingerprint.ContentEpoch(wf.Content), AnalyzedAt: time.Now().UTC()}
		if err := o.files.RecordFileState(ctx, st); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("Failed to record file state")
		}
	}
	return fresh, resolved, nil
}

// handleDelete resolves the open records of a deleted file, or of every file
// under a deleted directory. Analyses of those files still in flight see the
// file gone when they apply and resolve rather than upsert.
func (o *Orchestrator) handleDelete(ctx context.Context, rel string) (*models.Session, error) {
	sess := o.newSession(models.ScanModeIncremental, models.ChangeDeleted)
	sess.Files = []string{rel}
	ctx, _ = logging.WithSessionID(ctx, sess.ID)
	o.enterIncremental()
	defer o.leaveIncremental()

	release := o.lockPath(rel)
	n, err := o.resolvePaths(ctx, func(open string) bool {
		return open == rel || strings.HasPrefix(open, rel+"/")
	})
	if err == nil {
		o.forgetFiles(ctx, rel)
	}
	release()
	if err != nil {
		return o.fail(ctx, sess, 0, err)
	}
	sess.Resolved = n

	o.finish(ctx, sess, 0)
	logger := logging.FromContext(ctx)
	logger.Info().Str("path", rel).Int("resolved", n).Msg("Deleted path resolved")
	return sess, nil
}

// resolveVanished resolves records for paths that no longer exist under the
// root, such as files deleted while the agent was not running.
func (o *Orchestrator) resolveVanished(ctx context.Context) (int, error) {
	return o.resolvePaths(ctx, func(open string) bool {
		_, err := os.Lstat(filepath.Join(o.root, filepath.FromSlash(open)))
		return errors.Is(err, fs.ErrNotExist)
	})
}

func (o *Orchestrator) resolvePaths(ctx context.Context, match func(string) bool) (int, error) {
	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	paths, err := o.store.OpenPaths(ctx)
	if err != nil {
		return 0, bperrors.WrapLedgerError("open paths", err)
	}
	total := 0
	for _, p := range paths {
		if !match(p) {
			continue
		}
		n, err := o.store.ResolveAllForPath(ctx, p)
		if err != nil {
			return total, bperrors.WrapLedgerError("resolve path", err)
		}
		total += n
	}
	return total, nil
}

// lockPath acquires the gate for p. Gates are reference counted and removed
// once nobody holds or waits on them.
func (o *Orchestrator) lockPath(p string) func() {
	o.gateMu.Lock()
	g, ok := o.gates[p]
	if !ok {
		g = &pathGate{}
		o.gates[p] = g
	}
	g.refs++
	o.gateMu.Unlock()

	g.mu.Lock()
	return func() {
		g.mu.Unlock()
		o.gateMu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(o.gates, p)
		}
		o.gateMu.Unlock()
	}
}

// discover walks the root in lexical order and returns the in-scope files.
func (o *Orchestrator) discover() ([]models.WatchedFile, error) {
	var files []models.WatchedFile
	err := filepath.WalkDir(o.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == o.root {
				return err
			}
			log.Debug().Err(err).Str("path", p).Msg("Skipping unreadable path")
			return nil
		}
		rel, relErr := filepath.Rel(o.root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && o.scope.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || o.scope.IgnoreFile(rel) {
			return nil
		}
		f, err := classifier.ClassifyFile(p, rel, o.maxBytes)
		if err != nil || !f.Category.InScope() {
			return nil
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", o.root, err)
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (o *Orchestrator) refreshHints() {
	h, err := hints.Collect(o.root, o.scope, o.maxBytes)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to collect repository hints")
		return
	}
	o.hintsMu.Lock()
	o.hints = h.Format()
	o.hintsMu.Unlock()
}

func (o *Orchestrator) currentHints() string {
	o.hintsMu.RLock()
	defer o.hintsMu.RUnlock()
	return o.hints
}

// relPath turns p into a clean slash-separated path under the root.
func (o *Orchestrator) relPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path: %w", bperrors.ErrInvalidInput)
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(o.root, p)
		if err != nil {
			return "", fmt.Errorf("path %q: %w", p, bperrors.ErrInvalidInput)
		}
		p = rel
	}
	rel := path.Clean(filepath.ToSlash(p))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("path %q is outside the watched root: %w", p, bperrors.ErrInvalidInput)
	}
	return rel, nil
}

func (o *Orchestrator) send(ctx context.Context, r report.Report) bool {
	err := o.transport.Send(ctx, r)
	o.metrics.RecordNotification(o.transport.Name(), err)
	if err != nil {
		logger := logging.FromContext(ctx)
		logger.Error().
			Err(err).
			Str("report", r.ID).
			Str("transport", o.transport.Name()).
			Msg("Failed to send report")
		return false
	}
	return true
}

func (o *Orchestrator) newSession(mode models.ScanMode, trigger models.ChangeKind) *models.Session {
	return &models.Session{
		ID:        ulid.Make().String(),
		Mode:      mode,
		Root:      o.root,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
		Status:    models.SessionRunning,
	}
}

func (o *Orchestrator) fail(ctx context.Context, sess *models.Session, analyzed int, err error) (*models.Session, error) {
	sess.Status = models.SessionFailed
	sess.Error = err.Error()
	o.finish(ctx, sess, analyzed)
	logger := logging.FromContext(ctx)
	logger.Error().Err(err).Str("mode", string(sess.Mode)).Msg("Scan session failed")
	return sess, err
}

// finish stamps the session, records it and updates metrics.
func (o *Orchestrator) finish(ctx context.Context, sess *models.Session, analyzed int) {
	sess.EndedAt = time.Now().UTC()
	if sess.Status == models.SessionRunning {
		sess.Status = models.SessionCompleted
	}

	o.stateMu.Lock()
	cp := *sess
	o.last = &cp
	o.stateMu.Unlock()

	o.metrics.RecordSession(sess, analyzed)

	// Recording must outlive a cancelled scan context.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if o.sessions != nil {
		if err := o.sessions.RecordSession(recCtx, *sess); err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("Failed to record scan session")
		}
	}
	if n, err := o.store.CountOpen(recCtx); err == nil {
		o.metrics.SetOpenIssues(n)
	}
}

package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/rcourtman/badpractice-agent/internal/models"
)

// MemoryStore is a process-local ledger used when no durable backend is
// configured. State does not survive restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.IssueRecord // keyed by fingerprint
	// Index by path for resolve operations
	byPath   map[string]map[string]struct{}
	sessions []models.Session
	files    map[string]models.FileState
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.IssueRecord),
		byPath:  make(map[string]map[string]struct{}),
		files:   make(map[string]models.FileState),
	}
}

func (s *MemoryStore) Lookup(_ context.Context, fingerprint string) (*models.IssueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[fingerprint].Clone(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, f models.Finding) (UpsertResult, error) {
	if err := validateFinding(f); err != nil {
		return UpsertResult{}, err
	}
	now := nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[f.Fingerprint]
	if !exists {
		rec := &models.IssueRecord{
			Finding:   f,
			Status:    models.IssueOpen,
			FirstSeen: now,
			LastSeen:  now,
			TimesSeen: 1,
		}
		s.records[f.Fingerprint] = rec
		if s.byPath[f.Path] == nil {
			s.byPath[f.Path] = make(map[string]struct{})
		}
		s.byPath[f.Path][f.Fingerprint] = struct{}{}
		return UpsertResult{IsNew: true, Record: rec.Clone()}, nil
	}

	existing.LastSeen = now
	existing.TimesSeen++
	existing.Suggestion = f.Suggestion
	existing.Severity = f.Severity
	if existing.Status == models.IssueOpen {
		return UpsertResult{Record: existing.Clone()}, nil
	}

	// Regression after a fix
	existing.Status = models.IssueOpen
	existing.FirstSeen = now
	existing.ResolvedAt = nil
	existing.Regressions++
	return UpsertResult{IsNew: true, Regression: true, Record: existing.Clone()}, nil
}

func (s *MemoryStore) ResolveAllForPath(ctx context.Context, path string) (int, error) {
	return s.ResolveStale(ctx, path, nil)
}

func (s *MemoryStore) ResolveStale(_ context.Context, path string, keep []string) (int, error) {
	kept := keepSet(keep)
	now := nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := 0
	for fp := range s.byPath[path] {
		if _, ok := kept[fp]; ok {
			continue
		}
		rec := s.records[fp]
		if rec == nil || rec.Status != models.IssueOpen {
			continue
		}
		rec.Status = models.IssueResolved
		t := now
		rec.ResolvedAt = &t
		resolved++
	}
	return resolved, nil
}

func (s *MemoryStore) ListOpen(_ context.Context, path string) ([]models.IssueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.IssueRecord
	for _, rec := range s.records {
		if rec.Status != models.IssueOpen || (path != "" && rec.Path != path) {
			continue
		}
		out = append(out, *rec.Clone())
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) OpenPaths(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	for path, fps := range s.byPath {
		for fp := range fps {
			if rec := s.records[fp]; rec != nil && rec.Status == models.IssueOpen {
				paths = append(paths, path)
				break
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *MemoryStore) CountOpen(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.records {
		if rec.Status == models.IssueOpen {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecordSession(_ context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sess)
	return nil
}

func (s *MemoryStore) LastSession(_ context.Context) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.sessions) == 0 {
		return nil, nil
	}
	last := s.sessions[len(s.sessions)-1]
	return &last, nil
}

func (s *MemoryStore) FileState(_ context.Context, path string) (*models.FileState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.files[path]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *MemoryStore) RecordFileState(_ context.Context, st models.FileState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[st.Path] = st
	return nil
}

func (s *MemoryStore) ForgetFileStates(_ context.Context, path string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p := range s.files {
		if underPath(p, path) {
			delete(s.files, p)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// sortRecords orders by path, then first-seen, then fingerprint.
func sortRecords(recs []models.IssueRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Path != recs[j].Path {
			return recs[i].Path < recs[j].Path
		}
		if !recs[i].FirstSeen.Equal(recs[j].FirstSeen) {
			return recs[i].FirstSeen.Before(recs[j].FirstSeen)
		}
		return recs[i].Fingerprint < recs[j].Fingerprint
	})
}

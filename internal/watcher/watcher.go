// Package watcher turns raw filesystem notifications under a root into a
// debounced stream of created/modified/deleted events carrying final content.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/badpractice-agent/internal/classifier"
	"github.com/rcourtman/badpractice-agent/internal/models"
)

// DefaultDebounce is used when Options.Debounce is zero.
const DefaultDebounce = time.Second

// Event is one settled change. Path is slash-separated and relative to the
// root. Content is the file body read when the debounce window closed; it is
// nil for deletions and for files that could not be read.
type Event struct {
	Path    string
	AbsPath string
	Kind    models.ChangeKind
	Content []byte
	IsDir   bool
	At      time.Time
}

// Options configure a Watcher.
type Options struct {
	Root         string
	Debounce     time.Duration
	Scope        *classifier.Scope
	MaxFileBytes int64
	// Buffer is the capacity of the Events channel.
	Buffer int
}

// Watcher observes a directory tree recursively.
type Watcher struct {
	root     string
	debounce time.Duration
	scope    *classifier.Scope
	maxBytes int64

	fsw      *fsnotify.Watcher
	events   chan Event
	stopChan chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	pending map[string]*pendingChange
	dirs    map[string]bool // watched directories, relative paths

	// sendMu guards closing events against in-flight sends.
	sendMu sync.RWMutex
	closed bool
}

type pendingChange struct {
	kind     models.ChangeKind // "" when the window's changes cancelled out
	deadline time.Time
	timer    *time.Timer
	isDir    bool
}

// New creates a watcher for opts.Root. Call Start to begin watching.
func New(opts Options) (*Watcher, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}

	return &Watcher{
		root:     root,
		debounce: debounce,
		scope:    opts.Scope,
		maxBytes: opts.MaxFileBytes,
		fsw:      fsw,
		events:   make(chan Event, buffer),
		stopChan: make(chan struct{}),
		pending:  make(map[string]*pendingChange),
		dirs:     make(map[string]bool),
	}, nil
}

// Events returns the settled change stream. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start adds every in-scope directory under the root and begins processing.
func (w *Watcher) Start() error {
	if err := w.addTree(w.root, false); err != nil {
		return err
	}
	go w.handleEvents(w.fsw.Events, w.fsw.Errors)

	w.mu.Lock()
	n := len(w.dirs)
	w.mu.Unlock()
	log.Info().Str("root", w.root).Int("directories", n).Dur("debounce", w.debounce).Msg("Started watching for changes")
	return nil
}

// Stop stops watching, cancels pending changes and closes Events.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if err := w.fsw.Close(); err != nil {
			log.Debug().Err(err).Msg("Closing fsnotify watcher")
		}

		w.mu.Lock()
		for rel, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, rel)
		}
		w.mu.Unlock()

		w.sendMu.Lock()
		w.closed = true
		close(w.events)
		w.sendMu.Unlock()
	})
}

// handleEvents processes fsnotify events until stopped.
func (w *Watcher) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("File watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, ok := w.relative(ev.Name)
	if !ok || rel == "." {
		return
	}
	if w.scope.Excluded(rel) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(ev.Name)
		if err == nil && info.IsDir() {
			if err := w.addTree(ev.Name, true); err != nil {
				log.Warn().Err(err).Str("path", rel).Msg("Failed to watch new directory")
			}
			return
		}
		w.record(rel, models.ChangeCreated, false)
	case ev.Has(fsnotify.Write):
		w.record(rel, models.ChangeModified, false)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		wasDir := w.dirs[rel]
		if wasDir {
			for d := range w.dirs {
				if d == rel || isUnder(d, rel) {
					delete(w.dirs, d)
				}
			}
		}
		w.mu.Unlock()
		w.record(rel, models.ChangeDeleted, wasDir)
	}
}

// addTree watches dir and every in-scope subdirectory. When announce is set
// (a directory appeared after startup), files already inside are reported as
// created since their own events may have fired before the watch existed.
func (w *Watcher) addTree(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			log.Debug().Err(err).Str("path", path).Msg("Skipping unreadable path")
			return nil
		}
		rel, ok := w.relative(path)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if rel != "." && w.scope.SkipDir(rel) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				log.Warn().Err(err).Str("path", rel).Msg("Failed to watch directory")
				return nil
			}
			w.mu.Lock()
			w.dirs[rel] = true
			w.mu.Unlock()
			return nil
		}
		if announce && d.Type().IsRegular() && !w.scope.Excluded(rel) {
			w.record(rel, models.ChangeCreated, false)
		}
		return nil
	})
}

// record merges kind into the pending change for rel and (re)arms its
// debounce timer. A repeated event pushes the deadline out; it never cancels
// the pending change.
func (w *Watcher) record(rel string, kind models.ChangeKind, isDir bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.stopChan:
		return
	default:
	}

	deadline := time.Now().Add(w.debounce)
	if p, ok := w.pending[rel]; ok {
		p.kind = mergeKinds(p.kind, kind)
		p.isDir = p.isDir || isDir
		p.deadline = deadline
		p.timer.Reset(w.debounce)
		return
	}

	p := &pendingChange{kind: kind, deadline: deadline, isDir: isDir}
	p.timer = time.AfterFunc(w.debounce, func() { w.flush(rel) })
	w.pending[rel] = p
}

// mergeKinds folds the next change into what is pending for a path.
func mergeKinds(prev, next models.ChangeKind) models.ChangeKind {
	switch prev {
	case "":
		return next
	case models.ChangeCreated:
		switch next {
		case models.ChangeDeleted:
			return ""
		default:
			return models.ChangeCreated
		}
	case models.ChangeModified:
		if next == models.ChangeDeleted {
			return models.ChangeDeleted
		}
		return models.ChangeModified
	case models.ChangeDeleted:
		if next == models.ChangeDeleted {
			return models.ChangeDeleted
		}
		return models.ChangeModified
	}
	return next
}

func (w *Watcher) flush(rel string) {
	w.mu.Lock()
	p, ok := w.pending[rel]
	if !ok {
		w.mu.Unlock()
		return
	}
	if time.Now().Before(p.deadline) {
		// Reset raced with this firing; the rearmed timer will flush.
		w.mu.Unlock()
		return
	}
	delete(w.pending, rel)
	w.mu.Unlock()

	ev, ok := w.settle(rel, p.kind, p.isDir)
	if !ok {
		return
	}
	w.emit(ev)
}

// settle reads the final state of rel and decides the event to emit.
func (w *Watcher) settle(rel string, kind models.ChangeKind, isDir bool) (Event, bool) {
	abs := filepath.Join(w.root, filepath.FromSlash(rel))
	ev := Event{Path: rel, AbsPath: abs, Kind: kind, IsDir: isDir, At: time.Now()}

	if kind == "" {
		return ev, false
	}

	info, statErr := os.Stat(abs)
	exists := statErr == nil
	switch {
	case kind == models.ChangeDeleted && !exists:
		return ev, true
	case kind == models.ChangeDeleted:
		ev.Kind = models.ChangeModified
	case !exists && kind == models.ChangeCreated:
		return ev, false
	case !exists:
		ev.Kind = models.ChangeDeleted
		return ev, true
	}
	if info.IsDir() {
		return ev, false
	}

	content, err := classifier.ReadFile(abs, w.maxBytes)
	switch {
	case err == nil:
		ev.Content = content
	case errors.Is(err, fs.ErrNotExist):
		if ev.Kind == models.ChangeCreated {
			return ev, false
		}
		ev.Kind = models.ChangeDeleted
	default:
		log.Debug().Err(err).Str("path", rel).Msg("Change settled on unreadable file")
	}
	return ev, true
}

func (w *Watcher) emit(ev Event) {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.events <- ev:
		log.Debug().Str("path", ev.Path).Str("kind", string(ev.Kind)).Msg("Change settled")
	case <-w.stopChan:
	}
}

func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func isUnder(path, dir string) bool {
	return strings.HasPrefix(path, dir+"/")
}

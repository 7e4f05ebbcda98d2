package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/badpractice-agent/internal/classifier"
	"github.com/rcourtman/badpractice-agent/internal/models"
)

const testDebounce = 80 * time.Millisecond

func newTestWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w, err := New(Options{
		Root:         root,
		Debounce:     testDebounce,
		Scope:        classifier.NewScope([]string{".git", "node_modules"}, []string{"*.swp", "*~"}),
		MaxFileBytes: 1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func nextEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, w *Watcher, within time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(within):
	}
}

func TestMergeKinds(t *testing.T) {
	tests := []struct {
		prev, next, want models.ChangeKind
	}{
		{"", models.ChangeModified, models.ChangeModified},
		{models.ChangeCreated, models.ChangeModified, models.ChangeCreated},
		{models.ChangeCreated, models.ChangeDeleted, ""},
		{models.ChangeModified, models.ChangeModified, models.ChangeModified},
		{models.ChangeModified, models.ChangeDeleted, models.ChangeDeleted},
		{models.ChangeModified, models.ChangeCreated, models.ChangeModified},
		{models.ChangeDeleted, models.ChangeCreated, models.ChangeModified},
		{models.ChangeDeleted, models.ChangeModified, models.ChangeModified},
		{models.ChangeDeleted, models.ChangeDeleted, models.ChangeDeleted},
	}
	for _, tt := range tests {
		if got := mergeKinds(tt.prev, tt.next); got != tt.want {
			t.Errorf("mergeKinds(%q, %q) = %q, want %q", tt.prev, tt.next, got, tt.want)
		}
	}
}

// TestHandleEventsCollapsesBurst drives handleEvents with injected channels.
func TestHandleEventsCollapsesBurst(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	path := filepath.Join(root, "Dockerfile")

	events := make(chan fsnotify.Event)
	errs := make(chan error)
	go w.handleEvents(events, errs)

	require.NoError(t, os.WriteFile(path, []byte("FROM foo:1\n"), 0o644))
	events <- fsnotify.Event{Name: path, Op: fsnotify.Create}
	for i := 2; i <= 5; i++ {
		time.Sleep(testDebounce / 4)
		require.NoError(t, os.WriteFile(path, []byte("FROM foo:latest\n"), 0o644))
		events <- fsnotify.Event{Name: path, Op: fsnotify.Write}
	}
	errs <- errors.New("injected watcher error")

	ev := nextEvent(t, w)
	assert.Equal(t, "Dockerfile", ev.Path)
	assert.Equal(t, models.ChangeCreated, ev.Kind, "create followed by writes settles as created")
	assert.Equal(t, "FROM foo:latest\n", string(ev.Content), "event carries final content")

	expectNoEvent(t, w, 2*testDebounce)
}

func TestHandleEventsCreateThenDeleteIsDropped(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	path := filepath.Join(root, "main.tf")

	events := make(chan fsnotify.Event)
	go w.handleEvents(events, make(chan error))

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	events <- fsnotify.Event{Name: path, Op: fsnotify.Create}
	require.NoError(t, os.Remove(path))
	events <- fsnotify.Event{Name: path, Op: fsnotify.Remove}

	expectNoEvent(t, w, 3*testDebounce)
}

func TestHandleEventsFiltersScopeAndChmod(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	events := make(chan fsnotify.Event)
	go w.handleEvents(events, make(chan error))

	swp := filepath.Join(root, ".values.yaml.swp")
	require.NoError(t, os.WriteFile(swp, []byte("x"), 0o644))
	events <- fsnotify.Event{Name: swp, Op: fsnotify.Write}
	events <- fsnotify.Event{Name: filepath.Join(root, "node_modules", "a.json"), Op: fsnotify.Write}
	events <- fsnotify.Event{Name: filepath.Join(root, "..", "outside.tf"), Op: fsnotify.Write}

	chmod := filepath.Join(root, "Jenkinsfile")
	require.NoError(t, os.WriteFile(chmod, []byte("pipeline {}"), 0o644))
	events <- fsnotify.Event{Name: chmod, Op: fsnotify.Chmod}

	expectNoEvent(t, w, 3*testDebounce)
}

func TestModifiedFileThatVanishedSettlesAsDeleted(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	path := filepath.Join(root, "compose.yaml")

	events := make(chan fsnotify.Event)
	go w.handleEvents(events, make(chan error))

	events <- fsnotify.Event{Name: path, Op: fsnotify.Write}
	ev := nextEvent(t, w)
	assert.Equal(t, models.ChangeDeleted, ev.Kind)
	assert.Nil(t, ev.Content)
}

func TestWatcherEndToEnd(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "infra"), 0o755))
	existing := filepath.Join(root, "infra", "main.tf")
	require.NoError(t, os.WriteFile(existing, []byte(`resource "x" "y" {}`), 0o644))

	w := newTestWatcher(t, root)
	require.NoError(t, w.Start())

	// Rapid writes to one file collapse into a single modified event.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(existing, []byte(`resource "x" "z" {}`), 0o644))
	}
	ev := nextEvent(t, w)
	assert.Equal(t, "infra/main.tf", ev.Path)
	assert.Equal(t, models.ChangeModified, ev.Kind)
	assert.Equal(t, `resource "x" "z" {}`, string(ev.Content))

	// Files inside a newly created directory are announced.
	newDir := filepath.Join(root, "k8s")
	require.NoError(t, os.MkdirAll(newDir, 0o755))
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.dirs["k8s"]
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(newDir, "deploy.yaml"), []byte("kind: Deployment\n"), 0o644))
	ev = nextEvent(t, w)
	assert.Equal(t, "k8s/deploy.yaml", ev.Path)
	assert.Equal(t, models.ChangeCreated, ev.Kind)

	require.NoError(t, os.Remove(existing))
	ev = nextEvent(t, w)
	assert.Equal(t, "infra/main.tf", ev.Path)
	assert.Equal(t, models.ChangeDeleted, ev.Kind)
}

func TestStopClosesEventsAndIsIdempotent(t *testing.T) {
	w := newTestWatcher(t, t.TempDir())
	require.NoError(t, w.Start())

	w.Stop()
	w.Stop()

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestNewRejectsFileRoot(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))
	_, err := New(Options{Root: f})
	require.Error(t, err)
}

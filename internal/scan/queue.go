package scan

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/badpractice-agent/internal/models"
	"github.com/rcourtman/badpractice-agent/internal/watcher"
)

// pathQueue keeps at most one event in flight per path and, behind it, only
// the newest pending event for that path.
type pathQueue struct {
	mu      sync.Mutex
	active  map[string]bool
	pending map[string]watcher.Event
}

func newPathQueue() *pathQueue {
	return &pathQueue{
		active:  make(map[string]bool),
		pending: make(map[string]watcher.Event),
	}
}

// push returns true when the caller should start a drainer for ev.Path.
func (q *pathQueue) push(ev watcher.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.active[ev.Path] {
		q.active[ev.Path] = true
		return true
	}
	if prev, ok := q.pending[ev.Path]; ok && prev.Kind == models.ChangeCreated && ev.Kind == models.ChangeModified {
		ev.Kind = models.ChangeCreated
	}
	q.pending[ev.Path] = ev
	return false
}

// next pops the pending event for p, or marks p idle when there is none.
func (q *pathQueue) next(p string) (watcher.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.pending[p]
	if !ok {
		delete(q.active, p)
		return watcher.Event{}, false
	}
	delete(q.pending, p)
	return ev, true
}

// Run consumes settled change events until ctx is done or events is closed,
// then waits for in-flight scans. Different paths are scanned in parallel,
// bounded by the worker count.
func (o *Orchestrator) Run(ctx context.Context, events <-chan watcher.Event) error {
	q := newPathQueue()
	var g errgroup.Group
	g.SetLimit(o.workers)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return nil
		case ev, ok := <-events:
			if !ok {
				_ = g.Wait()
				return nil
			}
			if ev.IsDir && ev.Kind != models.ChangeDeleted {
				continue
			}
			if !q.push(ev) {
				continue
			}
			g.Go(func() error {
				for {
					o.handleEvent(ctx, ev)
					var more bool
					if ev, more = q.next(ev.Path); !more {
						return nil
					}
				}
			})
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev watcher.Event) {
	_, err := o.NotifyChange(ctx, ev.Path, ev.Kind, ev.Content)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Debug().Err(err).Str("path", ev.Path).Msg("Change dropped on shutdown")
	default:
		log.Error().Err(err).Str("path", ev.Path).Str("kind", string(ev.Kind)).Msg("Failed to process change")
	}
}

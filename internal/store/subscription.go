package store

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"presence-chat/internal/metrics"
)

// Subscription delivers snapshots of one path. The channel holds at most one
// pending snapshot; a newer one replaces it, so a slow reader only ever sees
// the latest state.
type Subscription struct {
	path string
	c    chan Snapshot
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newSubscription(path string) *Subscription {
	return &Subscription{
		path: path,
		c:    make(chan Snapshot, 1),
		done: make(chan struct{}),
	}
}

func (s *Subscription) Path() string { return s.path }

// C is closed after Close or when the subscribing context ends.
func (s *Subscription) C() <-chan Snapshot { return s.c }

func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.c)
}

func (s *Subscription) offer(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.c:
	default:
	}
	s.c <- snap
}

// watcher reloads its subscription's snapshot after each change mark.
// Marks coalesce: any number of changes during a load cause one more load.
type watcher struct {
	sub   *Subscription
	dirty chan struct{}
	load  func(ctx context.Context) (Snapshot, error)
}

func (w *watcher) mark() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

func (w *watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.sub.done:
			return
		case <-w.dirty:
			snap, err := w.load(ctx)
			if err != nil {
				if ctx.Err() == nil {
					glog.Warningf("[store] reload %q: %v", w.sub.path, err)
				}
				continue
			}
			glog.V(2).Infof("[store] snapshot %q", w.sub.path)
			w.sub.offer(snap)
		}
	}
}

// registry tracks live watchers and routes change notifications to them.
type registry struct {
	backend string

	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

func newRegistry(backend string) *registry {
	return &registry{backend: backend, watchers: map[*watcher]struct{}{}}
}

// start registers a watcher for path and runs it until ctx or the
// subscription ends. The first snapshot is loaded immediately.
func (r *registry) start(ctx, storeCtx context.Context, path string, load func(context.Context) (Snapshot, error)) *Subscription {
	w := &watcher{
		sub:   newSubscription(path),
		dirty: make(chan struct{}, 1),
		load:  load,
	}
	r.mu.Lock()
	r.watchers[w] = struct{}{}
	r.mu.Unlock()
	metrics.StoreSubscriptions.WithLabelValues(r.backend).Inc()

	runCtx, cancel := context.WithCancel(storeCtx)
	go func() {
		select {
		case <-ctx.Done():
		case <-runCtx.Done():
		case <-w.sub.done:
		}
		cancel()
	}()
	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.watchers, w)
			r.mu.Unlock()
			metrics.StoreSubscriptions.WithLabelValues(r.backend).Dec()
			w.sub.Close()
		}()
		w.mark()
		w.run(runCtx)
	}()
	return w.sub
}

// notify marks every watcher whose path overlaps the changed path.
func (r *registry) notify(changed string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for w := range r.watchers {
		if overlaps(w.sub.path, changed) {
			w.mark()
		}
	}
}

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"presence-chat/internal/metrics"
)

type options struct {
	now   func() time.Time
	lease time.Duration
}

type Option func(*options)

// WithClock sets the clock used to resolve ServerTimestamp.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLease sets how long a Redis session survives without keepalive before
// other instances fire its disconnect operations.
func WithLease(d time.Duration) Option {
	return func(o *options) { o.lease = d }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, lease: 15 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryStore is a single-process Store. It backs tests and single-node
// development servers.
type MemoryStore struct {
	opts options
	subs *registry

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	root map[string]any
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryStore{
		opts:   buildOptions(opts),
		subs:   newRegistry("memory"),
		ctx:    ctx,
		cancel: cancel,
		root:   map[string]any{},
	}
}

func (m *MemoryStore) stamp() string { return Timestamp(m.opts.now()) }

func (m *MemoryStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	segs, err := Split(path)
	if err != nil {
		return Snapshot{}, err
	}
	return m.read(segs), nil
}

func (m *MemoryStore) read(segs []string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := clone(treeGet(m.root, segs))
	if mv, ok := v.(map[string]any); ok && len(mv) == 0 {
		v = nil
	}
	return Snapshot{Path: Join(segs...), Value: v}
}

func (m *MemoryStore) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}
	segs, err := Split(path)
	if err != nil {
		return nil, err
	}
	return m.subs.start(ctx, m.ctx, Join(segs...), func(context.Context) (Snapshot, error) {
		return m.read(segs), nil
	}), nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs, err := Split(path)
	if err != nil {
		return err
	}
	v, err := normalize(value, m.stamp())
	if err != nil {
		return err
	}
	if err := m.write(map[string]any{Join(segs...): v}); err != nil {
		return err
	}
	metrics.StoreOps.WithLabelValues("memory", string(OpSet)).Inc()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateOp(UpdateOp(path, fields)); err != nil {
		return err
	}
	now := m.stamp()
	writes := make(map[string]any, len(fields))
	for k, f := range fields {
		v, err := normalize(f, now)
		if err != nil {
			return err
		}
		writes[Join(path, k)] = v
	}
	if err := m.write(writes); err != nil {
		return err
	}
	metrics.StoreOps.WithLabelValues("memory", string(OpUpdate)).Inc()
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := Clean(path)
	if err != nil {
		return err
	}
	if err := m.write(map[string]any{p: nil}); err != nil {
		return err
	}
	metrics.StoreOps.WithLabelValues("memory", string(OpRemove)).Inc()
	return nil
}

func (m *MemoryStore) Push(ctx context.Context, path string, value any) (string, error) {
	key := NewKey()
	if err := m.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// write applies all writes atomically, then notifies subscribers.
func (m *MemoryStore) write(writes map[string]any) error {
	m.mu.Lock()
	for p, v := range writes {
		if p == "" {
			root, ok := v.(map[string]any)
			if v != nil && !ok {
				m.mu.Unlock()
				return ErrInvalidValue
			}
			if root == nil {
				root = map[string]any{}
			}
			m.root = root
			continue
		}
		treeSet(m.root, splitClean(p), v)
	}
	m.mu.Unlock()
	for p := range writes {
		m.subs.notify(p)
	}
	return nil
}

func (m *MemoryStore) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return &memorySession{id: uuid.NewString(), st: m, done: make(chan struct{})}, nil
}

func (m *MemoryStore) Close() error {
	m.cancel()
	return nil
}

type memorySession struct {
	id   string
	st   *MemoryStore
	done chan struct{}

	mu     sync.Mutex
	ops    []Op
	closed bool
}

func (s *memorySession) ID() string { return s.id }

func (s *memorySession) Done() <-chan struct{} { return s.done }

func (s *memorySession) OnDisconnect(_ context.Context, op Op) error {
	if err := validateOp(op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.ops = append(s.ops, op)
	return nil
}

func (s *memorySession) CancelOnDisconnect(_ context.Context, path string) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.ops[:0]
	for _, op := range s.ops {
		if q, _ := Clean(op.Path); q != p {
			kept = append(kept, op)
		}
	}
	s.ops = kept
	return nil
}

func (s *memorySession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	ops := s.ops
	s.ops = nil
	s.mu.Unlock()

	glog.V(1).Infof("[store] session %s lost, firing %d disconnect ops", s.id, len(ops))
	return fireOps(ctx, s.st, "memory", "session", ops)
}

func fireOps(ctx context.Context, st Store, backend, source string, ops []Op) error {
	var errs []error
	for _, op := range ops {
		if err := Apply(ctx, st, op); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.StoreDisconnectOps.WithLabelValues(backend, source).Inc()
	}
	return errors.Join(errs...)
}

func splitClean(p string) []string {
	segs, _ := Split(p)
	return segs
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"presence-chat/internal/metrics"
)

// RedisStore is the Store shared by every server instance. Writes run as Lua
// scripts and publish the changed path; each instance listens on that channel
// and reloads the snapshots of its local subscribers.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	opts   options
	subs   *registry
	pubsub *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisStore subscribes to the change channel before returning so that no
// write issued afterwards is missed.
func NewRedisStore(ctx context.Context, rdb *redis.Client, prefix string, opts ...Option) (*RedisStore, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	s := &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		opts:   buildOptions(opts),
		subs:   newRegistry("redis"),
		ctx:    runCtx,
		cancel: cancel,
	}
	s.pubsub = rdb.Subscribe(ctx, s.changesKey())
	if _, err := s.pubsub.Receive(ctx); err != nil {
		cancel()
		_ = s.pubsub.Close()
		return nil, fmt.Errorf("subscribe to changes: %w", err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.listen()
	}()
	go func() {
		defer s.wg.Done()
		s.reap()
	}()
	return s, nil
}

func (s *RedisStore) indexKey() string { return s.prefix + ":tree:index" }
func (s *RedisStore) valuesKey() string { return s.prefix + ":tree:values" }
func (s *RedisStore) changesKey() string { return s.prefix + ":tree:changes" }
func (s *RedisStore) leaseKey(id string) string { return s.prefix + ":session:" + id }
func (s *RedisStore) opsKey(id string) string { return s.prefix + ":ondisconnect:" + id }

func (s *RedisStore) stamp() string { return Timestamp(s.opts.now()) }

// listen forwards change notifications from Redis to local subscribers.
func (s *RedisStore) listen() {
	ch := s.pubsub.Channel()
	for msg := range ch {
		s.subs.notify(msg.Payload)
	}
}

func (s *RedisStore) Get(ctx context.Context, path string) (Snapshot, error) {
	p, err := Clean(path)
	if err != nil {
		return Snapshot{}, err
	}
	return s.read(ctx, p)
}

func (s *RedisStore) read(ctx context.Context, p string) (Snapshot, error) {
	flat, err := readScript.Run(ctx, s.rdb, []string{s.indexKey(), s.valuesKey()}, p).StringSlice()
	if err != nil && err != redis.Nil {
		return Snapshot{}, err
	}
	leaves := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		leaves[flat[i]] = flat[i+1]
	}
	v, err := unflatten(p, leaves)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: p, Value: v}, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	return s.subs.start(ctx, s.ctx, p, func(ctx context.Context) (Snapshot, error) {
		return s.read(ctx, p)
	}), nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value any) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	v, err := normalize(value, s.stamp())
	if err != nil {
		return err
	}
	if _, ok := v.(map[string]any); p == "" && v != nil && !ok {
		return ErrInvalidValue
	}
	leaves := map[string]string{}
	if err := flatten(p, v, leaves); err != nil {
		return err
	}
	return s.write(ctx, OpSet, []string{p}, leaves)
}

func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := validateOp(UpdateOp(path, fields)); err != nil {
		return err
	}
	now := s.stamp()
	roots := make([]string, 0, len(fields))
	leaves := map[string]string{}
	for k, f := range fields {
		full := Join(path, k)
		v, err := normalize(f, now)
		if err != nil {
			return err
		}
		if err := flatten(full, v, leaves); err != nil {
			return err
		}
		roots = append(roots, full)
	}
	sort.Strings(roots)
	return s.write(ctx, OpUpdate, roots, leaves)
}

func (s *RedisStore) Remove(ctx context.Context, path string) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	return s.write(ctx, OpRemove, []string{p}, nil)
}

func (s *RedisStore) Push(ctx context.Context, path string, value any) (string, error) {
	key := NewKey()
	if err := s.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RedisStore) write(ctx context.Context, kind OpKind, roots []string, leaves map[string]string) error {
	args := make([]any, 0, 1+len(roots)+2*len(leaves))
	args = append(args, len(roots))
	for _, r := range roots {
		args = append(args, r)
	}
	paths := make([]string, 0, len(leaves))
	for p := range leaves {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		args = append(args, p, leaves[p])
	}
	if err := writeScript.Run(ctx, s.rdb, []string{s.indexKey(), s.valuesKey()}, args...).Err(); err != nil {
		metrics.StoreErrors.WithLabelValues("redis", string(kind)).Inc()
		return fmt.Errorf("store %s: %w", kind, err)
	}
	metrics.StoreOps.WithLabelValues("redis", string(kind)).Inc()

	pipe := s.rdb.Pipeline()
	for _, r := range roots {
		pipe.Publish(ctx, s.changesKey(), r)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// The write landed; subscribers catch up on the next change.
		glog.Warningf("[store] publish change: %v", err)
	}
	return nil
}

func (s *RedisStore) Open(ctx context.Context) (Session, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	rs := &redisSession{
		id:    uuid.NewString(),
		st:    s,
		stop:  make(chan struct{}),
		paths: map[string][]string{},
	}
	if err := s.rdb.Set(ctx, s.leaseKey(rs.id), "1", s.opts.lease).Err(); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	go rs.keepalive(s.ctx)
	return rs, nil
}

// reap fires the disconnect ops of sessions whose lease expired, which is what
// remains of connections held by a crashed instance.
func (s *RedisStore) reap() {
	ticker := time.NewTicker(s.opts.lease)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.ReapExpired(s.ctx); err != nil && s.ctx.Err() == nil {
				glog.Warningf("[store] reap sessions: %v", err)
			}
		}
	}
}

// ReapExpired runs one reaper pass.
func (s *RedisStore) ReapExpired(ctx context.Context) error {
	prefix := s.opsKey("")
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), prefix)
		n, err := s.rdb.Exists(ctx, s.leaseKey(id)).Result()
		if err != nil {
			return err
		}
		if n == 1 {
			continue
		}
		ops, err := s.claim(ctx, id)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			continue
		}
		glog.Infof("[store] session %s expired, firing %d disconnect ops", id, len(ops))
		if err := fireOps(ctx, s, "redis", "reaper", ops); err != nil {
			glog.Warningf("[store] disconnect ops for %s: %v", id, err)
		}
	}
	return iter.Err()
}

func (s *RedisStore) claim(ctx context.Context, id string) ([]Op, error) {
	raw, err := claimScript.Run(ctx, s.rdb, []string{s.opsKey(id)}).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	ops := make([]Op, 0, len(raw))
	for _, r := range raw {
		var op Op
		if err := json.Unmarshal([]byte(r), &op); err != nil {
			glog.Warningf("[store] bad disconnect op for %s: %v", id, err)
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *RedisStore) Close() error {
	s.cancel()
	err := s.pubsub.Close()
	s.wg.Wait()
	return err
}

type redisSession struct {
	id   string
	st   *RedisStore
	stop chan struct{}

	mu     sync.Mutex
	closed bool
	paths  map[string][]string // path -> encoded ops registered on it
}

func (rs *redisSession) ID() string { return rs.id }

func (rs *redisSession) Done() <-chan struct{} { return rs.stop }

func (rs *redisSession) keepalive(ctx context.Context) {
	ticker := time.NewTicker(rs.st.opts.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rs.stop:
			return
		case <-ticker.C:
			held, err := rs.st.rdb.Expire(ctx, rs.st.leaseKey(rs.id), rs.st.opts.lease).Result()
			if err != nil {
				glog.Warningf("[store] session %s keepalive: %v", rs.id, err)
				continue
			}
			if !held {
				// a reaper may already have fired the ops; claiming again is safe
				glog.Warningf("[store] session %s lease lost", rs.id)
				if err := rs.Disconnect(ctx); err != nil && ctx.Err() == nil {
					glog.Warningf("[store] session %s disconnect after lease loss: %v", rs.id, err)
				}
				return
			}
		}
	}
}

func (rs *redisSession) OnDisconnect(ctx context.Context, op Op) error {
	if err := validateOp(op); err != nil {
		return err
	}
	p, _ := Clean(op.Path)
	op.Path = p
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return ErrSessionClosed
	}
	pipe := rs.st.rdb.TxPipeline()
	pipe.RPush(ctx, rs.st.opsKey(rs.id), b)
	pipe.Expire(ctx, rs.st.opsKey(rs.id), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register disconnect op: %w", err)
	}
	rs.paths[p] = append(rs.paths[p], string(b))
	return nil
}

func (rs *redisSession) CancelOnDisconnect(ctx context.Context, path string) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	encoded := rs.paths[p]
	if len(encoded) == 0 {
		return nil
	}
	pipe := rs.st.rdb.Pipeline()
	for _, e := range encoded {
		pipe.LRem(ctx, rs.st.opsKey(rs.id), 0, e)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel disconnect ops: %w", err)
	}
	delete(rs.paths, p)
	return nil
}

func (rs *redisSession) Disconnect(ctx context.Context) error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.closed = true
	close(rs.stop)
	rs.mu.Unlock()

	ops, err := rs.st.claim(ctx, rs.id)
	if err != nil {
		return err
	}
	glog.V(1).Infof("[store] session %s lost, firing %d disconnect ops", rs.id, len(ops))
	fireErr := fireOps(ctx, rs.st, "redis", "session", ops)
	if err := rs.st.rdb.Del(ctx, rs.st.leaseKey(rs.id)).Err(); err != nil {
		glog.Warningf("[store] drop lease %s: %v", rs.id, err)
	}
	return fireErr
}

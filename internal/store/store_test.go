package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, opts ...Option) Store

func waitFor(t *testing.T, sub *Subscription, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case snap, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			if pred(snap) {
				return snap
			}
		case <-timeout:
			t.Fatalf("timed out waiting on %q", sub.Path())
		}
	}
}

// runStoreSuite checks the behavior every backend must share.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("set and get", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		type room struct {
			Name     string  `json:"name"`
			Password *string `json:"password"`
		}
		require.NoError(t, st.Set(ctx, "rooms/r1", room{Name: "Lobby"}))

		snap, err := st.Get(ctx, "rooms/r1")
		require.NoError(t, err)
		assert.True(t, snap.Exists())
		assert.Equal(t, "r1", snap.Key())
		assert.Equal(t, map[string]any{"name": "Lobby"}, snap.Value)

		name, err := st.Get(ctx, "/rooms/r1/name/")
		require.NoError(t, err)
		assert.Equal(t, "Lobby", name.Value)

		missing, err := st.Get(ctx, "rooms/none")
		require.NoError(t, err)
		assert.False(t, missing.Exists())
	})

	t.Run("set replaces subtree", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		require.NoError(t, st.Set(ctx, "users/u1", map[string]any{"email": "a@x.com", "online": true}))
		require.NoError(t, st.Set(ctx, "users/u1", map[string]any{"email": "a@x.com"}))

		snap, err := st.Get(ctx, "users/u1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"email": "a@x.com"}, snap.Value)
	})

	t.Run("update merges fields", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		require.NoError(t, st.Set(ctx, "users/u1", map[string]any{"email": "a@x.com", "online": true}))
		require.NoError(t, st.Update(ctx, "users/u1", map[string]any{"online": false, "profile/name": "A"}))

		snap, err := st.Get(ctx, "users/u1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"email":   "a@x.com",
			"online":  false,
			"profile": map[string]any{"name": "A"},
		}, snap.Value)
	})

	t.Run("remove deletes subtree", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		require.NoError(t, st.Set(ctx, "rooms/r1", map[string]any{
			"name":     "Lobby",
			"messages": map[string]any{"m1": map[string]any{"text": "hi"}},
			"members":  map[string]any{"u1": map[string]any{"online": true}},
		}))
		require.NoError(t, st.Set(ctx, "rooms/r2/name", "Other"))
		require.NoError(t, st.Remove(ctx, "rooms/r1"))

		for _, p := range []string{"rooms/r1", "rooms/r1/messages", "rooms/r1/members/u1"} {
			snap, err := st.Get(ctx, p)
			require.NoError(t, err)
			assert.False(t, snap.Exists(), p)
		}
		other, err := st.Get(ctx, "rooms/r2/name")
		require.NoError(t, err)
		assert.Equal(t, "Other", other.Value)
	})

	t.Run("push keys follow insertion order", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		var keys []string
		for i := 0; i < 25; i++ {
			k, err := st.Push(ctx, "rooms/r1/messages", map[string]any{"n": i})
			require.NoError(t, err)
			keys = append(keys, k)
		}
		snap, err := st.Get(ctx, "rooms/r1/messages")
		require.NoError(t, err)
		children := snap.Children()
		require.Len(t, children, 25)
		for i, c := range children {
			assert.Equal(t, keys[i], c.Key())
			assert.Equal(t, float64(i), c.Child("n").Value)
		}
	})

	t.Run("server timestamp", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t, WithClock(func() time.Time { return fixedNow }))
		require.NoError(t, st.Set(ctx, "users/u1", map[string]any{"lastSeen": ServerTimestamp}))
		snap, err := st.Get(ctx, "users/u1/lastSeen")
		require.NoError(t, err)
		assert.Equal(t, "2024-03-01T12:00:00.000Z", snap.Value)
	})

	t.Run("invalid paths", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		assert.ErrorIs(t, st.Set(ctx, "notifications/a.b", true), ErrInvalidPath)
		assert.ErrorIs(t, st.Set(ctx, "rooms//x", true), ErrInvalidPath)
		assert.ErrorIs(t, st.Set(ctx, "rooms/x", map[string]any{"a$b": 1}), ErrInvalidValue)
		_, err := st.Subscribe(ctx, "rooms/[x]")
		assert.ErrorIs(t, err, ErrInvalidPath)
	})

	t.Run("subscribe delivers full snapshots", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		st := newStore(t)
		for i := 0; i < 10; i++ {
			_, err := st.Push(ctx, "rooms/r1/messages", map[string]any{"n": i})
			require.NoError(t, err)
		}
		sub, err := st.Subscribe(ctx, "rooms/r1/messages")
		require.NoError(t, err)
		defer sub.Close()
		first := waitFor(t, sub, func(s Snapshot) bool { return true })
		assert.Len(t, first.Children(), 10)

		for i := 10; i < 30; i++ {
			_, err := st.Push(ctx, "rooms/r1/messages", map[string]any{"n": i})
			require.NoError(t, err)
		}
		last := waitFor(t, sub, func(s Snapshot) bool { return len(s.Children()) == 30 })
		for i, c := range last.Children() {
			assert.Equal(t, float64(i), c.Child("n").Value)
		}

		require.NoError(t, st.Remove(ctx, "rooms/r1"))
		waitFor(t, sub, func(s Snapshot) bool { return !s.Exists() })
	})

	t.Run("subscription ends with its context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		st := newStore(t)
		sub, err := st.Subscribe(ctx, "users")
		require.NoError(t, err)
		waitFor(t, sub, func(Snapshot) bool { return true })
		cancel()
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-sub.C():
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("disconnect fires registered ops once", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t, WithClock(func() time.Time { return fixedNow }))
		require.NoError(t, st.Set(ctx, "users/u1", map[string]any{"online": true}))
		require.NoError(t, st.Set(ctx, "rooms/r1/members/u1", map[string]any{"online": true}))

		sess, err := st.Open(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, sess.ID())
		require.NoError(t, sess.OnDisconnect(ctx, UpdateOp("users/u1", map[string]any{
			"online":   false,
			"lastSeen": ServerTimestamp,
		})))
		require.NoError(t, sess.OnDisconnect(ctx, RemoveOp("rooms/r1/members/u1")))
		require.NoError(t, sess.OnDisconnect(ctx, SetOp("rooms/r1/name", "gone")))
		require.NoError(t, sess.CancelOnDisconnect(ctx, "rooms/r1/name"))

		require.NoError(t, sess.Disconnect(ctx))
		user, err := st.Get(ctx, "users/u1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"online": false, "lastSeen": "2024-03-01T12:00:00.000Z"}, user.Value)
		member, err := st.Get(ctx, "rooms/r1/members/u1")
		require.NoError(t, err)
		assert.False(t, member.Exists())
		name, err := st.Get(ctx, "rooms/r1/name")
		require.NoError(t, err)
		assert.False(t, name.Exists())

		require.NoError(t, st.Set(ctx, "users/u1/online", true))
		require.NoError(t, sess.Disconnect(ctx))
		online, err := st.Get(ctx, "users/u1/online")
		require.NoError(t, err)
		assert.Equal(t, true, online.Value)
		assert.ErrorIs(t, sess.OnDisconnect(ctx, RemoveOp("users/u1")), ErrSessionClosed)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, opts ...Option) Store {
		st := NewMemoryStore(opts...)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"rooms/r1", "rooms/r1", true},
		{"rooms", "rooms/r1/messages/m1", true},
		{"rooms/r1/messages", "rooms/r1", true},
		{"", "users/u1", true},
		{"rooms/r1", "rooms/r10", false},
		{"rooms/r1/messages", "rooms/r1/members", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, overlaps(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	v := map[string]any{
		"name": "Lobby",
		"messages": map[string]any{
			"m1": map[string]any{"text": "hi", "n": float64(1)},
		},
	}
	leaves := map[string]string{}
	require.NoError(t, flatten("rooms/r1", v, leaves))
	assert.Equal(t, `"Lobby"`, leaves["rooms/r1/name"])
	assert.Len(t, leaves, 3)

	got, err := unflatten("rooms/r1", leaves)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	text, err := unflatten("rooms/r1/messages/m1/text", leaves)
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
}

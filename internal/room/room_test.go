package room

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence-chat/internal/keys"
	"presence-chat/internal/notify"
	"presence-chat/internal/store"
	"presence-chat/internal/timeline"
)

var storeNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type spyStore struct {
	store.Store
	pushes atomic.Int32
}

func (s *spyStore) Push(ctx context.Context, path string, value any) (string, error) {
	s.pushes.Add(1)
	return s.Store.Push(ctx, path, value)
}

func newService(t *testing.T, viewerLag time.Duration) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore(store.WithClock(func() time.Time { return storeNow }))
	t.Cleanup(func() { _ = st.Close() })
	svc := NewService(st, notify.NewFanout(st, nil),
		WithClock(func() time.Time { return storeNow.Add(viewerLag) }))
	return svc, st
}

func next[T any](t *testing.T, ch <-chan T, pred func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			require.True(t, ok, "channel closed")
			if pred(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for update")
		}
	}
}

func notificationCount(t *testing.T, st store.Store, handle string) int {
	t.Helper()
	snap, err := st.Get(context.Background(), keys.NotificationBucket(handle))
	require.NoError(t, err)
	return len(snap.Children())
}

func TestBlankTextNeverWrites(t *testing.T) {
	ctx := context.Background()
	spy := &spyStore{Store: store.NewMemoryStore()}
	svc := NewService(spy, nil)

	for _, text := range []string{"", " ", "\t\n"} {
		_, err := svc.Send(ctx, "r1", text, "a@x.com")
		assert.ErrorIs(t, err, timeline.ErrEmptyText)
	}
	assert.Zero(t, spy.pushes.Load())
}

func TestSubscribeReproducesAllMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, _ := newService(t, 0)

	const n = 25
	var ids []string
	for i := 0; i < n; i++ {
		id, err := svc.Send(ctx, "r1", "msg", "a@x.com")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ch, err := svc.SubscribeMessages(ctx, "r1")
	require.NoError(t, err)
	msgs := next(t, ch, func([]timeline.Message) bool { return true })
	require.Len(t, msgs, n)
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID)
	}
}

func TestCreateRoom(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t, 0)

	_, err := svc.CreateRoom(ctx, "  ", "a@x.com", "")
	assert.ErrorIs(t, err, ErrEmptyName)

	open, err := svc.CreateRoom(ctx, "Lobby", "a@x.com", "")
	require.NoError(t, err)
	assert.Equal(t, "Lobby", open.Name)
	assert.False(t, open.HasPassword)
	assert.Equal(t, "2024-03-01T12:00:00.000Z", open.CreatedAt)
	pw, err := st.Get(ctx, store.Join(keys.Room(open.ID), "password"))
	require.NoError(t, err)
	assert.False(t, pw.Exists())

	locked, err := svc.CreateRoom(ctx, "Vault", "a@x.com", "s3cret")
	require.NoError(t, err)
	assert.True(t, locked.HasPassword)
	assert.ErrorIs(t, locked.CheckPassword("nope"), ErrWrongPassword)
	assert.NoError(t, locked.CheckPassword("s3cret"))

	ch, err := svc.SubscribeRooms(ctx)
	require.NoError(t, err)
	rooms := next(t, ch, func(rs []Room) bool { return len(rs) == 2 })
	assert.Equal(t, "Lobby", rooms[0].Name)
	assert.Equal(t, "Vault", rooms[1].Name)
}

func TestEnterWrongPassword(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t, 0)
	r, err := svc.CreateRoom(ctx, "Vault", "a@x.com", "s3cret")
	require.NoError(t, err)
	sess, err := st.Open(ctx)
	require.NoError(t, err)

	_, err = svc.Enter(ctx, sess, r.ID, "guess", Member{UserID: "u2", Handle: "b@x.com"})
	assert.ErrorIs(t, err, ErrWrongPassword)
	members, err := st.Get(ctx, keys.RoomMembers(r.ID))
	require.NoError(t, err)
	assert.False(t, members.Exists())

	_, err = svc.Enter(ctx, sess, "missing", "", Member{UserID: "u2", Handle: "b@x.com"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestMembershipFollowsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, st := newService(t, 0)
	r, err := svc.CreateRoom(ctx, "Lobby", "a@x.com", "")
	require.NoError(t, err)

	ch, err := svc.SubscribeMembers(ctx, r.ID)
	require.NoError(t, err)

	sess, err := st.Open(ctx)
	require.NoError(t, err)
	_, err = svc.Enter(ctx, sess, r.ID, "", Member{UserID: "u2", Handle: "b@x.com", DisplayName: "Bea"})
	require.NoError(t, err)
	members := next(t, ch, func(ms []Member) bool { return len(ms) == 1 })
	assert.Equal(t, Member{UserID: "u2", Handle: "b@x.com", DisplayName: "Bea", Online: true}, members[0])

	require.NoError(t, sess.Disconnect(ctx))
	next(t, ch, func(ms []Member) bool { return len(ms) == 0 })
}

type brokenSession struct {
	store.Session
}

func (brokenSession) OnDisconnect(context.Context, store.Op) error {
	return errors.New("i/o timeout")
}

func TestEnterWithoutTriggerLeavesNoMembership(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t, 0)
	r, err := svc.CreateRoom(ctx, "Lobby", "a@x.com", "")
	require.NoError(t, err)
	inner, err := st.Open(ctx)
	require.NoError(t, err)
	sess := brokenSession{Session: inner}

	_, err = svc.Enter(ctx, sess, r.ID, "", Member{UserID: "u2", Handle: "b@x.com"})
	require.Error(t, err)
	require.NoError(t, sess.Disconnect(ctx))

	snap, err := st.Get(ctx, keys.RoomMember(r.ID, "u2"))
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestLeaveCancelsTrigger(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t, 0)
	r, err := svc.CreateRoom(ctx, "Lobby", "a@x.com", "")
	require.NoError(t, err)
	sess, err := st.Open(ctx)
	require.NoError(t, err)

	_, err = svc.Enter(ctx, sess, r.ID, "", Member{UserID: "u2", Handle: "b@x.com"})
	require.NoError(t, err)
	require.NoError(t, svc.Leave(ctx, sess, r.ID, "u2"))

	// another tab writes the same membership; the old trigger must not remove it
	require.NoError(t, st.Set(ctx, keys.RoomMember(r.ID, "u2"), map[string]any{"handle": "b@x.com", "online": true}))
	require.NoError(t, sess.Disconnect(ctx))
	snap, err := st.Get(ctx, keys.RoomMember(r.ID, "u2"))
	require.NoError(t, err)
	assert.True(t, snap.Exists())
}

func TestDeleteRoomCascades(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, st := newService(t, 0)
	r, err := svc.CreateRoom(ctx, "Lobby", "a@x.com", "")
	require.NoError(t, err)
	sess, err := st.Open(ctx)
	require.NoError(t, err)
	_, err = svc.Enter(ctx, sess, r.ID, "", Member{UserID: "u2", Handle: "b@x.com"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, r.ID, "hi", "b@x.com")
	require.NoError(t, err)

	msgs, err := svc.SubscribeMessages(ctx, r.ID)
	require.NoError(t, err)
	next(t, msgs, func(ms []timeline.Message) bool { return len(ms) == 1 })
	events, err := svc.Watch(ctx, r.ID)
	require.NoError(t, err)
	next(t, events, func(e Event) bool { return !e.Gone })

	assert.ErrorIs(t, svc.DeleteRoom(ctx, r.ID, "b@x.com"), ErrNotRoomOwner)
	require.NoError(t, svc.DeleteRoom(ctx, r.ID, "a@x.com"))

	next(t, msgs, func(ms []timeline.Message) bool { return len(ms) == 0 })
	next(t, events, func(e Event) bool { return e.Gone })
	snap, err := st.Get(ctx, keys.Room(r.ID))
	require.NoError(t, err)
	assert.False(t, snap.Exists())

	assert.ErrorIs(t, svc.DeleteRoom(ctx, r.ID, "a@x.com"), ErrRoomNotFound)
}

func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t, 0)
	id, err := svc.Send(ctx, "r1", "oops", "a@x.com")
	require.NoError(t, err)
	_, err = svc.Send(ctx, "r1", "keep", "a@x.com")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteMessage(ctx, "r1", id))
	snap, err := st.Get(ctx, keys.RoomMessages("r1"))
	require.NoError(t, err)
	msgs := timeline.FromSnapshot(snap)
	require.Len(t, msgs, 1)
	assert.Equal(t, "keep", msgs[0].Text)
}

func TestLobbyScenario(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, st := newService(t, 0)

	lobby, err := svc.CreateRoom(ctx, "Lobby", "a@x.com", "")
	require.NoError(t, err)

	aMsgs, err := svc.Observe(ctx, lobby.ID, "a@x.com")
	require.NoError(t, err)
	aMembers, err := svc.SubscribeMembers(ctx, lobby.ID)
	require.NoError(t, err)

	bSess, err := st.Open(ctx)
	require.NoError(t, err)
	_, err = svc.Enter(ctx, bSess, lobby.ID, "", Member{UserID: "u2", Handle: "b@x.com"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, lobby.ID, "hi", "b@x.com")
	require.NoError(t, err)

	msgs := next(t, aMsgs, func(ms []timeline.Message) bool { return len(ms) == 1 })
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "b@x.com", msgs[0].Sender)

	members := next(t, aMembers, func(ms []Member) bool { return len(ms) == 1 })
	assert.Equal(t, "b@x.com", members[0].Handle)
}

func TestObserveNotifiesViewerOfFreshMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, st := newService(t, 500*time.Millisecond)
	lobby, err := svc.CreateRoom(ctx, "Lobby", "a@x.com", "")
	require.NoError(t, err)

	ch, err := svc.Observe(ctx, lobby.ID, "a@x.com")
	require.NoError(t, err)
	next(t, ch, func(ms []timeline.Message) bool { return len(ms) == 0 })

	_, err = svc.Send(ctx, lobby.ID, "hi", "b@x.com")
	require.NoError(t, err)
	next(t, ch, func(ms []timeline.Message) bool { return len(ms) == 1 })
	_, err = svc.Send(ctx, lobby.ID, "mine", "a@x.com")
	require.NoError(t, err)
	next(t, ch, func(ms []timeline.Message) bool { return len(ms) == 2 })

	require.Equal(t, 1, notificationCount(t, st, "a@x.com"))
	snap, err := st.Get(ctx, keys.NotificationBucket("a@x.com"))
	require.NoError(t, err)
	inbox := notify.InboxFromSnapshot(snap)
	assert.Equal(t, notify.TypeMessage, inbox.Items[0].Type)
	assert.Equal(t, "b@x.com", inbox.Items[0].Sender)
	assert.Equal(t, lobby.ID, inbox.Items[0].RoomID)
	assert.Equal(t, "Lobby", inbox.Items[0].RoomName)
	assert.Zero(t, notificationCount(t, st, "b@x.com"))
}

func TestObserveIgnoresStaleMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, st := newService(t, 5*time.Second)

	_, err := svc.Send(ctx, "r1", "old", "b@x.com")
	require.NoError(t, err)
	ch, err := svc.Observe(ctx, "r1", "a@x.com")
	require.NoError(t, err)
	next(t, ch, func(ms []timeline.Message) bool { return len(ms) == 1 })

	_, err = svc.Send(ctx, "r1", "also old", "b@x.com")
	require.NoError(t, err)
	next(t, ch, func(ms []timeline.Message) bool { return len(ms) == 2 })
	assert.Zero(t, notificationCount(t, st, "a@x.com"))
}

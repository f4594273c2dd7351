package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence-chat/internal/presence"
	"presence-chat/internal/room"
	"presence-chat/internal/store"
)

func TestSearch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := presence.NewTracker(st)
	require.NoError(t, tr.Create(ctx, "u1", "alice@x.com", ""))
	require.NoError(t, tr.Create(ctx, "u2", "Alan@y.org", ""))
	require.NoError(t, tr.Create(ctx, "u3", "bob@x.com", ""))

	rooms := room.NewService(st, nil)
	_, err := rooms.CreateRoom(ctx, "General", "alice@x.com", "")
	require.NoError(t, err)
	_, err = rooms.CreateRoom(ctx, "Random", "bob@x.com", "pw")
	require.NoError(t, err)

	s := New(st)

	t.Run("users exclude self", func(t *testing.T) {
		users, err := s.Users(ctx, "AL", "alice@x.com")
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "Alan@y.org", users[0].Email)
	})

	t.Run("rooms by name", func(t *testing.T) {
		rs, err := s.Rooms(ctx, "ran")
		require.NoError(t, err)
		require.Len(t, rs, 1)
		assert.Equal(t, "Random", rs[0].Name)
		assert.True(t, rs[0].HasPassword)
	})

	t.Run("all", func(t *testing.T) {
		res, err := s.All(ctx, "x.com", "bob@x.com")
		require.NoError(t, err)
		require.Len(t, res.Users, 1)
		assert.Equal(t, "alice@x.com", res.Users[0].Email)
		assert.Empty(t, res.Rooms)
	})

	t.Run("blank query", func(t *testing.T) {
		res, err := s.All(ctx, "  ", "bob@x.com")
		require.NoError(t, err)
		assert.Empty(t, res.Users)
		assert.Empty(t, res.Rooms)
	})
}

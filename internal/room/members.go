package room

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"presence-chat/internal/keys"
	"presence-chat/internal/store"
)

// Member is a user currently viewing a room. It says nothing about whether
// the user is online elsewhere.
type Member struct {
	UserID      string `json:"userId"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
	Online      bool   `json:"online"`
}

func MembersFromSnapshot(snap store.Snapshot) []Member {
	children := snap.Children()
	out := make([]Member, 0, len(children))
	for _, c := range children {
		var m Member
		if err := c.Decode(&m); err != nil {
			continue
		}
		m.UserID = c.Key()
		out = append(out, m)
	}
	return out
}

// Enter checks the room password, writes the membership and arranges for it
// to be removed if sess is lost before Leave.
func (s *Service) Enter(ctx context.Context, sess store.Session, roomID, password string, m Member) (Room, error) {
	r, err := s.Get(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	if err := r.CheckPassword(password); err != nil {
		return Room{}, err
	}

	path := keys.RoomMember(roomID, m.UserID)
	rec := map[string]any{"handle": m.Handle, "online": true}
	if m.DisplayName != "" {
		rec["displayName"] = m.DisplayName
	}
	if err := s.st.Set(ctx, path, rec); err != nil {
		return Room{}, fmt.Errorf("enter room %s: %w", roomID, err)
	}
	if err := sess.OnDisconnect(ctx, store.RemoveOp(path)); err != nil {
		if rerr := s.st.Remove(context.WithoutCancel(ctx), path); rerr != nil {
			glog.Errorf("[room] drop membership %s after failed enter: %v", path, rerr)
		}
		return Room{}, fmt.Errorf("enter room %s: %w", roomID, err)
	}
	glog.V(1).Infof("[room] %s entered %s", m.Handle, roomID)
	return r, nil
}

// Leave removes the membership and its disconnect trigger.
func (s *Service) Leave(ctx context.Context, sess store.Session, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return fmt.Errorf("%w: empty member id", store.ErrInvalidPath)
	}
	path := keys.RoomMember(roomID, userID)
	if err := s.st.Remove(ctx, path); err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	return sess.CancelOnDisconnect(ctx, path)
}

func (s *Service) SubscribeMembers(ctx context.Context, roomID string) (<-chan []Member, error) {
	return store.Watch(ctx, s.st, keys.RoomMembers(roomID), MembersFromSnapshot)
}

package room

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"presence-chat/internal/keys"
	"presence-chat/internal/notify"
	"presence-chat/internal/store"
	"presence-chat/internal/timeline"
)

// Send appends a message stamped by the store. Blank text never reaches
// the store.
func (s *Service) Send(ctx context.Context, roomID, text, sender string) (string, error) {
	if err := timeline.ValidateText(text); err != nil {
		return "", err
	}
	if roomID == "" {
		return "", ErrRoomNotFound
	}
	id, err := s.st.Push(ctx, keys.RoomMessages(roomID), timeline.Draft(text, sender))
	if err != nil {
		return "", fmt.Errorf("send to room %s: %w", roomID, err)
	}
	return id, nil
}

// DeleteMessage hard-deletes one message. Sender ownership is not checked.
func (s *Service) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	if roomID == "" || messageID == "" {
		return fmt.Errorf("%w: empty message id", store.ErrInvalidPath)
	}
	return s.st.Remove(ctx, keys.RoomMessage(roomID, messageID))
}

// SubscribeMessages streams the room log in key order, which is the order
// messages were pushed.
func (s *Service) SubscribeMessages(ctx context.Context, roomID string) (<-chan []timeline.Message, error) {
	return store.Watch(ctx, s.st, keys.RoomMessages(roomID), timeline.FromSnapshot)
}

// Observe is SubscribeMessages for a viewer. Every newly seen message by
// someone else that is still fresh raises one message notification. The
// notification goes to the viewer's own bucket, naming the author as sender.
func (s *Service) Observe(ctx context.Context, roomID, viewer string) (<-chan []timeline.Message, error) {
	roomName := ""
	if r, err := s.Get(ctx, roomID); err == nil {
		roomName = r.Name
	}
	seen := timeline.NewSeen()
	return store.Watch(ctx, s.st, keys.RoomMessages(roomID), func(snap store.Snapshot) []timeline.Message {
		msgs := timeline.FromSnapshot(snap)
		now := s.now()
		for _, m := range msgs {
			if !seen.Add(m.ID) || m.Sender == viewer || s.fanout == nil {
				continue
			}
			ts := m.Time()
			if ts.IsZero() || now.Sub(ts) > s.freshness {
				continue
			}
			_, err := s.fanout.Notify(ctx, viewer, notify.Payload{
				Type:     notify.TypeMessage,
				Sender:   m.Sender,
				RoomID:   roomID,
				RoomName: roomName,
			})
			if err != nil {
				glog.Warningf("[room] notify %s of %s: %v", viewer, m.ID, err)
			}
		}
		seen.Retain(msgs)
		return msgs
	})
}

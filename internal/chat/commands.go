package chat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/golang/glog"

	"presence-chat/internal/keys"
	"presence-chat/internal/notify"
	"presence-chat/internal/presence"
	"presence-chat/internal/room"
	"presence-chat/internal/timeline"
)

const roomWatchPrefix = "room:"

func roomWatch(roomID string) string { return roomWatchPrefix + roomID }

func dmWatch(with string) string { return "dm:" + with }

func (s *Session) memberPath(roomID string) string { return keys.RoomMember(roomID, s.userID) }

func (s *Session) watchRooms(ctx context.Context, ref string, _ json.RawMessage) error {
	err := s.startWatch(ctx, "rooms", func(ctx context.Context) error {
		ch, err := s.svc.Rooms.SubscribeRooms(ctx)
		if err != nil {
			return err
		}
		forward(s, ch, "rooms", same[[]room.Room])
		return nil
	})
	if err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

func (s *Session) createRoom(ctx context.Context, ref string, payload json.RawMessage) error {
	var req roomCreate
	if err := decode(payload, &req); err != nil {
		return err
	}
	r, err := s.svc.Rooms.CreateRoom(ctx, req.Name, s.email, req.Password)
	if err != nil {
		return err
	}
	s.ack(ref, r)
	return nil
}

// enterRoom checks the password, writes the membership and starts the
// message, member and room-record watches for the room.
func (s *Session) enterRoom(ctx context.Context, ref string, payload json.RawMessage) error {
	var req roomEnter
	if err := decode(payload, &req); err != nil {
		return err
	}
	member := room.Member{UserID: s.userID, Handle: s.email}
	if u, ok, err := s.svc.Presence.Get(ctx, s.userID); err == nil && ok {
		member.DisplayName = u.DisplayName
	}
	r, err := s.svc.Rooms.Enter(ctx, s.sess, req.RoomID, req.Password, member)
	if err != nil {
		return err
	}
	roomID := req.RoomID
	err = s.startWatch(ctx, roomWatch(roomID), func(ctx context.Context) error {
		msgs, err := s.svc.Rooms.Observe(ctx, roomID, s.email)
		if err != nil {
			return err
		}
		members, err := s.svc.Rooms.SubscribeMembers(ctx, roomID)
		if err != nil {
			return err
		}
		events, err := s.svc.Rooms.Watch(ctx, roomID)
		if err != nil {
			return err
		}
		forward(s, msgs, "room.messages", func(ms []timeline.Message) any {
			return roomMessages{RoomID: roomID, Messages: ms}
		})
		forward(s, members, "room.members", func(ms []room.Member) any {
			return roomMembers{RoomID: roomID, Members: ms}
		})
		go s.followRoom(roomID, events)
		return nil
	})
	if err != nil {
		_ = s.svc.Rooms.Leave(context.Background(), s.sess, roomID, s.userID)
		return err
	}
	s.ack(ref, r)
	return nil
}

// followRoom redirects the viewer once the room disappears.
func (s *Session) followRoom(roomID string, events <-chan room.Event) {
	for ev := range events {
		if !ev.Gone {
			continue
		}
		glog.V(1).Infof("[gateway] room %s gone under %s", roomID, s.email)
		s.stopWatch(roomWatch(roomID))
		if err := s.sess.CancelOnDisconnect(context.Background(), s.memberPath(roomID)); err != nil {
			glog.Warningf("[gateway] cancel membership trigger %s: %v", roomID, err)
		}
		s.emit(outFrame{Type: "room.gone", Payload: roomRef{RoomID: roomID}})
		return
	}
}

func (s *Session) leaveRoom(ctx context.Context, ref string, payload json.RawMessage) error {
	var req roomRef
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := s.leave(ctx, req.RoomID); err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

// leave stops the room view and drops the membership with its trigger.
func (s *Session) leave(ctx context.Context, roomID string) error {
	s.stopWatch(roomWatch(roomID))
	return s.svc.Rooms.Leave(ctx, s.sess, roomID, s.userID)
}

func (s *Session) sendRoom(ctx context.Context, ref string, payload json.RawMessage) error {
	var req roomSend
	if err := decode(payload, &req); err != nil {
		return err
	}
	id, err := s.svc.Rooms.Send(ctx, req.RoomID, req.Text, s.email)
	if err != nil {
		return err
	}
	s.ack(ref, idPayload{ID: id})
	return nil
}

func (s *Session) deleteRoomMessage(ctx context.Context, ref string, payload json.RawMessage) error {
	var req roomMessageRef
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := s.svc.Rooms.DeleteMessage(ctx, req.RoomID, req.MessageID); err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

func (s *Session) deleteRoom(ctx context.Context, ref string, payload json.RawMessage) error {
	var req roomRef
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := s.svc.Rooms.DeleteRoom(ctx, req.RoomID, s.email); err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

func (s *Session) watchUsers(ctx context.Context, ref string, _ json.RawMessage) error {
	err := s.startWatch(ctx, "users", func(ctx context.Context) error {
		ch, err := s.svc.Presence.SubscribeUsers(ctx)
		if err != nil {
			return err
		}
		forward(s, ch, "users", same[[]presence.User])
		return nil
	})
	if err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

func (s *Session) updateProfile(ctx context.Context, ref string, payload json.RawMessage) error {
	var req profileUpdate
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := s.svc.Presence.UpdateDisplayName(ctx, s.userID, req.DisplayName); err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

func (s *Session) watchContacts(ctx context.Context, ref string, _ json.RawMessage) error {
	err := s.startWatch(ctx, "dm.contacts", func(ctx context.Context) error {
		ch, err := s.svc.Direct.SubscribeContacts(ctx, s.email)
		if err != nil {
			return err
		}
		forward(s, ch, "dm.contacts", same[[]presence.User])
		return nil
	})
	if err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

func (s *Session) openDirect(ctx context.Context, ref string, payload json.RawMessage) error {
	var req dmRef
	if err := decode(payload, &req); err != nil {
		return err
	}
	with := req.With
	err := s.startWatch(ctx, dmWatch(with), func(ctx context.Context) error {
		ch, err := s.svc.Direct.SubscribeMessages(ctx, s.email, with)
		if err != nil {
			return err
		}
		forward(s, ch, "dm.messages", func(ms []timeline.Message) any {
			return dmMessages{With: with, Messages: ms}
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

func (s *Session) closeDirect(_ context.Context, ref string, payload json.RawMessage) error {
	var req dmRef
	if err := decode(payload, &req); err != nil {
		return err
	}
	s.stopWatch(dmWatch(req.With))
	s.ack(ref, nil)
	return nil
}

func (s *Session) sendDirect(ctx context.Context, ref string, payload json.RawMessage) error {
	var req dmSend
	if err := decode(payload, &req); err != nil {
		return err
	}
	id, err := s.svc.Direct.Send(ctx, s.email, req.With, req.Text)
	if err != nil {
		return err
	}
	s.ack(ref, idPayload{ID: id})
	return nil
}

func (s *Session) invite(ctx context.Context, ref string, payload json.RawMessage) error {
	var req inviteCmd
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := s.svc.Fanout.Invite(ctx, s.email, req.To); err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

func (s *Session) watchNotifications(ctx context.Context, ref string, _ json.RawMessage) error {
	err := s.startWatch(ctx, "notifications", func(ctx context.Context) error {
		ch, err := s.svc.Fanout.Subscribe(ctx, s.email)
		if err != nil {
			return err
		}
		forward(s, ch, "notifications", same[notify.Inbox])
		return nil
	})
	if err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

func (s *Session) clearNotification(ctx context.Context, ref string, payload json.RawMessage) error {
	var req notificationRef
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := s.svc.Fanout.ClearOne(ctx, s.email, req.ID); err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

func (s *Session) clearNotifications(ctx context.Context, ref string, _ json.RawMessage) error {
	if err := s.svc.Fanout.ClearAll(ctx, s.email); err != nil {
		return err
	}
	s.ack(ref, nil)
	return nil
}

func (s *Session) search(ctx context.Context, ref string, payload json.RawMessage) error {
	var req searchCmd
	if err := decode(payload, &req); err != nil {
		return err
	}
	res, err := s.svc.Search.All(ctx, req.Q, s.email)
	if err != nil {
		return err
	}
	s.emit(outFrame{Type: "search.results", Ref: ref, Payload: res})
	return nil
}

func (s *Session) unwatch(ctx context.Context, ref string, payload json.RawMessage) error {
	var req unwatchCmd
	if err := decode(payload, &req); err != nil {
		return err
	}
	// a room view owns a membership, which goes with it
	if roomID, ok := strings.CutPrefix(req.Watch, roomWatchPrefix); ok {
		if err := s.leave(ctx, roomID); err != nil {
			return err
		}
	} else {
		s.stopWatch(req.Watch)
	}
	s.ack(ref, nil)
	return nil
}

// Package room implements chat rooms: the room directory, each room's
// message log and its live member list.
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"

	"presence-chat/internal/keys"
	"presence-chat/internal/notify"
	"presence-chat/internal/store"
)

var (
	ErrEmptyName     = errors.New("room name is empty")
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotRoomOwner  = errors.New("only the room creator can delete it")
	ErrWrongPassword = errors.New("wrong room password")
)

type Room struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CreatedBy   string `json:"createdBy"`
	HasPassword bool   `json:"hasPassword"`
	CreatedAt   string `json:"createdAt"`

	password string
}

type record struct {
	Name        string `json:"name"`
	CreatedBy   string `json:"createdBy"`
	HasPassword bool   `json:"hasPassword"`
	Password    string `json:"password"`
	CreatedAt   string `json:"createdAt"`
}

// CheckPassword compares the plaintext room password.
func (r Room) CheckPassword(password string) error {
	if r.HasPassword && password != r.password {
		return ErrWrongPassword
	}
	return nil
}

func decodeRoom(snap store.Snapshot) (Room, bool) {
	var rec record
	if !snap.Exists() || snap.Decode(&rec) != nil || rec.Name == "" {
		return Room{}, false
	}
	return Room{
		ID:          snap.Key(),
		Name:        rec.Name,
		CreatedBy:   rec.CreatedBy,
		HasPassword: rec.HasPassword,
		CreatedAt:   rec.CreatedAt,
		password:    rec.Password,
	}, true
}

func RoomsFromSnapshot(snap store.Snapshot) []Room {
	children := snap.Children()
	out := make([]Room, 0, len(children))
	for _, c := range children {
		if r, ok := decodeRoom(c); ok {
			out = append(out, r)
		}
	}
	return out
}

type Service struct {
	st        store.Store
	fanout    *notify.Fanout
	now       func() time.Time
	freshness time.Duration
}

type Option func(*Service)

// WithClock sets the clock the message freshness window is measured on.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithFreshness sets how old a message may be and still raise a notification.
func WithFreshness(d time.Duration) Option {
	return func(s *Service) { s.freshness = d }
}

func NewService(st store.Store, fanout *notify.Fanout, opts ...Option) *Service {
	s := &Service{
		st:        st,
		fanout:    fanout,
		now:       time.Now,
		freshness: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateRoom(ctx context.Context, name, creator, password string) (Room, error) {
	if strings.TrimSpace(name) == "" {
		return Room{}, ErrEmptyName
	}
	rec := map[string]any{
		"name":        name,
		"createdBy":   creator,
		"hasPassword": password != "",
		"createdAt":   store.ServerTimestamp,
	}
	if password != "" {
		rec["password"] = password
	}
	id, err := s.st.Push(ctx, keys.Rooms, rec)
	if err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	glog.Infof("[room] %s created %q (%s)", creator, name, id)
	return s.Get(ctx, id)
}

func (s *Service) Get(ctx context.Context, roomID string) (Room, error) {
	if roomID == "" {
		return Room{}, ErrRoomNotFound
	}
	snap, err := s.st.Get(ctx, keys.Room(roomID))
	if err != nil {
		return Room{}, err
	}
	r, ok := decodeRoom(snap)
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return r, nil
}

// SubscribeRooms streams the room directory until ctx ends.
func (s *Service) SubscribeRooms(ctx context.Context) (<-chan []Room, error) {
	return store.Watch(ctx, s.st, keys.Rooms, RoomsFromSnapshot)
}

// Event is one state of a watched room. Gone is set once the room no longer
// exists.
type Event struct {
	Room Room
	Gone bool
}

// Watch streams the room record so viewers learn when it is deleted.
func (s *Service) Watch(ctx context.Context, roomID string) (<-chan Event, error) {
	return store.Watch(ctx, s.st, keys.Room(roomID), func(snap store.Snapshot) Event {
		r, ok := decodeRoom(snap)
		return Event{Room: r, Gone: !ok}
	})
}

// DeleteRoom removes the room with its messages and members in one write.
func (s *Service) DeleteRoom(ctx context.Context, roomID, caller string) error {
	r, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if r.CreatedBy != caller {
		return ErrNotRoomOwner
	}
	if err := s.st.Remove(ctx, keys.Room(roomID)); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	glog.Infof("[room] %s deleted %s", caller, roomID)
	return nil
}

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"presence-chat/internal/direct"
	"presence-chat/internal/notify"
	"presence-chat/internal/presence"
	"presence-chat/internal/room"
	"presence-chat/internal/search"
	"presence-chat/internal/store"
	"presence-chat/internal/telemetry"
	"presence-chat/internal/timeline"
)

// Services are the chat components a session drives.
type Services struct {
	Store    store.Store
	Presence *presence.Tracker
	Rooms    *room.Service
	Direct   *direct.Service
	Fanout   *notify.Fanout
	Search   *search.Searcher
}

var errBadPayload = errors.New("malformed payload")

// Session is the per-connection controller. Commands come in through
// Handle; component output channels are forwarded as frames through emit.
type Session struct {
	svc    Services
	userID string
	email  string
	emit   func(outFrame)
	hangup func()

	sess store.Session

	mu      sync.Mutex
	watches map[string]context.CancelFunc
	closed  bool
}

// NewSession returns a controller sending frames through emit. hangup closes
// the connection; it is called if the store drops the session first.
func NewSession(svc Services, userID, email string, emit func(outFrame), hangup func()) *Session {
	return &Session{
		svc:     svc,
		userID:  userID,
		email:   email,
		emit:    emit,
		hangup:  hangup,
		watches: map[string]context.CancelFunc{},
	}
}

// Start opens the store connection and marks the user online.
func (s *Session) Start(ctx context.Context) error {
	sess, err := s.svc.Store.Open(ctx)
	if err != nil {
		return err
	}
	s.sess = sess
	if err := s.svc.Presence.Connect(ctx, sess, s.userID, s.email); err != nil {
		_ = sess.Disconnect(context.Background())
		return err
	}
	glog.Infof("[gateway] %s connected (session %s)", s.email, sess.ID())
	go func() {
		<-sess.Done()
		// the store already fired the disconnect ops
		s.hangup()
	}()
	return nil
}

// Close stops every watch and drops the store connection, which fires the
// presence and membership disconnect writes.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for name, cancel := range s.watches {
		cancel()
		delete(s.watches, name)
	}
	s.mu.Unlock()

	if s.sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.sess.Disconnect(ctx); err != nil {
		glog.Errorf("[gateway] disconnect %s: %v", s.email, err)
	}
	glog.Infof("[gateway] %s disconnected", s.email)
}

type handlerFunc func(s *Session, ctx context.Context, ref string, payload json.RawMessage) error

var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		"rooms.watch":             (*Session).watchRooms,
		"room.create":             (*Session).createRoom,
		"room.enter":              (*Session).enterRoom,
		"room.leave":              (*Session).leaveRoom,
		"room.send":               (*Session).sendRoom,
		"room.delete_message":     (*Session).deleteRoomMessage,
		"room.delete":             (*Session).deleteRoom,
		"users.watch":             (*Session).watchUsers,
		"profile.update":          (*Session).updateProfile,
		"dm.contacts.watch":       (*Session).watchContacts,
		"dm.open":                 (*Session).openDirect,
		"dm.close":                (*Session).closeDirect,
		"dm.send":                 (*Session).sendDirect,
		"invite":                  (*Session).invite,
		"notifications.watch":     (*Session).watchNotifications,
		"notification.clear":      (*Session).clearNotification,
		"notifications.clear_all": (*Session).clearNotifications,
		"search":                  (*Session).search,
		"unwatch":                 (*Session).unwatch,
	}
}

// Handle runs one command. It reports true when the connection should close.
func (s *Session) Handle(ctx context.Context, f Frame) bool {
	if f.Type == "logout" {
		s.stopAll()
		s.ack(f.Ref, nil)
		return true
	}
	h, ok := handlers[f.Type]
	if !ok {
		s.fail(f.Ref, "unknown_command", errors.New("unknown command "+f.Type))
		return false
	}

	ctx, span := telemetry.Tracer().Start(ctx, "ws."+f.Type)
	span.SetAttributes(attribute.String("chat.user", s.email))
	defer span.End()

	if err := h(s, ctx, f.Ref, f.Payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(f.Ref, errorCode(err), err)
	}
	return false
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadPayload):
		return "bad_payload"
	case errors.Is(err, timeline.ErrEmptyText):
		return "empty_text"
	case errors.Is(err, room.ErrEmptyName), errors.Is(err, presence.ErrEmptyName):
		return "empty_name"
	case errors.Is(err, room.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, room.ErrNotRoomOwner):
		return "not_room_owner"
	case errors.Is(err, room.ErrWrongPassword):
		return "wrong_password"
	case errors.Is(err, store.ErrInvalidPath), errors.Is(err, store.ErrInvalidValue):
		return "invalid_key"
	default:
		return "store_error"
	}
}

func (s *Session) ack(ref string, payload any) {
	s.emit(outFrame{Type: "ack", Ref: ref, Payload: payload})
}

func (s *Session) fail(ref, code string, err error) {
	if code == "store_error" {
		glog.Warningf("[gateway] %s: %v", s.email, err)
	}
	s.emit(outFrame{Type: "error", Ref: ref, Payload: errorPayload{Code: code, Message: err.Error()}})
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return errBadPayload
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Join(errBadPayload, err)
	}
	return nil
}

// startWatch runs fn under a context owned by name, replacing any previous
// watch with that name.
func (s *Session) startWatch(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrSessionClosed
	}
	if cancel, ok := s.watches[name]; ok {
		cancel()
	}
	wctx, cancel := context.WithCancel(ctx)
	s.watches[name] = cancel
	s.mu.Unlock()

	if err := fn(wctx); err != nil {
		s.stopWatch(name)
		return err
	}
	return nil
}

func (s *Session) stopWatch(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.watches[name]; ok {
		cancel()
		delete(s.watches, name)
	}
}

func (s *Session) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, cancel := range s.watches {
		cancel()
		delete(s.watches, name)
	}
}

// forward emits every value of ch as a frame of type typ until ch closes.
func forward[T any](s *Session, ch <-chan T, typ string, wrap func(T) any) {
	go func() {
		for v := range ch {
			s.emit(outFrame{Type: typ, Payload: wrap(v)})
		}
	}()
}

func same[T any](v T) any { return v }

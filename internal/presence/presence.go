// Package presence keeps each user's online flag and last-seen time in the
// store and serves the user directory.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/glog"

	"presence-chat/internal/keys"
	"presence-chat/internal/store"
)

var ErrEmptyName = errors.New("display name is empty")

type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Online      bool   `json:"online"`
	LastSeen    string `json:"lastSeen"`
}

type Tracker struct {
	st store.Store
}

func NewTracker(st store.Store) *Tracker {
	return &Tracker{st: st}
}

// Create writes the record of a freshly signed-up user. The user is offline
// until a session connects.
func (t *Tracker) Create(ctx context.Context, id, email, displayName string) error {
	rec := map[string]any{
		"email":    email,
		"online":   false,
		"lastSeen": store.ServerTimestamp,
	}
	if displayName != "" {
		rec["displayName"] = displayName
	}
	return t.st.Set(ctx, keys.User(id), rec)
}

// Connect marks the user online for sess and registers the write that marks
// them offline when sess is lost. Logging out does not go through here; only
// the connection loss flips the flag back.
func (t *Tracker) Connect(ctx context.Context, sess store.Session, id, email string) error {
	path := keys.User(id)
	err := t.st.Update(ctx, path, map[string]any{
		"email":    email,
		"online":   true,
		"lastSeen": store.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("presence connect %s: %w", id, err)
	}

	offline := store.UpdateOp(path, map[string]any{
		"online":   false,
		"lastSeen": store.ServerTimestamp,
	})
	if err := sess.OnDisconnect(ctx, offline); err != nil {
		// no trigger in place, so nothing else will ever mark the user offline
		if aerr := store.Apply(context.WithoutCancel(ctx), t.st, offline); aerr != nil {
			glog.Errorf("[presence] mark %s offline after failed connect: %v", id, aerr)
		}
		if errors.Is(err, store.ErrSessionClosed) {
			return nil
		}
		return fmt.Errorf("presence register %s: %w", id, err)
	}
	glog.V(1).Infof("[presence] %s online (session %s)", email, sess.ID())
	return nil
}

func (t *Tracker) UpdateDisplayName(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	return t.st.Update(ctx, keys.User(id), map[string]any{"displayName": name})
}

func (t *Tracker) Get(ctx context.Context, id string) (User, bool, error) {
	snap, err := t.st.Get(ctx, keys.User(id))
	if err != nil || !snap.Exists() {
		return User{}, false, err
	}
	var u User
	if err := snap.Decode(&u); err != nil {
		return User{}, false, err
	}
	u.ID = id
	return u, true, nil
}

// List reads the user directory once.
func (t *Tracker) List(ctx context.Context) ([]User, error) {
	snap, err := t.st.Get(ctx, keys.Users)
	if err != nil {
		return nil, err
	}
	return UsersFromSnapshot(snap), nil
}

// SubscribeUsers streams the whole user directory until ctx ends.
func (t *Tracker) SubscribeUsers(ctx context.Context) (<-chan []User, error) {
	return store.Watch(ctx, t.st, keys.Users, UsersFromSnapshot)
}

func UsersFromSnapshot(snap store.Snapshot) []User {
	children := snap.Children()
	out := make([]User, 0, len(children))
	for _, c := range children {
		var u User
		if err := c.Decode(&u); err != nil {
			glog.Warningf("[presence] skip %s: %v", c.Path, err)
			continue
		}
		u.ID = c.Key()
		out = append(out, u)
	}
	return out
}

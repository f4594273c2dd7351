// Package direct implements one-to-one message channels between users who
// have invited each other at least once.
package direct

import (
	"context"
	"fmt"

	"presence-chat/internal/keys"
	"presence-chat/internal/notify"
	"presence-chat/internal/presence"
	"presence-chat/internal/store"
	"presence-chat/internal/timeline"
)

type Service struct {
	st store.Store
}

func NewService(st store.Store) *Service {
	return &Service{st: st}
}

// EligibleContacts keeps the users other than self that share at least one
// invitation with self, in either direction.
func EligibleContacts(self string, users []presence.User, inv notify.Invites) []presence.User {
	var out []presence.User
	for _, u := range users {
		if u.Email == "" || u.Email == self {
			continue
		}
		if inv.Between(self, u.Email) {
			out = append(out, u)
		}
	}
	return out
}

// SubscribeContacts streams self's eligible contacts, recomputed whenever the
// user directory or the invitation tree changes.
func (s *Service) SubscribeContacts(ctx context.Context, self string) (<-chan []presence.User, error) {
	ctx, cancel := context.WithCancel(ctx)
	users, err := store.Watch(ctx, s.st, keys.Users, presence.UsersFromSnapshot)
	if err != nil {
		cancel()
		return nil, err
	}
	invites, err := store.Watch(ctx, s.st, keys.Invites, notify.InvitesFromSnapshot)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan []presence.User)
	go func() {
		defer close(out)
		defer cancel()
		var (
			us           []presence.User
			inv          notify.Invites
			haveU, haveI bool
		)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-users:
				if !ok {
					return
				}
				us, haveU = v, true
			case v, ok := <-invites:
				if !ok {
					return
				}
				inv, haveI = v, true
			}
			if !haveU || !haveI {
				continue
			}
			select {
			case out <- EligibleContacts(self, us, inv):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SubscribeMessages streams the channel shared by self and other, sorted by
// timestamp on every update.
func (s *Service) SubscribeMessages(ctx context.Context, self, other string) (<-chan []timeline.Message, error) {
	return store.Watch(ctx, s.st, keys.DirectMessages(keys.ChannelID(self, other)), func(snap store.Snapshot) []timeline.Message {
		msgs := timeline.FromSnapshot(snap)
		timeline.SortByTime(msgs)
		return msgs
	})
}

func (s *Service) Send(ctx context.Context, self, other, text string) (string, error) {
	if err := timeline.ValidateText(text); err != nil {
		return "", err
	}
	id, err := s.st.Push(ctx, keys.DirectMessages(keys.ChannelID(self, other)), timeline.Draft(text, self))
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", other, err)
	}
	return id, nil
}

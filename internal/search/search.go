// Package search runs one-shot lookups over the user and room directories.
package search

import (
	"context"
	"strings"

	"presence-chat/internal/keys"
	"presence-chat/internal/presence"
	"presence-chat/internal/room"
	"presence-chat/internal/store"
)

type Results struct {
	Users []presence.User `json:"users"`
	Rooms []room.Room     `json:"rooms"`
}

type Searcher struct {
	st store.Store
}

func New(st store.Store) *Searcher {
	return &Searcher{st: st}
}

// Users matches q case-insensitively against email handles, leaving out self.
func (s *Searcher) Users(ctx context.Context, q, self string) ([]presence.User, error) {
	snap, err := s.st.Get(ctx, keys.Users)
	if err != nil {
		return nil, err
	}
	q = strings.ToLower(q)
	var out []presence.User
	for _, u := range presence.UsersFromSnapshot(snap) {
		if u.Email != self && strings.Contains(strings.ToLower(u.Email), q) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Rooms matches q case-insensitively against room names.
func (s *Searcher) Rooms(ctx context.Context, q string) ([]room.Room, error) {
	snap, err := s.st.Get(ctx, keys.Rooms)
	if err != nil {
		return nil, err
	}
	q = strings.ToLower(q)
	var out []room.Room
	for _, r := range room.RoomsFromSnapshot(snap) {
		if strings.Contains(strings.ToLower(r.Name), q) {
			out = append(out, r)
		}
	}
	return out, nil
}

// All runs both searches. A blank query finds nothing.
func (s *Searcher) All(ctx context.Context, q, self string) (Results, error) {
	var res Results
	if strings.TrimSpace(q) == "" {
		return res, nil
	}
	var err error
	if res.Users, err = s.Users(ctx, q, self); err != nil {
		return res, err
	}
	res.Rooms, err = s.Rooms(ctx, q)
	return res, err
}

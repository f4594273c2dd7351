// Package notify records direct-message invitations and per-recipient
// notifications, and serves each recipient's inbox.
package notify

import (
	"context"
	"fmt"
	"sort"

	"github.com/golang/glog"

	"presence-chat/internal/keys"
	"presence-chat/internal/metrics"
	"presence-chat/internal/store"
)

type Type string

const (
	TypeMessage Type = "message"
	TypeInvite  Type = "invite"
)

type Notification struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	Sender    string `json:"sender"`
	RoomID    string `json:"roomId,omitempty"`
	RoomName  string `json:"roomName,omitempty"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
}

// Payload is what a caller supplies for a new notification. The store
// stamps the timestamp and read is always false.
type Payload struct {
	Type     Type
	Sender   string
	RoomID   string
	RoomName string
}

type Invitation struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
}

// Inbox is a recipient's notifications, newest first.
type Inbox struct {
	Items  []Notification `json:"items"`
	Unread int            `json:"unread"`
}

// Sink receives every notification after it is stored.
type Sink interface {
	Publish(ctx context.Context, recipient string, n Notification) error
}

type Fanout struct {
	st   store.Store
	sink Sink
}

// NewFanout returns a Fanout writing to st. sink may be nil.
func NewFanout(st store.Store, sink Sink) *Fanout {
	return &Fanout{st: st, sink: sink}
}

// Notify appends one notification to the recipient's bucket.
func (f *Fanout) Notify(ctx context.Context, recipient string, p Payload) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: empty recipient", store.ErrInvalidPath)
	}
	value := map[string]any{
		"type":      string(p.Type),
		"sender":    p.Sender,
		"timestamp": store.ServerTimestamp,
		"read":      false,
	}
	if p.RoomID != "" {
		value["roomId"] = p.RoomID
	}
	if p.RoomName != "" {
		value["roomName"] = p.RoomName
	}
	id, err := f.st.Push(ctx, keys.NotificationBucket(recipient), value)
	if err != nil {
		return "", fmt.Errorf("notify %s: %w", recipient, err)
	}
	metrics.Notifications.WithLabelValues(string(p.Type)).Inc()
	glog.V(1).Infof("[notify] %s -> %s (%s)", p.Sender, recipient, p.Type)

	if f.sink != nil {
		n := Notification{
			ID:       id,
			Type:     p.Type,
			Sender:   p.Sender,
			RoomID:   p.RoomID,
			RoomName: p.RoomName,
		}
		if snap, err := f.st.Get(ctx, keys.Notification(recipient, id)); err == nil {
			_ = snap.Decode(&n)
			n.ID = id
		}
		if err := f.sink.Publish(ctx, recipient, n); err != nil {
			glog.Warningf("[notify] sink publish %s: %v", id, err)
		}
	}
	return id, nil
}

// Invite notifies the recipient and records one more invitation from the
// sender. Repeated invites accumulate.
func (f *Fanout) Invite(ctx context.Context, from, to string) error {
	if _, err := f.Notify(ctx, to, Payload{Type: TypeInvite, Sender: from}); err != nil {
		return err
	}
	_, err := f.st.Push(ctx, keys.InviteBucket(to), map[string]any{
		"from":      from,
		"timestamp": store.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("invite %s -> %s: %w", from, to, err)
	}
	return nil
}

func (f *Fanout) ClearOne(ctx context.Context, recipient, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty notification id", store.ErrInvalidPath)
	}
	return f.st.Remove(ctx, keys.Notification(recipient, id))
}

func (f *Fanout) ClearAll(ctx context.Context, recipient string) error {
	return f.st.Remove(ctx, keys.NotificationBucket(recipient))
}

// Subscribe streams the recipient's inbox until ctx ends.
func (f *Fanout) Subscribe(ctx context.Context, recipient string) (<-chan Inbox, error) {
	return store.Watch(ctx, f.st, keys.NotificationBucket(recipient), InboxFromSnapshot)
}

func InboxFromSnapshot(snap store.Snapshot) Inbox {
	var in Inbox
	for _, c := range snap.Children() {
		var n Notification
		if err := c.Decode(&n); err != nil {
			glog.Warningf("[notify] skip %s: %v", c.Path, err)
			continue
		}
		n.ID = c.Key()
		in.Items = append(in.Items, n)
		if !n.Read {
			in.Unread++
		}
	}
	sort.SliceStable(in.Items, func(i, j int) bool {
		return in.Items[i].Timestamp > in.Items[j].Timestamp
	})
	return in
}

// Invites maps each recipient key to the invitations stored for it.
type Invites map[string][]Invitation

// InvitesFromSnapshot decodes the whole invitation tree.
func InvitesFromSnapshot(snap store.Snapshot) Invites {
	out := Invites{}
	for _, bucket := range snap.Children() {
		for _, c := range bucket.Children() {
			var inv Invitation
			if err := c.Decode(&inv); err != nil {
				continue
			}
			inv.ID = c.Key()
			out[bucket.Key()] = append(out[bucket.Key()], inv)
		}
	}
	return out
}

// Between reports whether either handle has invited the other.
func (inv Invites) Between(a, b string) bool {
	return inv.from(keys.RecipientKey(a), b) || inv.from(keys.RecipientKey(b), a)
}

func (inv Invites) from(bucket, sender string) bool {
	for _, i := range inv[bucket] {
		if i.From == sender {
			return true
		}
	}
	return false
}

// Package timeline decodes message logs from store snapshots and keeps them
// in display order.
package timeline

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"

	"presence-chat/internal/store"
)

var ErrEmptyText = errors.New("message text is empty")

type Message struct {
	ID        string `json:"-"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

// Time parses the message timestamp. Unparseable timestamps are the zero time.
func (m Message) Time() time.Time {
	t, err := store.ParseTimestamp(m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ValidateText rejects text that is empty once whitespace is trimmed.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	return nil
}

// Draft is the value written for a new message.
func Draft(text, sender string) map[string]any {
	return map[string]any{
		"text":      text,
		"sender":    sender,
		"timestamp": store.ServerTimestamp,
	}
}

// FromSnapshot decodes every child of a message log in key order. Children
// that do not decode are skipped.
func FromSnapshot(snap store.Snapshot) []Message {
	children := snap.Children()
	out := make([]Message, 0, len(children))
	for _, c := range children {
		var m Message
		if err := c.Decode(&m); err != nil {
			glog.Warningf("[timeline] skip %s: %v", c.Path, err)
			continue
		}
		m.ID = c.Key()
		out = append(out, m)
	}
	return out
}

// SortByTime orders messages by timestamp ascending, falling back to id so
// equal timestamps always come out the same way.
func SortByTime(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, tj := msgs[i].Time(), msgs[j].Time()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// Seen remembers ids that were already observed.
type Seen struct {
	ids map[string]struct{}
}

func NewSeen() *Seen { return &Seen{ids: map[string]struct{}{}} }

// Add reports whether id is new, and records it.
func (s *Seen) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Retain forgets ids not present in keep, so memory follows deletions.
func (s *Seen) Retain(keep []Message) {
	live := make(map[string]struct{}, len(keep))
	for _, m := range keep {
		live[m.ID] = struct{}{}
	}
	for id := range s.ids {
		if _, ok := live[id]; !ok {
			delete(s.ids, id)
		}
	}
}

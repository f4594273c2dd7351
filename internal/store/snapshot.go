package store

import (
	"encoding/json"
	"sort"
	"time"
)

// TimeLayout is the ISO-8601 form used for every timestamp in the store.
// It sorts lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t the way the store stamps ServerTimestamp.
func Timestamp(t time.Time) string { return t.UTC().Format(TimeLayout) }

// ParseTimestamp accepts the store layout and any RFC 3339 variant.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Snapshot is the full value of a subtree at the time it was read.
type Snapshot struct {
	Path  string
	Value any
}

func (s Snapshot) Exists() bool { return s.Value != nil }

func (s Snapshot) Key() string { return Base(s.Path) }

// Children returns the child snapshots in lexical key order. A leaf or
// missing value has no children.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, Snapshot{Path: Join(s.Path, k), Value: m[k]})
	}
	return out
}

func (s Snapshot) Child(key string) Snapshot {
	m, _ := s.Value.(map[string]any)
	return Snapshot{Path: Join(s.Path, key), Value: m[key]}
}

// Decode unmarshals the snapshot value into v.
func (s Snapshot) Decode(v any) error {
	b, err := json.Marshal(s.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

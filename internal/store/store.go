// Package store is the shared, tree-structured key-value store every chat
// component reads from and writes to. Values are JSON trees addressed by
// slash-separated paths; subscribers receive the full subtree on every change.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidPath   = errors.New("store: invalid path")
	ErrInvalidValue  = errors.New("store: invalid value")
	ErrSessionClosed = errors.New("store: session closed")
	ErrClosed        = errors.New("store: closed")
)

// ServerTimestamp is replaced by the write time wherever it appears in a
// written value, including values of disconnect operations.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

type OpKind string

const (
	OpSet    OpKind = "set"
	OpUpdate OpKind = "update"
	OpRemove OpKind = "remove"
)

// Op is a write that can be registered ahead of time on a Session.
type Op struct {
	Kind   OpKind         `json:"kind"`
	Path   string         `json:"path"`
	Value  any            `json:"value,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

func SetOp(path string, value any) Op { return Op{Kind: OpSet, Path: path, Value: value} }

func UpdateOp(path string, fields map[string]any) Op {
	return Op{Kind: OpUpdate, Path: path, Fields: fields}
}

func RemoveOp(path string) Op { return Op{Kind: OpRemove, Path: path} }

type Store interface {
	// Get reads the current value under path once.
	Get(ctx context.Context, path string) (Snapshot, error)
	// Subscribe delivers the current snapshot of path immediately and a fresh
	// one after every change under it. Intermediate states may be skipped.
	Subscribe(ctx context.Context, path string) (*Subscription, error)
	// Set replaces the subtree at path. A nil value removes it.
	Set(ctx context.Context, path string, value any) error
	// Update writes each field relative to path. Field keys may contain '/'.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Remove deletes the whole subtree at path as one operation.
	Remove(ctx context.Context, path string) error
	// Push writes value under a new store-generated child key of path.
	// Keys sort lexically in creation order.
	Push(ctx context.Context, path string, value any) (string, error)
	// Open starts a client connection whose loss fires its registered
	// disconnect operations.
	Open(ctx context.Context) (Session, error)
	Close() error
}

// Session is one client connection to the store.
type Session interface {
	ID() string
	// OnDisconnect registers op to run when the connection is lost.
	OnDisconnect(ctx context.Context, op Op) error
	// CancelOnDisconnect drops every registered operation on path.
	CancelOnDisconnect(ctx context.Context, path string) error
	// Disconnect marks the connection lost. Registered operations fire
	// exactly once; later calls are no-ops.
	Disconnect(ctx context.Context) error
	// Done is closed once the connection is lost, whether through Disconnect
	// or because the store gave up on it. The owner should then hang up.
	Done() <-chan struct{}
}

// Apply runs op against st.
func Apply(ctx context.Context, st Store, op Op) error {
	switch op.Kind {
	case OpSet:
		return st.Set(ctx, op.Path, op.Value)
	case OpUpdate:
		return st.Update(ctx, op.Path, op.Fields)
	case OpRemove:
		return st.Remove(ctx, op.Path)
	default:
		return fmt.Errorf("store: unknown op kind %q", op.Kind)
	}
}

func validateOp(op Op) error {
	if _, err := Split(op.Path); err != nil {
		return err
	}
	switch op.Kind {
	case OpSet, OpRemove:
		return nil
	case OpUpdate:
		for k := range op.Fields {
			if _, err := Split(k); err != nil || k == "" {
				return fmt.Errorf("%w: update field %q", ErrInvalidPath, k)
			}
		}
		return nil
	default:
		return fmt.Errorf("store: unknown op kind %q", op.Kind)
	}
}

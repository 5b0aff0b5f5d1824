// Package store provides the persistent key-value primitive the cache writes
// through to. Values are opaque byte slices grouped into namespaces; the only
// guarantee beyond durability is single-key atomicity (plus all-or-nothing
// batches via Apply and read-modify-write via Update).
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// OpKind distinguishes batch operations.
type OpKind int

// Batch operation kinds.
const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one write in a batch passed to Apply.
type Op struct {
	Kind      OpKind
	Namespace string
	Key       string
	Value     []byte // ignored for OpDelete
}

// UpdateFunc computes a new value from the current one.
type UpdateFunc func(old []byte, ok bool) ([]byte, error)

// KV is the persistent storage contract. Implementations must be safe for
// concurrent use.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	ListKeys(ctx context.Context, namespace string) ([]string, error)
	Apply(ctx context.Context, ops []Op) error
	// Update replaces the value under (namespace, key) with fn's result,
	// atomically with respect to other writers of the same store. fn sees
	// the current value (ok false when absent) and is called once.
	Update(ctx context.Context, namespace, key string, fn UpdateFunc) error
	Compact(ctx context.Context) error
	Close() error
}

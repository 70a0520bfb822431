// Package kv is a small key-value store abstraction used for the embedding
// cache and for persisting retrieval indexes. Keys are path segments joined
// with ':' when encoded.
package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Key is a hierarchical path, e.g. Key{"index", "openstax", "rows"}.
type Key []string

func (k Key) String() string { return strings.Join(k, ":") }

func (k Key) encode() []byte { return []byte(k.String()) }

// Entry is a key-value pair used by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is implemented by Memory and Badger.
type Store interface {
	// Get returns ErrNotFound if key is not present.
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key Key) error
	// BatchSet stores all entries atomically.
	BatchSet(ctx context.Context, entries []Entry) error
	Close() error
}

package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("store is closed")
)

// ChangeEvent reports a write to the shared store.
type ChangeEvent struct {
	Key     string
	Value   []byte
	Deleted bool
}

// KV is the persistent key/value store shared by all peers of a
// coordination domain.
type KV interface {
	// Get returns the value stored under key. Missing keys return ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set overwrites the value stored under key (last writer wins).
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Watch streams change notifications until ctx is done, at which point
	// the channel is closed. Backends may or may not echo the caller's own
	// writes; consumers must tolerate both.
	Watch(ctx context.Context) (<-chan ChangeEvent, error)

	// Close releases the backend connection.
	Close() error
}

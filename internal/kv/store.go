// Package kv provides the key-value store abstraction the transport layer
// uses for idempotency records. The interface is deliberately small: get,
// set with TTL, and an atomic set-if-absent. Production uses Redis; tests
// and local mode use the in-memory implementation.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is an injected key-value store. Values are opaque bytes; callers own
// serialization.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes the value only if the key is absent, atomically.
	// Returns true if the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

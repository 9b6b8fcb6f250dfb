// Package store defines the shared state store capability used by every
// coordination component. The store's atomic per-key operations are the only
// synchronization point between workers; there is no in-process task table.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers with a safe fallback (e.g. demo-mode enqueue) degrade on it
// instead of failing.
var ErrUnavailable = errors.New("store: unavailable")

// Store is the capability interface over a low-latency key-value store with
// per-key expiration. Implementations: RedisStore (production) and
// MemoryStore (tests, demo fallback).
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes key without expiration.
	Set(ctx context.Context, key, value string) error
	// SetWithTTL writes key with an expiration.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes key with an expiration only if it does not already
	// exist. Returns true if the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns all keys matching a glob-style pattern (e.g. "heartbeat:*").
	Keys(ctx context.Context, pattern string) ([]string, error)
	// TTL returns the remaining lifetime of key, 0 when the key has no
	// expiration, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}

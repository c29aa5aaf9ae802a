// Package session manages server-side sessions and the token blacklist in a
// key-value store with per-key expiry.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means the store could not answer (connection failure or timeout).
	// Callers must treat it as a denial, never as "not found".
	ErrUnavailable = errors.New("session: store unavailable")
	// ErrNotFound means the key is absent or expired.
	ErrNotFound = errors.New("session: not found")
)

// Store is the subset of Redis semantics the manager needs. Each call is atomic per key.
type Store interface {
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Expire resets the TTL of an existing key. It returns ErrNotFound when the key is gone.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

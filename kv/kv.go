package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("kv: backend unavailable")
	// ErrConflict is returned when an Update loses its optimistic race too many times.
	ErrConflict = errors.New("kv: concurrent update conflict")
)

// UpdateFunc receives the current value of a key and returns its replacement.
// Returning a nil slice deletes the key. Returning an error aborts the update
// and propagates the error unchanged.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the pluggable backing store for all ephemeral security state:
// cache entries, rate-limit counters, MFA challenges, sessions, and refresh
// token records.
//
// All methods are safe for concurrent use. A ttl of zero or less means no
// expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// Update applies fn to the current value of key under an atomicity
	// guarantee: no two concurrent Updates of the same key can both apply.
	// The key's remaining TTL is preserved. Returns ErrNotFound when the key
	// does not exist.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by reads of a missing or expired key.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrUnavailable wraps every backend failure. Callers treat it as transient.
	ErrUnavailable = errors.New("kvstore: backend unavailable")
	// ErrNotInteger is returned by Incr when the key holds a non-numeric value.
	ErrNotInteger = errors.New("kvstore: value is not an integer")
)

// Store is the set of atomic primitives the auth core needs from its backing store.
//
// A ttl of zero means "no expiry" everywhere it is accepted.
type Store interface {
	// Incr increments key by one. When the increment creates the key, ttl is applied in the
	// same atomic step (fixed-window semantics). It returns the new count and the remaining
	// lifetime of the key (zero when the key has no expiry).
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, remaining time.Duration, err error)
	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key does not exist and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value at key with next only when it currently equals
	// expected. The key's remaining lifetime is preserved. A missing key returns ErrNotFound.
	CompareAndSwap(ctx context.Context, key, expected, next string) (bool, error)
	// Expire sets a new lifetime on an existing key and reports whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime of key, zero when it never expires, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Del removes keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
}

// Package onetime keeps short-lived secrets that can be taken exactly once.
package onetime

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the key was never stored, already taken, or expired.
	ErrNotFound = errors.New("onetime.not_found")
	// ErrInvalidTTL is returned when Put receives a non-positive lifetime.
	ErrInvalidTTL = errors.New("onetime.invalid_ttl")
	// ErrEmptyKey is returned for blank keys.
	ErrEmptyKey = errors.New("onetime.empty_key")
)

// Store persists values that expire after a TTL and are removed when taken.
type Store interface {
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Take atomically reads and deletes the value.
	Take(ctx context.Context, key string) ([]byte, error)
	// Peek reads the value and leaves it in place.
	Peek(ctx context.Context, key string) ([]byte, error)
}

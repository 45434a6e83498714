// Package store provides the durable key-value storage backing session
// actors, including the single wake-up alarm slot each session owns.
// Keys are namespaced per session; values are JSON blobs written whole.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors for storage operations.
var (
	// ErrNotFound is returned when a key doesn't exist.
	ErrNotFound = errors.New("key not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Store abstracts durable per-session state.
// Implementations must be safe for concurrent use across sessions;
// within a session the actor serializes all calls.
type Store interface {
	// Get retrieves the value for a key within a session's namespace.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, sessionID, key string) ([]byte, error)

	// Put writes a value with no expiry.
	Put(ctx context.Context, sessionID, key string, value []byte) error

	// PutTTL writes a value that expires after ttl of inactivity.
	PutTTL(ctx context.Context, sessionID, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, sessionID, key string) error

	// SetAlarm records the session's wake-up time. A session has at most
	// one alarm; setting a new one replaces any previously set time.
	SetAlarm(ctx context.Context, sessionID string, at time.Time) error

	// Alarm returns the session's pending wake-up time.
	// Returns ErrNotFound if no alarm is set.
	Alarm(ctx context.Context, sessionID string) (time.Time, error)

	// ClearAlarm removes the session's pending wake-up.
	ClearAlarm(ctx context.Context, sessionID string) error

	// Close releases any resources held by the store.
	Close() error
}

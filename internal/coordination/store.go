// Package coordination provides the shared key/value store the fleet uses
// for instance records, agent assignments, and cached session state.
//
// Values are opaque byte blobs. Every entry carries a TTL, and SetNX is the
// atomic set-if-absent primitive that backs single-winner agent assignment.
package coordination

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the key does not exist or has expired.
	ErrNotFound = errors.New("key not found")

	// ErrStoreUnavailable indicates the backing store could not be
	// reached. Callers that make ownership decisions must fail closed
	// on this error.
	ErrStoreUnavailable = errors.New("coordination store unavailable")
)

// Store is the coordination/cache store protocol. Implementations must be
// safe for concurrent use by every instance and agent in the fleet.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes key with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes key only if it does not already exist. Returns true
	// if this call won the write.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// DeletePrefix removes every key with the given prefix and returns
	// the number of keys removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Close releases any underlying resources.
	Close() error
}

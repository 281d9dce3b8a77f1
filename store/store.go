// Package store defines the byte-store abstraction used when a cell
// mirrors its published pair or a sequence checkpoints its counter.
//
// Implementations MUST be byte-for-byte transparent: Get must return
// exactly the same []byte that was previously passed to Set for a key
// (no prepended/appended metadata, no re-encoding, no mutation). If a
// store performs internal transforms (e.g. compression), they MUST be
// fully reversed before returning.
//
// The keyspaces "cell:<ns>" and "seq:<ns>" are owned by memocell.
// Foreign writes under these keys may be treated as corruption by the
// strict wire-format validation and deleted.
package store

import (
	"context"
	"time"
)

// Store is a minimal byte store with TTLs. Must be safe for concurrent use.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (ttl <= 0 means no expiry where
	// the backend supports it). Returns ok=false when the store rejected
	// the write under pressure.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

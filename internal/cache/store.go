// Package cache provides a cache-aside layer over pluggable key/value stores.
package cache

import (
	"context"
	"time"
)

// Store is a key/value backend with per-entry expiry.
type Store interface {
	// Get returns the value stored under key. Missing and expired entries
	// report found=false with a nil error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key, replacing any previous entry. A ttl of 0
	// keeps the entry until it is overwritten or deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the backend.
	Close() error
}

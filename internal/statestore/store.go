// Package statestore provides the key/value stores conversation state lives in.
package statestore

import (
	"context"
	"time"
)

// Store is a string key/value store with per-entry expiry.
type Store interface {
	// Get returns the value for key. ok is false when the key is missing or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set writes value under key. A ttl of zero uses the store's default.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes key. Removing a missing key is not an error.
	Del(ctx context.Context, key string) error
}

// Swapper is implemented by stores that can replace a value atomically.
type Swapper interface {
	// CompareAndSwap writes next only if the current value equals prev.
	// It reports whether the write happened.
	CompareAndSwap(ctx context.Context, key, prev, next string, ttl time.Duration) (bool, error)
}

// Package checkpoint defines the opaque execution-state store keyed by session
// ID. The execution controller only asks whether a checkpoint exists; reading
// and writing blobs is the business of the reasoning loop that owns them.
package checkpoint

import (
	"context"
	"errors"
)

// Store persists opaque checkpoint blobs.
type Store interface {
	// Exists reports whether a checkpoint is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Get returns the blob stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores blob under key, replacing any previous value.
	Put(ctx context.Context, key string, blob []byte) error
	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

var (
	// ErrNotFound indicates no checkpoint is stored under the key.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrKeyRequired is returned when a store receives an empty key.
	ErrKeyRequired = errors.New("checkpoint key is required")
)

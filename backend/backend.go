// Package backend provides byte storage for the content cache.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for byte storage. Implementations must be
// safe for concurrent use, and writes must be atomic: a reader never
// observes a partially-written key.
type Backend interface {
	// Write stores data at the given key, overwriting any existing data.
	// The data only becomes visible to readers once the write completes.
	Write(ctx context.Context, key string, r io.Reader) error

	// Open retrieves data at the given key for reading and seeking. Range
	// serving depends on the returned reader being seekable.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned reader.
	Open(ctx context.Context, key string) (io.ReadSeekCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix, using "/" as the path
	// separator.
	List(ctx context.Context, prefix string) ([]string, error)

	// Size returns the stored size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

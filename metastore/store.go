// Package metastore provides per-identity durable storage of video records
// using bbolt. Each identity gets its own database file; a Registry owns the
// mapping from identity to live handle.
package metastore

import (
	"context"
	"time"

	havencache "github.com/havenlabs/haven-cache"
)

// Store is the per-identity metadata store contract.
type Store interface {
	// Get retrieves a record by id. Returns havencache.ErrNotFound if the
	// record does not exist.
	Get(ctx context.Context, id string) (*havencache.VideoRecord, error)

	// GetAll returns every record in the store.
	GetAll(ctx context.Context) ([]*havencache.VideoRecord, error)

	// Put stores a record, overwriting any existing record with the same id.
	Put(ctx context.Context, rec *havencache.VideoRecord) error

	// Delete removes a record. Deleting a missing record is a no-op.
	Delete(ctx context.Context, id string) error

	// Count returns the number of records in the store.
	Count(ctx context.Context) (int, error)

	// GetMeta and PutMeta access store-level bookkeeping values such as the
	// last full sync time.
	GetMeta(ctx context.Context, key string) (string, error)
	PutMeta(ctx context.Context, key, value string) error

	// Purge removes all records and bookkeeping but keeps the schema.
	Purge(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}

// Store-level bookkeeping keys.
const (
	MetaKeySchemaVersion = "schema_version"
	MetaKeyLastFullSync  = "last_full_sync"
)

// Passthrough is the degraded store installed when platform storage is
// unavailable: writes no-op, reads always miss. The cache then behaves as if
// nothing were ever cached, fetching fresh on every access.
type Passthrough struct{}

func (Passthrough) Get(context.Context, string) (*havencache.VideoRecord, error) {
	return nil, havencache.ErrNotFound
}

func (Passthrough) GetAll(context.Context) ([]*havencache.VideoRecord, error) { return nil, nil }

func (Passthrough) Put(context.Context, *havencache.VideoRecord) error { return nil }

func (Passthrough) Delete(context.Context, string) error { return nil }

func (Passthrough) Count(context.Context) (int, error) { return 0, nil }

func (Passthrough) GetMeta(context.Context, string) (string, error) {
	return "", havencache.ErrNotFound
}

func (Passthrough) PutMeta(context.Context, string, string) error { return nil }

func (Passthrough) Purge(context.Context) error { return nil }

func (Passthrough) Close() error { return nil }

// ParseMetaTime parses a bookkeeping timestamp value written by
// FormatMetaTime. Returns the zero time for missing or malformed values.
func ParseMetaTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatMetaTime formats a timestamp for storage in the metadata table.
func FormatMetaTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

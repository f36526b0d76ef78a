package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	havencache "github.com/havenlabs/haven-cache"
)

// CurrentSchemaVersion is the schema version written on first open.
// Version history:
//
//	1: videos + metadata buckets, records without content_status
//	2: records carry content_status; migration backfills "not-cached"
const CurrentSchemaVersion = 2

// Bucket names. Two logical tables per identity database: videos keyed by
// record id, metadata keyed by bookkeeping key.
var (
	bucketVideos   = []byte("videos")
	bucketMetadata = []byte("metadata")
)

// Bolt is a per-identity metadata store backed by a single bbolt file.
type Bolt struct {
	db       *bbolt.DB
	identity string
	logger   *slog.Logger
	now      func() time.Time
	noSync   bool
}

// BoltOption configures a Bolt store.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Use only for testing or benchmarking.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens (creating if needed) the database file for one identity.
// The first-ever open creates the schema; reopening an existing file runs
// any pending non-destructive migration. This is the only mutating side
// effect of open.
func OpenBolt(path, identity string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{
		identity: identity,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", havencache.ErrStorageUnavailable, path, err)
	}
	b.db = db

	if err := b.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	b.logger.Debug("opened metadata store", "identity", identity, "path", path)
	return b, nil
}

// ensureSchema creates the buckets, stamps the schema version on first open,
// and migrates older databases in place. Migration never drops records.
func (b *Bolt) ensureSchema() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		videos, err := tx.CreateBucketIfNotExists(bucketVideos)
		if err != nil {
			return fmt.Errorf("creating videos bucket: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMetadata)
		if err != nil {
			return fmt.Errorf("creating metadata bucket: %w", err)
		}

		raw := meta.Get([]byte(MetaKeySchemaVersion))
		if raw == nil {
			// First open for this identity.
			return meta.Put([]byte(MetaKeySchemaVersion), []byte(strconv.Itoa(CurrentSchemaVersion)))
		}

		version, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("parsing schema version %q: %w", raw, err)
		}
		switch {
		case version == CurrentSchemaVersion:
			return nil
		case version > CurrentSchemaVersion:
			return fmt.Errorf("store schema version %d is newer than supported %d", version, CurrentSchemaVersion)
		}

		if version < 2 {
			if err := migrateV1toV2(videos); err != nil {
				return fmt.Errorf("migrating schema v1 to v2: %w", err)
			}
		}
		b.logger.Info("migrated metadata store", "identity", b.identity, "from", version, "to", CurrentSchemaVersion)
		return meta.Put([]byte(MetaKeySchemaVersion), []byte(strconv.Itoa(CurrentSchemaVersion)))
	})
}

// migrateV1toV2 backfills content_status on records written before the
// content cache projection existed. Existing records are preserved.
func migrateV1toV2(videos *bbolt.Bucket) error {
	cursor := videos.Cursor()
	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		var rec havencache.VideoRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			// Leave records we cannot parse untouched rather than lose them.
			continue
		}
		if rec.ContentStatus != "" {
			continue
		}
		rec.ContentStatus = havencache.ContentNotCached
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling record %s: %w", rec.ID, err)
		}
		if err := videos.Put(k, data); err != nil {
			return fmt.Errorf("rewriting record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Identity returns the identity this store is scoped to.
func (b *Bolt) Identity() string {
	return b.identity
}

// Close closes the database and releases resources.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadata store", "identity", b.identity)
	err := b.db.Close()
	b.db = nil
	return err
}

// Get retrieves a record by id.
func (b *Bolt) Get(_ context.Context, id string) (*havencache.VideoRecord, error) {
	var rec havencache.VideoRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketVideos).Get([]byte(id))
		if val == nil {
			return havencache.ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAll returns every record in the store.
func (b *Bolt) GetAll(_ context.Context) ([]*havencache.VideoRecord, error) {
	var records []*havencache.VideoRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVideos).ForEach(func(_, v []byte) error {
			var rec havencache.VideoRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

// Put stores a record keyed by its id.
func (b *Bolt) Put(_ context.Context, rec *havencache.VideoRecord) error {
	if rec.ID == "" {
		return &havencache.RecordError{Reason: "missing id"}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record %s: %w", rec.ID, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVideos).Put([]byte(rec.ID), data)
	})
}

// Delete removes a record. Missing records are a no-op.
func (b *Bolt) Delete(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVideos).Delete([]byte(id))
	})
}

// Count returns the number of records.
func (b *Bolt) Count(_ context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketVideos).Stats().KeyN
		return nil
	})
	return n, err
}

// GetMeta retrieves a bookkeeping value.
func (b *Bolt) GetMeta(_ context.Context, key string) (string, error) {
	var value string
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketMetadata).Get([]byte(key))
		if val == nil {
			return havencache.ErrNotFound
		}
		value = string(val)
		return nil
	})
	return value, err
}

// PutMeta stores a bookkeeping value.
func (b *Bolt) PutMeta(_ context.Context, key, value string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put([]byte(key), []byte(value))
	})
}

// Purge removes all records and bookkeeping except the schema version.
func (b *Bolt) Purge(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketVideos); err != nil {
			return fmt.Errorf("dropping videos bucket: %w", err)
		}
		if _, err := tx.CreateBucket(bucketVideos); err != nil {
			return fmt.Errorf("recreating videos bucket: %w", err)
		}
		meta := tx.Bucket(bucketMetadata)
		cursor := meta.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if string(k) == MetaKeySchemaVersion {
				continue
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting metadata key %s: %w", k, err)
			}
		}
		return nil
	})
}

// Compile-time interface check
var _ Store = (*Bolt)(nil)

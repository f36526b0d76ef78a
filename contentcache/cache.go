package contentcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	havencache "github.com/havenlabs/haven-cache"
	"github.com/havenlabs/haven-cache/backend"
)

// contentPrefix is the storage namespace for cache entries, one directory
// per identity beneath it.
const contentPrefix = "content"

// Cache is the durable byte cache for one identity's decrypted payloads.
// Entries are always complete: a payload is framed, hashed and installed
// atomically, so concurrent readers never observe partial data and same-id
// writes are last-write-wins. Deleting content never touches the metadata
// store; eviction of bytes is independent of metadata retention.
type Cache struct {
	backend  backend.Backend
	identity string
	logger   *slog.Logger
	now      func() time.Time
	maxBytes int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithMaxBytes caps the total declared payload bytes for this identity.
// A Put that would exceed the cap evicts oldest-cached entries first until
// the new entry fits. Zero disables the cap.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// New creates a content cache for the given identity over the backend.
func New(b backend.Backend, identity string, opts ...Option) *Cache {
	c := &Cache{
		backend:  b,
		identity: havencache.NormalizeIdentity(identity),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity returns the identity this cache is scoped to.
func (c *Cache) Identity() string {
	return c.identity
}

// Entry describes one complete cached payload.
type Entry struct {
	VideoID     string
	ContentType string
	Size        int64
	CachedAt    time.Time
	OriginalCID string
	PayloadHash havencache.Hash
	Codec       Codec

	cache *Cache
	key   string
}

// PutOptions carries the provenance recorded with a payload.
type PutOptions struct {
	ContentType string
	OriginalCID string
}

// Key returns the canonical request identifier for a video id. Unsafe
// characters are replaced and a short digest of the original id is appended
// so distinct ids can never collide after sanitisation.
func Key(videoID string) string {
	sum := havencache.SumBytes([]byte(videoID))
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, videoID)
	if len(safe) > 64 {
		safe = safe[:64]
	}
	return safe + "-" + sum.String()[:8]
}

func (c *Cache) entryKey(videoID string) string {
	return contentPrefix + "/" + c.identity + "/" + Key(videoID)
}

// Has reports whether a complete entry exists for the video id.
func (c *Cache) Has(ctx context.Context, videoID string) (bool, error) {
	return c.backend.Exists(ctx, c.entryKey(videoID))
}

// Put stores a complete decrypted payload. The payload is hashed, framed
// with provenance and installed atomically; partial or streaming writes are
// not a supported cache state.
func (c *Cache) Put(ctx context.Context, videoID string, r io.Reader, opts PutOptions) (*Entry, error) {
	// Hash in one pass while buffering: framing needs the full payload
	// anyway, so the digest comes for free on the same read.
	var buf bytes.Buffer
	sum, n, err := havencache.SumReader(io.TeeReader(r, &buf))
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	payload := buf.Bytes()

	header := &EntryHeader{
		VideoID:       videoID,
		ContentType:   opts.ContentType,
		ContentLength: n,
		CachedAt:      c.now().UTC(),
		OriginalCID:   opts.OriginalCID,
		PayloadHash:   sum,
		Codec:         CodecFor(opts.ContentType, n),
	}

	if c.maxBytes > 0 {
		if err := c.makeRoom(ctx, videoID, header.ContentLength); err != nil {
			return nil, err
		}
	}

	var framed bytes.Buffer
	if err := WriteFrame(&framed, header, payload); err != nil {
		return nil, fmt.Errorf("framing payload: %w", err)
	}

	key := c.entryKey(videoID)
	if err := c.backend.Write(ctx, key, &framed); err != nil {
		return nil, fmt.Errorf("storing entry: %w", err)
	}

	c.logger.Debug("cached payload",
		"identity", c.identity,
		"video_id", videoID,
		"size", header.ContentLength,
		"codec", header.Codec,
	)
	return c.entryFromHeader(header, key), nil
}

// Get retrieves the entry metadata for a video id.
// Returns havencache.ErrNotFound if no entry exists.
func (c *Cache) Get(ctx context.Context, videoID string) (*Entry, error) {
	key := c.entryKey(videoID)
	header, err := c.readHeader(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.entryFromHeader(header, key), nil
}

func (c *Cache) entryFromHeader(h *EntryHeader, key string) *Entry {
	return &Entry{
		VideoID:     h.VideoID,
		ContentType: h.ContentType,
		Size:        h.ContentLength,
		CachedAt:    h.CachedAt,
		OriginalCID: h.OriginalCID,
		PayloadHash: h.PayloadHash,
		Codec:       h.Codec,
		cache:       c,
		key:         key,
	}
}

func (c *Cache) readHeader(ctx context.Context, key string) (*EntryHeader, error) {
	rsc, err := c.backend.Open(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, havencache.ErrNotFound
		}
		return nil, fmt.Errorf("opening entry: %w", err)
	}
	defer func() { _ = rsc.Close() }()

	header, _, err := ReadHeader(rsc)
	if err != nil {
		return nil, fmt.Errorf("reading entry header: %w", err)
	}
	return header, nil
}

// Open returns a seekable reader over the entry's complete payload and a
// close function the caller must invoke.
func (e *Entry) Open(ctx context.Context) (io.ReadSeeker, func() error, error) {
	rsc, err := e.cache.backend.Open(ctx, e.key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil, havencache.ErrNotFound
		}
		return nil, nil, fmt.Errorf("opening entry: %w", err)
	}
	header, offset, err := ReadHeader(rsc)
	if err != nil {
		_ = rsc.Close()
		return nil, nil, fmt.Errorf("reading entry header: %w", err)
	}
	return openBody(rsc, header, offset)
}

// Bytes reads the entry's complete payload into memory.
func (e *Entry) Bytes(ctx context.Context) ([]byte, error) {
	rs, closeFn, err := e.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeFn() }()
	return io.ReadAll(rs)
}

// Delete removes the entry for a video id. Missing entries are a no-op.
// The corresponding VideoRecord is untouched: after deletion the video
// simply requires re-decryption.
func (c *Cache) Delete(ctx context.Context, videoID string) error {
	return c.backend.Delete(ctx, c.entryKey(videoID))
}

// DeleteAll removes every entry in this identity's namespace.
func (c *Cache) DeleteAll(ctx context.Context) error {
	keys, err := c.backend.List(ctx, contentPrefix+"/"+c.identity)
	if err != nil {
		return fmt.Errorf("listing entries: %w", err)
	}
	for _, key := range keys {
		if err := c.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	c.logger.Info("purged content cache", "identity", c.identity, "entries", len(keys))
	return nil
}

// Len returns the number of entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	keys, err := c.backend.List(ctx, contentPrefix+"/"+c.identity)
	if err != nil {
		return 0, fmt.Errorf("listing entries: %w", err)
	}
	return len(keys), nil
}

// SizeTotal returns the exact sum of declared payload sizes across all
// entries. Declared sizes, not stored sizes: a compressed entry still counts
// its full payload length.
func (c *Cache) SizeTotal(ctx context.Context) (int64, error) {
	entries, err := c.list(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

// Stats summarises the cache contents.
type Stats struct {
	Entries     int
	TotalBytes  int64
	OldestEntry time.Time
	NewestEntry time.Time
}

// Stats returns entry count, total declared bytes and the cached-at bounds.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.list(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	s.Entries = len(entries)
	for _, e := range entries {
		s.TotalBytes += e.Size
		if s.OldestEntry.IsZero() || e.CachedAt.Before(s.OldestEntry) {
			s.OldestEntry = e.CachedAt
		}
		if e.CachedAt.After(s.NewestEntry) {
			s.NewestEntry = e.CachedAt
		}
	}
	return s, nil
}

func (c *Cache) list(ctx context.Context) ([]*Entry, error) {
	keys, err := c.backend.List(ctx, contentPrefix+"/"+c.identity)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		header, err := c.readHeader(ctx, key)
		if err != nil {
			// A concurrent delete between list and read is not an error.
			if errors.Is(err, havencache.ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, c.entryFromHeader(header, key))
	}
	return entries, nil
}

// makeRoom evicts oldest-cached entries until the incoming payload fits
// under the byte cap. Deliberately not LRU: eviction order is cache age.
func (c *Cache) makeRoom(ctx context.Context, incomingID string, incoming int64) error {
	entries, err := c.list(ctx)
	if err != nil {
		return err
	}

	var total int64
	for _, e := range entries {
		if e.VideoID == incomingID {
			continue // will be overwritten
		}
		total += e.Size
	}
	if total+incoming <= c.maxBytes {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CachedAt.Before(entries[j].CachedAt)
	})
	for _, e := range entries {
		if total+incoming <= c.maxBytes {
			break
		}
		if e.VideoID == incomingID {
			continue
		}
		if err := c.backend.Delete(ctx, e.key); err != nil {
			return fmt.Errorf("evicting %s: %w", e.VideoID, err)
		}
		total -= e.Size
		c.logger.Info("evicted entry for capacity",
			"identity", c.identity,
			"video_id", e.VideoID,
			"size", e.Size,
		)
	}
	return nil
}

package decrypt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	havencache "github.com/havenlabs/haven-cache"
	"github.com/havenlabs/haven-cache/contentcache"
	"github.com/havenlabs/haven-cache/telemetry"
)

// Fetcher deduplicates concurrent decrypt-and-fill operations for the same
// video using singleflight. It uses DoChan so each caller can respect its
// own context deadline without cancelling the in-flight decryption for
// other waiters.
type Fetcher struct {
	decryptor Decryptor
	group     singleflight.Group
	logger    *slog.Logger
	timeout   time.Duration
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithTimeout bounds each decryption attempt independently of the caller's
// context. Zero means the caller's context is the only bound.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// NewFetcher creates a fetcher over the given decryption client.
func NewFetcher(d Decryptor, opts ...Option) *Fetcher {
	f := &Fetcher{
		decryptor: d,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fill decrypts the referenced payload and installs it as a complete entry
// in the cache, returning the installed entry. Concurrent calls for the
// same video in the same cache share one decryption; a caller whose context
// expires gets its context error while the in-flight work completes for the
// other waiters.
func (f *Fetcher) Fill(ctx context.Context, cache *contentcache.Cache, ref EncryptedRef) (*contentcache.Entry, error) {
	key := cache.Identity() + "\x00" + ref.VideoID

	ch := f.group.DoChan(key, func() (any, error) {
		// Detached from any single caller so one caller's cancellation
		// does not abandon the decryption for everyone else.
		fillCtx := context.WithoutCancel(ctx)
		if f.timeout > 0 {
			var cancel context.CancelFunc
			fillCtx, cancel = context.WithTimeout(fillCtx, f.timeout)
			defer cancel()
		}
		return f.fill(fillCtx, cache, ref)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// Allow the next request to retry rather than sharing a
			// cached failure.
			f.group.Forget(key)
			return nil, res.Err
		}
		return res.Val.(*contentcache.Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fetcher) fill(ctx context.Context, cache *contentcache.Cache, ref EncryptedRef) (*contentcache.Entry, error) {
	start := time.Now()

	rc, info, err := f.decryptor.Decrypt(ctx, ref)
	if err != nil {
		telemetry.RecordDecryptFetch(ctx, time.Since(start), 0, "error")
		return nil, fmt.Errorf("decrypting %s: %w", ref.VideoID, err)
	}
	defer func() { _ = rc.Close() }()

	entry, err := cache.Put(ctx, ref.VideoID, rc, contentcache.PutOptions{
		ContentType: info.ContentType,
		OriginalCID: ref.FilecoinCID,
	})
	if err != nil {
		telemetry.RecordDecryptFetch(ctx, time.Since(start), 0, "store_error")
		return nil, fmt.Errorf("caching %s: %w", ref.VideoID, err)
	}

	telemetry.RecordDecryptFetch(ctx, time.Since(start), entry.Size, "success")
	f.logger.Info("decrypted and cached payload",
		"identity", cache.Identity(),
		"video_id", ref.VideoID,
		"size", entry.Size,
		"duration", time.Since(start).String(),
	)
	return entry, nil
}

// RefForRecord builds the decryption reference for a stored record.
func RefForRecord(rec *havencache.VideoRecord) EncryptedRef {
	return EncryptedRef{
		VideoID:      rec.ID,
		EncryptedCID: rec.EncryptedCID,
		FilecoinCID:  rec.FilecoinCID,
		Encryption:   rec.Encryption,
	}
}

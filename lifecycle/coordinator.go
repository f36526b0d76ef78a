// Package lifecycle owns cache and store lifetime across identity switches:
// attach/detach of the per-identity metadata store, background and
// visibility-driven reconciliation, and security-triggered purges.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	havencache "github.com/havenlabs/haven-cache"
	"github.com/havenlabs/haven-cache/backend"
	"github.com/havenlabs/haven-cache/contentcache"
	"github.com/havenlabs/haven-cache/decrypt"
	"github.com/havenlabs/haven-cache/ledger"
	"github.com/havenlabs/haven-cache/metastore"
	"github.com/havenlabs/haven-cache/reconcile"
	"github.com/havenlabs/haven-cache/telemetry"
)

// State is the coordinator's identity-attachment state.
type State string

const (
	StateDetached  State = "detached"
	StateAttaching State = "attaching"
	StateReady     State = "ready"
)

// DetachReason classifies why an identity is being detached. Security
// reasons additionally purge the content cache and the decryption
// collaborator's session material; plain navigation preserves both for
// later reattachment.
type DetachReason string

const (
	ReasonNavigation    DetachReason = "navigation"
	ReasonDisconnect    DetachReason = "wallet_disconnect"
	ReasonAccountChange DetachReason = "account_change"
	ReasonChainChange   DetachReason = "chain_change"
)

// Security reports whether the reason mandates purging sensitive caches.
func (r DetachReason) Security() bool {
	switch r {
	case ReasonDisconnect, ReasonAccountChange, ReasonChainChange:
		return true
	}
	return false
}

// Config holds coordinator configuration.
type Config struct {
	// SyncInterval is how often background reconciliation runs while an
	// identity is attached. Zero disables the background loop.
	SyncInterval time.Duration

	// StaleAfter is the staleness threshold for visibility-triggered
	// refresh: a Visible call only syncs when the last sync is older.
	// Default is 5 minutes.
	StaleAfter time.Duration

	// ContentMaxBytes caps each identity's content cache. Zero disables.
	ContentMaxBytes int64

	// Logger for lifecycle events.
	Logger *slog.Logger
}

// Coordinator drives the Detached -> Attaching -> Ready -> Detached state
// machine for the current identity and owns the live store handles through
// the metastore registry. There are no package-level singletons: all handle
// lifetime flows through this object.
type Coordinator struct {
	registry *metastore.Registry
	engine   *reconcile.Engine
	ledger   ledger.Client
	backend  backend.Backend
	sessions decrypt.SessionCache
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     State
	identity  string
	attaching string
	store     metastore.Store
	content   *contentcache.Cache
	degraded  bool

	isSyncing     bool
	lastSyncedAt  time.Time
	lastSyncError string

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithSessionCache sets the decryption session cache purged on security
// events. Defaults to a no-op.
func WithSessionCache(s decrypt.SessionCache) Option {
	return func(c *Coordinator) {
		c.sessions = s
	}
}

// New creates a coordinator.
func New(registry *metastore.Registry, engine *reconcile.Engine, lc ledger.Client, b backend.Backend, cfg Config, opts ...Option) *Coordinator {
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Coordinator{
		registry: registry,
		engine:   engine,
		ledger:   lc,
		backend:  b,
		sessions: decrypt.NoopSessionCache{},
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      time.Now,
		state:    StateDetached,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current attachment state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the currently attached identity, or "" when detached.
func (c *Coordinator) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return ""
	}
	return c.identity
}

// Degraded reports whether the attached identity is running on the
// pass-through store because platform storage was unavailable.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Attach opens the metadata store for an identity and moves to Ready.
//
// If another Attach begins before this one finishes opening, the stale
// attach closes the handle it produced instead of installing it and returns
// havencache.ErrAttachAborted. If platform storage is unavailable the
// coordinator installs a pass-through store and continues degraded rather
// than failing.
func (c *Coordinator) Attach(ctx context.Context, identity string) error {
	id := havencache.NormalizeIdentity(identity)
	if id == "" {
		return fmt.Errorf("attach: empty identity")
	}

	c.mu.Lock()
	if c.state == StateReady && c.identity == id {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateReady {
		prev := c.identity
		c.mu.Unlock()
		if err := c.Detach(ctx, ReasonNavigation); err != nil {
			return fmt.Errorf("detaching %s before attach: %w", prev, err)
		}
		c.mu.Lock()
	}
	c.state = StateAttaching
	c.attaching = id
	c.mu.Unlock()

	var store metastore.Store
	var degraded bool
	handle, err := c.registry.Open(ctx, id)
	switch {
	case err == nil:
		store = handle
	case errors.Is(err, havencache.ErrStorageUnavailable):
		c.logger.Warn("storage unavailable, running pass-through", "identity", id, "error", err)
		store = metastore.Passthrough{}
		degraded = true
	default:
		c.mu.Lock()
		if c.attaching == id {
			c.state = StateDetached
			c.attaching = ""
		}
		c.mu.Unlock()
		return fmt.Errorf("opening store for %s: %w", id, err)
	}

	c.mu.Lock()
	if c.attaching != id {
		// A newer attach won the race; do not install the stale handle.
		c.mu.Unlock()
		if !degraded {
			_ = c.registry.Close(id)
		}
		c.logger.Debug("attach aborted by newer attach", "identity", id)
		return havencache.ErrAttachAborted
	}

	c.state = StateReady
	c.identity = id
	c.attaching = ""
	c.store = store
	c.degraded = degraded
	c.content = contentcache.New(c.backend, id,
		contentcache.WithLogger(c.logger.With("component", "contentcache")),
		contentcache.WithNow(c.now),
		contentcache.WithMaxBytes(c.cfg.ContentMaxBytes),
	)
	c.isSyncing = false
	c.lastSyncedAt = time.Time{}
	c.lastSyncError = ""
	if !degraded {
		if v, err := store.GetMeta(context.WithoutCancel(ctx), metastore.MetaKeyLastFullSync); err == nil {
			c.lastSyncedAt = metastore.ParseMetaTime(v)
		}
	}

	if c.cfg.SyncInterval > 0 {
		c.stopCh = make(chan struct{})
		c.doneCh = make(chan struct{})
		go c.run(c.stopCh, c.doneCh)
	}
	c.mu.Unlock()

	c.logger.Info("identity attached", "identity", id, "degraded", degraded)
	return nil
}

// Detach closes the active store handle and resets in-memory sync state.
// For security reasons it additionally purges the content cache and the
// decryption session cache; plain navigation preserves persisted data for
// later reattachment.
//
// Detach serializes with in-flight reconciliation through the identity's
// write lock: a sync that already started completes its writes against a
// still-valid handle (best-effort, accepted), then the handle closes.
func (c *Coordinator) Detach(ctx context.Context, reason DetachReason) error {
	c.mu.Lock()
	if c.state == StateDetached {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateAttaching {
		// Abort the in-progress attach; it will see attaching != its id.
		c.attaching = ""
		c.state = StateDetached
		c.mu.Unlock()
		return nil
	}

	id := c.identity
	content := c.content
	degraded := c.degraded
	stopCh, doneCh := c.stopCh, c.doneCh
	c.stopCh, c.doneCh = nil, nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}

	lock := c.registry.Mutex(id)
	lock.Lock()
	var closeErr error
	if !degraded {
		closeErr = c.registry.Close(id)
	}
	lock.Unlock()

	c.mu.Lock()
	c.state = StateDetached
	c.identity = ""
	c.store = nil
	c.content = nil
	c.degraded = false
	c.isSyncing = false
	c.lastSyncedAt = time.Time{}
	c.lastSyncError = ""
	c.mu.Unlock()

	if reason.Security() {
		if content != nil {
			if err := content.DeleteAll(ctx); err != nil {
				c.logger.Error("purging content cache", "identity", id, "error", err)
			}
		}
		if err := c.sessions.Purge(ctx); err != nil {
			c.logger.Error("purging decryption sessions", "identity", id, "error", err)
		}
	}

	c.logger.Info("identity detached", "identity", id, "reason", string(reason))
	return closeErr
}

// SyncNow runs one reconciliation pass for the attached identity. A pass
// already in flight coalesces the trigger: SyncNow returns
// havencache.ErrSyncInFlight and no second pass is queued.
func (c *Coordinator) SyncNow(ctx context.Context) (*havencache.SyncResult, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, fmt.Errorf("sync: no identity attached")
	}
	if c.isSyncing {
		// Coalesce here, before claiming the status flag: the running
		// pass still owns it and must stay visible as in flight.
		c.mu.Unlock()
		return nil, havencache.ErrSyncInFlight
	}
	id := c.identity
	c.isSyncing = true
	c.mu.Unlock()

	start := c.now()
	snapshot, err := c.ledger.Snapshot(ctx, id)
	if err != nil {
		c.finishSync(time.Time{}, fmt.Sprintf("ledger snapshot: %v", err))
		telemetry.RecordSync(ctx, "snapshot_error", c.now().Sub(start), 0, 0, 0, 0)
		return nil, fmt.Errorf("ledger snapshot for %s: %w", id, err)
	}

	result, err := c.engine.Sync(ctx, id, snapshot)
	switch {
	case errors.Is(err, havencache.ErrSyncInFlight):
		// Another engine consumer holds the identity; our pass never ran.
		c.finishSync(time.Time{}, "")
		return nil, err
	case err != nil:
		c.finishSync(time.Time{}, err.Error())
		telemetry.RecordSync(ctx, "error", c.now().Sub(start), 0, 0, 0, 0)
		return result, err
	}

	c.finishSync(result.SyncedAt, "")
	telemetry.RecordSync(ctx, "success", c.now().Sub(start),
		result.Added, result.Updated, result.Expired, result.Unchanged)
	return result, nil
}

// finishSync updates the sync status fields. A zero syncedAt leaves the
// previous timestamp in place (used for coalesced and failed passes).
func (c *Coordinator) finishSync(syncedAt time.Time, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isSyncing = false
	if !syncedAt.IsZero() {
		c.lastSyncedAt = syncedAt
	}
	if errMsg != "" {
		c.lastSyncError = errMsg
	} else if !syncedAt.IsZero() {
		c.lastSyncError = ""
	}
}

// Visible triggers a refresh when the page becomes visible and the last
// sync is older than the staleness threshold.
func (c *Coordinator) Visible(ctx context.Context) (*havencache.SyncResult, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, nil
	}
	stale := c.lastSyncedAt.IsZero() || c.now().Sub(c.lastSyncedAt) > c.cfg.StaleAfter
	c.mu.Unlock()

	if !stale {
		return nil, nil
	}
	result, err := c.SyncNow(ctx)
	if errors.Is(err, havencache.ErrSyncInFlight) {
		return nil, nil
	}
	return result, err
}

// run is the background reconciliation loop, one per attached identity.
func (c *Coordinator) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := c.SyncNow(ctx); err != nil && !errors.Is(err, havencache.ErrSyncInFlight) {
				c.logger.Warn("background sync failed", "error", err)
			}
		}
	}
}

// SyncStatus returns the non-blocking sync indicator for display.
func (c *Coordinator) SyncStatus() havencache.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return havencache.SyncStatus{
		IsSyncing:     c.isSyncing,
		LastSyncedAt:  c.lastSyncedAt,
		LastSyncError: c.lastSyncError,
	}
}

// Stats assembles the cache statistics for the attached identity.
func (c *Coordinator) Stats(ctx context.Context) (havencache.Stats, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return havencache.Stats{}, fmt.Errorf("stats: no identity attached")
	}
	store := c.store
	content := c.content
	id := c.identity
	c.mu.Unlock()

	var stats havencache.Stats
	records, err := store.GetAll(ctx)
	if err != nil {
		return havencache.Stats{}, fmt.Errorf("loading records: %w", err)
	}
	stats.TotalVideos = len(records)
	for _, rec := range records {
		switch rec.EntityStatus {
		case havencache.StatusActive:
			stats.ActiveVideos++
		case havencache.StatusExpired:
			stats.ExpiredVideos++
		}
	}

	if v, err := store.GetMeta(ctx, metastore.MetaKeyLastFullSync); err == nil {
		stats.LastFullSync = metastore.ParseMetaTime(v)
	}

	cs, err := content.Stats(ctx)
	if err != nil {
		return havencache.Stats{}, fmt.Errorf("content stats: %w", err)
	}
	stats.CacheSize = cs.TotalBytes
	stats.OldestEntry = cs.OldestEntry
	stats.NewestEntry = cs.NewestEntry

	telemetry.SetContentBytes(ctx, id, cs.TotalBytes)
	return stats, nil
}

// Store returns the active metadata store, or nil when detached.
func (c *Coordinator) Store() metastore.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// ContentCache returns the active content cache, or nil when detached.
func (c *Coordinator) ContentCache() *contentcache.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

// IsCached reports content-cache membership for a video, for UI badges.
func (c *Coordinator) IsCached(ctx context.Context, videoID string) bool {
	content := c.ContentCache()
	if content == nil {
		return false
	}
	ok, err := content.Has(ctx, videoID)
	return err == nil && ok
}

// InsertSpeculative stores a record ahead of ledger confirmation, e.g. for
// a video the user just published. The record is marked dirty; the next
// reconciliation pass that observes the id authoritatively clears the flag,
// and a snapshot that never confirms it expires it like any other record.
func (c *Coordinator) InsertSpeculative(ctx context.Context, auth havencache.AuthoritativeRecord) error {
	if err := ledger.Validate(auth); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return fmt.Errorf("insert: no identity attached")
	}
	id := c.identity
	store := c.store
	c.mu.Unlock()

	lock := c.registry.Mutex(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := store.Get(ctx, auth.ID); err == nil {
		return fmt.Errorf("insert %s: %w", auth.ID, havencache.ErrAlreadyExists)
	} else if !errors.Is(err, havencache.ErrNotFound) {
		return err
	}

	rec := havencache.NewVideoRecord(auth, c.now().UTC())
	rec.Dirty = true
	return store.Put(ctx, rec)
}

// MarkAccessed stamps a record's last access time. Serialized under the
// identity write lock like every direct mutation.
func (c *Coordinator) MarkAccessed(ctx context.Context, videoID string) error {
	return c.updateRecord(ctx, videoID, func(rec *havencache.VideoRecord) {
		rec.LastAccessedAt = c.now().UTC()
	})
}

// NoteContentCached projects content-cache membership onto the record after
// a successful fill.
func (c *Coordinator) NoteContentCached(ctx context.Context, videoID string) error {
	return c.updateRecord(ctx, videoID, func(rec *havencache.VideoRecord) {
		rec.ContentStatus = havencache.ContentCached
		rec.ContentCachedAt = c.now().UTC()
	})
}

// NoteContentRemoved clears the projection after explicit byte eviction.
func (c *Coordinator) NoteContentRemoved(ctx context.Context, videoID string) error {
	return c.updateRecord(ctx, videoID, func(rec *havencache.VideoRecord) {
		rec.ContentStatus = havencache.ContentNotCached
		rec.ContentCachedAt = time.Time{}
	})
}

// RemoveVideo is the explicit user removal path: it deletes both the
// record and any cached bytes.
func (c *Coordinator) RemoveVideo(ctx context.Context, videoID string) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return fmt.Errorf("remove: no identity attached")
	}
	id := c.identity
	store := c.store
	content := c.content
	c.mu.Unlock()

	lock := c.registry.Mutex(id)
	lock.Lock()
	err := store.Delete(ctx, videoID)
	lock.Unlock()
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", videoID, err)
	}
	return content.Delete(ctx, videoID)
}

func (c *Coordinator) updateRecord(ctx context.Context, videoID string, mutate func(*havencache.VideoRecord)) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return fmt.Errorf("no identity attached")
	}
	id := c.identity
	store := c.store
	c.mu.Unlock()

	lock := c.registry.Mutex(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := store.Get(ctx, videoID)
	if err != nil {
		if errors.Is(err, havencache.ErrNotFound) {
			return nil // pass-through store or unknown record
		}
		return err
	}
	mutate(rec)
	return store.Put(ctx, rec)
}

// Package reconcile merges authoritative ledger snapshots into the
// per-identity metadata store, classifying every record as added, updated,
// expired or unchanged.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	havencache "github.com/havenlabs/haven-cache"
	"github.com/havenlabs/haven-cache/ledger"
	"github.com/havenlabs/haven-cache/metastore"
)

// Engine runs reconciliation passes. At most one sync per identity is in
// flight at a time; a second trigger while one runs is coalesced and returns
// havencache.ErrSyncInFlight. All writes for an identity are serialized
// under the registry's per-identity lock.
type Engine struct {
	registry *metastore.Registry
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a reconciliation engine over the given registry.
func New(registry *metastore.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
		inFlight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sync merges one authoritative snapshot into the identity's store.
//
// For each authoritative record: absent locally means insert as active;
// present and field-equal (excluding cache bookkeeping) means leave
// untouched; present and different means overwrite authoritative fields
// while preserving bookkeeping. A previously-expired id that reappears is
// reactivated and counted as updated. After the snapshot is processed, any
// locally-active record whose id was absent transitions to expired; it is
// never deleted. Malformed records are recorded in the result's Errors and
// do not abort the batch; partial progress is committed.
func (e *Engine) Sync(ctx context.Context, identity string, snapshot []havencache.AuthoritativeRecord) (*havencache.SyncResult, error) {
	id := havencache.NormalizeIdentity(identity)

	if !e.begin(id) {
		return nil, havencache.ErrSyncInFlight
	}
	defer e.end(id)

	// Single-writer discipline: the same lock guards direct user mutations
	// and identity detach, so a sync never interleaves with either.
	lock := e.registry.Mutex(id)
	lock.Lock()
	defer lock.Unlock()

	// The attach flow opens the handle; a missing one means the identity
	// detached while this pass waited on the lock. Re-opening here would
	// leave a live handle registered for a detached identity.
	store, ok := e.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("no open store for %s", id)
	}

	now := e.now().UTC()
	result := &havencache.SyncResult{SyncedAt: now}

	existing, err := store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading records for %s: %w", id, err)
	}
	byID := make(map[string]*havencache.VideoRecord, len(existing))
	for _, rec := range existing {
		byID[rec.ID] = rec
	}

	seen := make(map[string]bool, len(snapshot))
	for _, auth := range snapshot {
		if err := ctx.Err(); err != nil {
			// Cancelled mid-batch: committed records stay committed.
			return result, err
		}
		if err := ledger.Validate(auth); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		seen[auth.ID] = true

		local, ok := byID[auth.ID]
		switch {
		case !ok:
			rec := havencache.NewVideoRecord(auth, now)
			if err := store.Put(ctx, rec); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("storing %s: %v", auth.ID, err))
				continue
			}
			byID[auth.ID] = rec
			result.Added++

		case local.EntityStatus == havencache.StatusExpired:
			// Reactivation: the id reappeared in a later snapshot.
			local.ApplyAuthoritative(auth)
			local.EntityStatus = havencache.StatusActive
			local.LastSyncedAt = now
			local.Dirty = false
			if err := store.Put(ctx, local); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("reactivating %s: %v", auth.ID, err))
				continue
			}
			result.Updated++

		case local.ContentEqual(auth):
			if local.Dirty {
				// A speculative insert the ledger has now confirmed.
				local.Dirty = false
				local.LastSyncedAt = now
				if err := store.Put(ctx, local); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("confirming %s: %v", auth.ID, err))
					continue
				}
			}
			result.Unchanged++

		default:
			local.ApplyAuthoritative(auth)
			local.LastSyncedAt = now
			local.CacheVersion++
			local.Dirty = false
			if err := store.Put(ctx, local); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("updating %s: %v", auth.ID, err))
				continue
			}
			result.Updated++
		}
	}

	// Anything locally active that the snapshot no longer contains has
	// expired from the ledger.
	for _, local := range byID {
		if seen[local.ID] || local.EntityStatus != havencache.StatusActive {
			continue
		}
		local.EntityStatus = havencache.StatusExpired
		local.LastSyncedAt = now
		if err := store.Put(ctx, local); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("expiring %s: %v", local.ID, err))
			continue
		}
		result.Expired++
	}

	if err := store.PutMeta(ctx, metastore.MetaKeyLastFullSync, metastore.FormatMetaTime(now)); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("recording sync time: %v", err))
	}

	e.logger.Info("reconciliation complete",
		"identity", id,
		"added", result.Added,
		"updated", result.Updated,
		"expired", result.Expired,
		"unchanged", result.Unchanged,
		"errors", len(result.Errors),
	)
	return result, nil
}

// begin marks an identity sync as in flight. Returns false if one is
// already running.
func (e *Engine) begin(identity string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[identity] {
		return false
	}
	e.inFlight[identity] = true
	return true
}

func (e *Engine) end(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, identity)
}

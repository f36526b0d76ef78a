package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	havencache "github.com/havenlabs/haven-cache"
	"github.com/havenlabs/haven-cache/metastore"
)

func newTestEngine(t *testing.T) (*Engine, *metastore.Registry) {
	t.Helper()

	registry, err := metastore.NewRegistry(t.TempDir(),
		metastore.WithBoltOptions(metastore.WithNoSync(true)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = registry.CloseAll()
	})

	return New(registry), registry
}

// openStore mirrors what the attach flow does before any sync can run.
func openStore(t *testing.T, registry *metastore.Registry, identity string) *metastore.Bolt {
	t.Helper()
	store, err := registry.Open(context.Background(), identity)
	require.NoError(t, err)
	return store
}

func authRecord(id string) havencache.AuthoritativeRecord {
	return havencache.AuthoritativeRecord{
		ID:           id,
		Owner:        "0xabc",
		Title:        "Video " + id,
		EncryptedCID: "bafy-" + id,
		MimeType:     "video/mp4",
		Size:         1024,
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSyncInitialSnapshot(t *testing.T) {
	engine, registry := newTestEngine(t)
	ctx := context.Background()
	store := openStore(t, registry, "0xabc")

	snapshot := []havencache.AuthoritativeRecord{
		authRecord("vid-1"), authRecord("vid-2"), authRecord("vid-3"),
	}
	result, err := engine.Sync(ctx, "0xabc", snapshot)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Added)
	assert.Zero(t, result.Updated)
	assert.Zero(t, result.Expired)
	assert.Zero(t, result.Unchanged)
	assert.Empty(t, result.Errors)
	assert.False(t, result.SyncedAt.IsZero())

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// The full-sync watermark is stamped.
	val, err := store.GetMeta(ctx, metastore.MetaKeyLastFullSync)
	require.NoError(t, err)
	assert.True(t, result.SyncedAt.Equal(metastore.ParseMetaTime(val)))
}

func TestSyncExpiresMissingRecords(t *testing.T) {
	engine, registry := newTestEngine(t)
	ctx := context.Background()
	store := openStore(t, registry, "0xabc")

	_, err := engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{
		authRecord("vid-1"), authRecord("vid-2"), authRecord("vid-3"),
	})
	require.NoError(t, err)

	// vid-2 drops out of the next snapshot.
	result, err := engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{
		authRecord("vid-1"), authRecord("vid-3"),
	})
	require.NoError(t, err)

	assert.Zero(t, result.Added)
	assert.Zero(t, result.Updated)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 2, result.Unchanged)

	// Expired records are retained, never deleted.
	rec, err := store.Get(ctx, "vid-2")
	require.NoError(t, err)
	assert.Equal(t, havencache.StatusExpired, rec.EntityStatus)
}

func TestSyncReactivation(t *testing.T) {
	engine, registry := newTestEngine(t)
	ctx := context.Background()
	store := openStore(t, registry, "0xabc")

	_, err := engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{authRecord("vid-1")})
	require.NoError(t, err)
	_, err = engine.Sync(ctx, "0xabc", nil)
	require.NoError(t, err)

	result, err := engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{authRecord("vid-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	rec, err := store.Get(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, havencache.StatusActive, rec.EntityStatus)
}

func TestSyncUpdatePreservesBookkeeping(t *testing.T) {
	engine, registry := newTestEngine(t)
	ctx := context.Background()
	store := openStore(t, registry, "0xabc")

	_, err := engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{authRecord("vid-1")})
	require.NoError(t, err)

	rec, err := store.Get(ctx, "vid-1")
	require.NoError(t, err)

	// Annotate locally, as content serving would.
	accessedAt := time.Date(2025, 7, 2, 8, 0, 0, 0, time.UTC)
	rec.LastAccessedAt = accessedAt
	rec.ContentStatus = havencache.ContentCached
	originalCachedAt := rec.CachedAt
	require.NoError(t, store.Put(ctx, rec))

	changed := authRecord("vid-1")
	changed.Title = "Renamed upstream"
	result, err := engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{changed})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	got, err := store.Get(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed upstream", got.Title)
	assert.Equal(t, 2, got.CacheVersion)

	// Local bookkeeping survives the authoritative overwrite.
	assert.True(t, accessedAt.Equal(got.LastAccessedAt))
	assert.Equal(t, havencache.ContentCached, got.ContentStatus)
	assert.True(t, originalCachedAt.Equal(got.CachedAt))
}

func TestSyncUnchangedDespiteLocalAnnotations(t *testing.T) {
	engine, registry := newTestEngine(t)
	ctx := context.Background()
	store := openStore(t, registry, "0xabc")

	_, err := engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{authRecord("vid-1")})
	require.NoError(t, err)

	rec, err := store.Get(ctx, "vid-1")
	require.NoError(t, err)
	rec.LastAccessedAt = time.Now().UTC()
	rec.Dirty = true
	require.NoError(t, store.Put(ctx, rec))

	result, err := engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{authRecord("vid-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unchanged)
	assert.Zero(t, result.Updated)
}

func TestSyncMalformedRecordsDoNotAbortBatch(t *testing.T) {
	engine, registry := newTestEngine(t)
	ctx := context.Background()
	store := openStore(t, registry, "0xabc")

	snapshot := []havencache.AuthoritativeRecord{
		authRecord("vid-1"),
		{ID: "vid-2", EncryptedCID: "bafy-2"}, // missing owner
		{Owner: "0xabc"},                      // missing id
		authRecord("vid-3"),
	}
	result, err := engine.Sync(ctx, "0xabc", snapshot)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Added)
	assert.Len(t, result.Errors, 2)

	_, err = store.Get(ctx, "vid-2")
	assert.ErrorIs(t, err, havencache.ErrNotFound)
}

func TestSyncCoalescesConcurrentTriggers(t *testing.T) {
	engine, registry := newTestEngine(t)
	ctx := context.Background()
	openStore(t, registry, "0xabc")

	// Hold the identity write lock so the first sync parks after marking
	// itself in flight.
	lock := registry.Mutex("0xabc")
	lock.Lock()

	firstDone := make(chan error, 1)
	go func() {
		_, err := engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{authRecord("vid-1")})
		firstDone <- err
	}()

	// Wait for the first sync to register as in flight.
	require.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return engine.inFlight["0xabc"]
	}, time.Second, 5*time.Millisecond)

	_, err := engine.Sync(ctx, "0xabc", nil)
	assert.ErrorIs(t, err, havencache.ErrSyncInFlight)

	lock.Unlock()
	require.NoError(t, <-firstDone)

	// Once the pass finishes the next trigger runs normally.
	result, err := engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{authRecord("vid-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unchanged)
}

func TestSyncIdentitiesIndependent(t *testing.T) {
	engine, registry := newTestEngine(t)
	ctx := context.Background()
	alice := openStore(t, registry, "0xalice")
	openStore(t, registry, "0xbob")

	_, err := engine.Sync(ctx, "0xalice", []havencache.AuthoritativeRecord{authRecord("vid-a")})
	require.NoError(t, err)
	_, err = engine.Sync(ctx, "0xbob", []havencache.AuthoritativeRecord{authRecord("vid-b")})
	require.NoError(t, err)

	_, err = alice.Get(ctx, "vid-b")
	assert.ErrorIs(t, err, havencache.ErrNotFound)
}

func TestSyncRequiresOpenStore(t *testing.T) {
	engine, registry := newTestEngine(t)

	// No attach has opened a handle; a pass that slips in after detach
	// must not resurrect the database.
	_, err := engine.Sync(context.Background(), "0xabc", []havencache.AuthoritativeRecord{authRecord("vid-1")})
	require.Error(t, err)
	assert.NotErrorIs(t, err, havencache.ErrSyncInFlight)

	_, ok := registry.Get("0xabc")
	assert.False(t, ok, "sync must not open a handle itself")
}

func TestSyncConfirmsSpeculativeInsert(t *testing.T) {
	engine, registry := newTestEngine(t)
	ctx := context.Background()

	// A record inserted locally ahead of ledger confirmation.
	store := openStore(t, registry, "0xabc")
	rec := havencache.NewVideoRecord(authRecord("vid-1"), time.Now().UTC())
	rec.Dirty = true
	require.NoError(t, store.Put(ctx, rec))

	// The ledger catches up with the same content: unchanged, flag cleared.
	result, err := engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{authRecord("vid-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unchanged)

	got, err := store.Get(ctx, "vid-1")
	require.NoError(t, err)
	assert.False(t, got.Dirty)

	// A snapshot that never confirms the id expires it like any record.
	rec2 := havencache.NewVideoRecord(authRecord("vid-2"), time.Now().UTC())
	rec2.Dirty = true
	require.NoError(t, store.Put(ctx, rec2))

	result, err = engine.Sync(ctx, "0xabc", []havencache.AuthoritativeRecord{authRecord("vid-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)

	got, err = store.Get(ctx, "vid-2")
	require.NoError(t, err)
	assert.Equal(t, havencache.StatusExpired, got.EntityStatus)
}

package metastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	havencache "github.com/havenlabs/haven-cache"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	registry, err := NewRegistry(t.TempDir(), WithBoltOptions(WithNoSync(true)))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = registry.CloseAll()
	})
	return registry
}

func TestRegistryOpenIdempotent(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	first, err := registry.Open(ctx, "0xabc")
	require.NoError(t, err)

	second, err := registry.Open(ctx, "0xabc")
	require.NoError(t, err)
	assert.Same(t, first, second)

	// Identities normalize before lookup, so case variants share a handle.
	third, err := registry.Open(ctx, "0xABC")
	require.NoError(t, err)
	assert.Same(t, first, third)
}

func TestRegistryIdentityIsolation(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	alice, err := registry.Open(ctx, "0xalice")
	require.NoError(t, err)
	bob, err := registry.Open(ctx, "0xbob")
	require.NoError(t, err)

	require.NoError(t, alice.Put(ctx, testRecord("vid-alice")))

	_, err = bob.Get(ctx, "vid-alice")
	assert.ErrorIs(t, err, havencache.ErrNotFound)

	got, err := alice.Get(ctx, "vid-alice")
	require.NoError(t, err)
	assert.Equal(t, "vid-alice", got.ID)
}

func TestRegistryClosePreservesData(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	store, err := registry.Open(ctx, "0xabc")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, testRecord("vid-1")))

	require.NoError(t, registry.Close("0xabc"))
	_, ok := registry.Get("0xabc")
	assert.False(t, ok)

	// Reattaching reopens the same database file with its records intact.
	reopened, err := registry.Open(ctx, "0xabc")
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "vid-1", got.ID)
}

func TestRegistryCloseUnknownIdentity(t *testing.T) {
	registry := newTestRegistry(t)
	assert.NoError(t, registry.Close("0xnever"))
}

func TestRegistryMutexOutlivesHandle(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Open(ctx, "0xabc")
	require.NoError(t, err)

	before := registry.Mutex("0xabc")
	require.NoError(t, registry.Close("0xabc"))
	after := registry.Mutex("0xABC")

	assert.Same(t, before, after)
}

func TestRegistryOpenEmptyIdentity(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.Open(context.Background(), "   ")
	assert.ErrorIs(t, err, havencache.ErrStorageUnavailable)
}

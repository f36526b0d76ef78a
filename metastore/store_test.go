package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	havencache "github.com/havenlabs/haven-cache"
)

func TestPassthroughAlwaysMisses(t *testing.T) {
	var store Store = Passthrough{}
	ctx := context.Background()

	// Writes are accepted and dropped; reads always miss.
	require.NoError(t, store.Put(ctx, testRecord("vid-1")))

	_, err := store.Get(ctx, "vid-1")
	assert.ErrorIs(t, err, havencache.ErrNotFound)

	records, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.GetMeta(ctx, MetaKeyLastFullSync)
	assert.ErrorIs(t, err, havencache.ErrNotFound)

	assert.NoError(t, store.Purge(ctx))
	assert.NoError(t, store.Close())
}

func TestMetaTimeRoundTrip(t *testing.T) {
	now := time.Date(2025, 7, 1, 9, 30, 0, 123456789, time.UTC)
	assert.True(t, now.Equal(ParseMetaTime(FormatMetaTime(now))))
	assert.True(t, ParseMetaTime("not a time").IsZero())
	assert.True(t, ParseMetaTime("").IsZero())
}

package contentcache

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenlabs/haven-cache/backend"
)

func serveTestEntry(t *testing.T, payload []byte) *Entry {
	t.Helper()

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	cache := New(fs, "0xabc")

	entry, err := cache.Put(context.Background(), "vid-1", bytes.NewReader(payload), PutOptions{
		ContentType: "video/mp4",
		OriginalCID: "bafy-original",
	})
	require.NoError(t, err)
	return entry
}

func doServe(t *testing.T, e *Entry, method, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, "/videos/vid-1/content", nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	require.NoError(t, ServeEntry(req.Context(), rec, req, e))
	return rec
}

func TestServeEntryFull(t *testing.T) {
	payload := []byte("0123456789")
	entry := serveTestEntry(t, payload)

	rec := doServe(t, entry, http.MethodGet, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))

	// Provenance headers.
	assert.Equal(t, "vid-1", rec.Header().Get(HeaderVideoID))
	assert.Equal(t, "10", rec.Header().Get(HeaderSize))
	assert.Equal(t, "bafy-original", rec.Header().Get(HeaderOriginalCID))
	assert.NotEmpty(t, rec.Header().Get(HeaderCachedAt))
}

func TestServeEntryRanges(t *testing.T) {
	payload := []byte("0123456789")
	entry := serveTestEntry(t, payload)

	tests := []struct {
		name      string
		rangeSpec string
		wantBody  string
		wantRange string
	}{
		{name: "closed", rangeSpec: "bytes=2-5", wantBody: "2345", wantRange: "bytes 2-5/10"},
		{name: "open ended", rangeSpec: "bytes=6-", wantBody: "6789", wantRange: "bytes 6-9/10"},
		{name: "suffix", rangeSpec: "bytes=-3", wantBody: "789", wantRange: "bytes 7-9/10"},
		{name: "suffix longer than payload", rangeSpec: "bytes=-100", wantBody: "0123456789", wantRange: "bytes 0-9/10"},
		{name: "end clamped to payload", rangeSpec: "bytes=8-99", wantBody: "89", wantRange: "bytes 8-9/10"},
		{name: "multi clause first honoured", rangeSpec: "bytes=0-1,5-6", wantBody: "01", wantRange: "bytes 0-1/10"},
		{name: "single byte", rangeSpec: "bytes=0-0", wantBody: "0", wantRange: "bytes 0-0/10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doServe(t, entry, http.MethodGet, tt.rangeSpec)

			assert.Equal(t, http.StatusPartialContent, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
			assert.Equal(t, tt.wantRange, rec.Header().Get("Content-Range"))
			assert.Equal(t, strconv.Itoa(len(tt.wantBody)), rec.Header().Get("Content-Length"))
		})
	}
}

func TestServeEntryUnsatisfiableRange(t *testing.T) {
	entry := serveTestEntry(t, []byte("0123456789"))

	tests := []struct {
		name      string
		rangeSpec string
	}{
		{name: "start at size", rangeSpec: "bytes=10-"},
		{name: "start beyond size", rangeSpec: "bytes=100-200"},
		{name: "inverted", rangeSpec: "bytes=5-2"},
		{name: "malformed", rangeSpec: "bytes=abc"},
		{name: "wrong unit", rangeSpec: "items=0-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doServe(t, entry, http.MethodGet, tt.rangeSpec)

			assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
			assert.Equal(t, "bytes */10", rec.Header().Get("Content-Range"))
			assert.Empty(t, rec.Body.String())
		})
	}
}

func TestServeEntryHead(t *testing.T) {
	entry := serveTestEntry(t, []byte("0123456789"))

	rec := doServe(t, entry, http.MethodHead, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))

	rec = doServe(t, entry, http.MethodHead, "bytes=2-5")
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
}

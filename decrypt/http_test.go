package decrypt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	havencache "github.com/havenlabs/haven-cache"
)

func TestGatewayDecrypt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/decrypt", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "vid-1", req["video_id"])
		assert.Equal(t, "bafy-enc-vid-1", req["encrypted_cid"])

		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("plaintext bytes"))
	}))
	defer srv.Close()

	gw := NewGateway(srv.URL)
	rc, info, err := gw.Decrypt(context.Background(), testRef("vid-1"))
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	assert.Equal(t, "video/mp4", info.ContentType)
	assert.Equal(t, int64(len("plaintext bytes")), info.Size)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "plaintext bytes", string(data))
}

func TestGatewayDecryptNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, _, err := NewGateway(srv.URL).Decrypt(context.Background(), testRef("vid-1"))
	assert.ErrorIs(t, err, havencache.ErrNotFound)
}

func TestGatewayDecryptError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "threshold not met", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, _, err := NewGateway(srv.URL).Decrypt(context.Background(), testRef("vid-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold not met")
}

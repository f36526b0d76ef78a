package decrypt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	havencache "github.com/havenlabs/haven-cache"
)

// DefaultGatewayTimeout bounds a single gateway decryption request.
const DefaultGatewayTimeout = 5 * time.Minute

// Gateway is a Decryptor backed by a threshold-decryption gateway: the
// gateway gathers key shares, decrypts the Filecoin payload and streams the
// plaintext back.
type Gateway struct {
	baseURL string
	client  *http.Client
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayHTTPClient sets a custom HTTP client.
func WithGatewayHTTPClient(client *http.Client) GatewayOption {
	return func(g *Gateway) {
		g.client = client
	}
}

// NewGateway creates a gateway decryptor rooted at baseURL.
func NewGateway(baseURL string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: DefaultGatewayTimeout,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Decrypt requests the plaintext for one encrypted payload. The returned
// reader streams the decrypted bytes and must be closed by the caller.
func (g *Gateway) Decrypt(ctx context.Context, ref EncryptedRef) (io.ReadCloser, Info, error) {
	payload, err := json.Marshal(map[string]any{
		"video_id":      ref.VideoID,
		"encrypted_cid": ref.EncryptedCID,
		"filecoin_cid":  ref.FilecoinCID,
		"algorithm":     ref.Encryption.Algorithm,
		"threshold":     ref.Encryption.Threshold,
		"nonce":         ref.Encryption.Nonce,
	})
	if err != nil {
		return nil, Info{}, fmt.Errorf("encoding decrypt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/decrypt", bytes.NewReader(payload))
	if err != nil {
		return nil, Info{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, Info{}, fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, Info{}, havencache.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, Info{}, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(body))
	}

	info := Info{
		ContentType: resp.Header.Get("Content-Type"),
		Size:        -1,
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			info.Size = n
		}
	}
	return resp.Body, info, nil
}

var _ Decryptor = (*Gateway)(nil)

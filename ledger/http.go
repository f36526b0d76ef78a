package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	havencache "github.com/havenlabs/haven-cache"
)

const (
	// DefaultTimeout is the default timeout for gateway requests.
	DefaultTimeout = 30 * time.Second
)

// HTTPClient fetches authoritative snapshots from a ledger indexer gateway.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a gateway client rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot fetches the identity's current entries.
//
// Entries are decoded loosely: a malformed entry still comes back as a
// partially-filled record so the reconciliation engine can quarantine it
// into the sync result instead of the whole snapshot failing.
func (c *HTTPClient) Snapshot(ctx context.Context, identity string) ([]havencache.AuthoritativeRecord, error) {
	u := fmt.Sprintf("%s/v1/identities/%s/videos", c.baseURL, url.PathEscape(havencache.NormalizeIdentity(identity)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown identity: an empty library, not an error.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(body))
	}

	var raws []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raws); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	records := make([]havencache.AuthoritativeRecord, 0, len(raws))
	for _, raw := range raws {
		var r rawRecord
		// Unmarshal errors leave a zero record; Validate downstream flags
		// the missing id rather than dropping the entry silently.
		_ = json.Unmarshal(raw, &r)
		records = append(records, havencache.AuthoritativeRecord{
			ID:           r.ID,
			Owner:        r.Owner,
			Title:        r.Title,
			Description:  r.Description,
			FilecoinCID:  r.FilecoinCID,
			EncryptedCID: r.EncryptedCID,
			Encryption:   r.Encryption,
			MimeType:     r.MimeType,
			Size:         r.Size,
			CreatedAt:    r.CreatedAt.Time,
		})
	}
	return records, nil
}

var _ Client = (*HTTPClient)(nil)

// Package decrypt defines the boundary to the external threshold-decryption
// client and the singleflight fill path that populates the content cache on
// a miss. Decryption is expensive (network fetch plus threshold key
// assembly), so concurrent misses for the same video perform exactly one
// decryption.
package decrypt

import (
	"context"
	"io"

	havencache "github.com/havenlabs/haven-cache"
)

// EncryptedRef addresses an encrypted payload for the decryption client.
type EncryptedRef struct {
	VideoID      string
	EncryptedCID string
	FilecoinCID  string
	Encryption   havencache.EncryptionMeta
}

// Info describes a decrypted payload.
type Info struct {
	ContentType string
	Size        int64
}

// Decryptor is the external threshold-decryption collaborator. Network
// dependence means callers must bound Decrypt with a context deadline.
type Decryptor interface {
	// Decrypt fetches and decrypts the referenced payload. The caller must
	// close the returned reader.
	Decrypt(ctx context.Context, ref EncryptedRef) (io.ReadCloser, Info, error)
}

// SessionCache holds sensitive derived material (session keys, decryption
// shares) owned by the decryption collaborator. It is purged on security
// events alongside the content cache.
type SessionCache interface {
	Purge(ctx context.Context) error
}

// NoopSessionCache satisfies SessionCache for deployments where the
// decryption client keeps no local session state.
type NoopSessionCache struct{}

func (NoopSessionCache) Purge(context.Context) error { return nil }

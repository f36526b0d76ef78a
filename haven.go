// Package havencache defines the core types for the haven client-resident
// cache: per-identity video metadata records, authoritative ledger records,
// and the value objects reported by the reconciliation engine.
package havencache

import (
	"strings"
	"time"
)

// EntityStatus tracks whether a record is still present in the ledger.
type EntityStatus string

const (
	// StatusActive means the record was present in the most recent
	// authoritative snapshot.
	StatusActive EntityStatus = "active"

	// StatusExpired means the record dropped out of an authoritative
	// snapshot. Expired records are retained, never deleted, and may be
	// reactivated if the same id reappears.
	StatusExpired EntityStatus = "expired"
)

// ContentStatus is a projection of content-cache membership onto a record.
type ContentStatus string

const (
	ContentNotCached ContentStatus = "not-cached"
	ContentCached    ContentStatus = "cached"
)

// EncryptionMeta describes how a video payload was encrypted. The fields are
// opaque to the cache; they are passed through to the threshold-decryption
// client.
type EncryptionMeta struct {
	Algorithm string `json:"algorithm,omitempty"`
	Threshold int    `json:"threshold,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// AuthoritativeRecord is the ledger-side shape of a video entry: identity and
// content-addressing fields only, no cache bookkeeping. Instances reaching
// the reconciliation engine have already been validated at the ledger
// boundary.
type AuthoritativeRecord struct {
	ID           string         `json:"id"`
	Owner        string         `json:"owner"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	FilecoinCID  string         `json:"filecoin_cid,omitempty"`
	EncryptedCID string         `json:"encrypted_cid"`
	Encryption   EncryptionMeta `json:"encryption,omitempty"`
	MimeType     string         `json:"mime_type,omitempty"`
	Size         int64          `json:"size,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitempty"`
}

// VideoRecord is the per-identity stored form of a video entry. The
// authoritative fields mirror AuthoritativeRecord; the remaining fields are
// local cache bookkeeping that reconciliation must preserve on overwrite.
type VideoRecord struct {
	ID           string         `json:"id"`
	Owner        string         `json:"owner"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	FilecoinCID  string         `json:"filecoin_cid,omitempty"`
	EncryptedCID string         `json:"encrypted_cid"`
	Encryption   EncryptionMeta `json:"encryption,omitempty"`
	MimeType     string         `json:"mime_type,omitempty"`
	Size         int64          `json:"size,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitempty"`

	// Cache bookkeeping. Never overwritten by reconciliation.
	CachedAt        time.Time     `json:"cached_at"`
	LastSyncedAt    time.Time     `json:"last_synced_at"`
	LastAccessedAt  time.Time     `json:"last_accessed_at,omitempty"`
	CacheVersion    int           `json:"cache_version"`
	EntityStatus    EntityStatus  `json:"entity_status"`
	Dirty           bool          `json:"dirty,omitempty"`
	ContentStatus   ContentStatus `json:"content_status"`
	ContentCachedAt time.Time     `json:"content_cached_at,omitempty"`
}

// NewVideoRecord builds a VideoRecord from an authoritative record observed
// at the given time. The record starts active and not content-cached.
func NewVideoRecord(a AuthoritativeRecord, now time.Time) *VideoRecord {
	return &VideoRecord{
		ID:            a.ID,
		Owner:         a.Owner,
		Title:         a.Title,
		Description:   a.Description,
		FilecoinCID:   a.FilecoinCID,
		EncryptedCID:  a.EncryptedCID,
		Encryption:    a.Encryption,
		MimeType:      a.MimeType,
		Size:          a.Size,
		CreatedAt:     a.CreatedAt,
		CachedAt:      now,
		LastSyncedAt:  now,
		CacheVersion:  1,
		EntityStatus:  StatusActive,
		ContentStatus: ContentNotCached,
	}
}

// ApplyAuthoritative overwrites the authoritative fields of the record while
// leaving cache bookkeeping untouched.
func (r *VideoRecord) ApplyAuthoritative(a AuthoritativeRecord) {
	r.Owner = a.Owner
	r.Title = a.Title
	r.Description = a.Description
	r.FilecoinCID = a.FilecoinCID
	r.EncryptedCID = a.EncryptedCID
	r.Encryption = a.Encryption
	r.MimeType = a.MimeType
	r.Size = a.Size
	r.CreatedAt = a.CreatedAt
}

// ContentEqual reports whether the record's authoritative fields match the
// given authoritative record. Cache bookkeeping fields are excluded so a
// locally-annotated record still counts as unchanged.
func (r *VideoRecord) ContentEqual(a AuthoritativeRecord) bool {
	return r.ID == a.ID &&
		r.Owner == a.Owner &&
		r.Title == a.Title &&
		r.Description == a.Description &&
		r.FilecoinCID == a.FilecoinCID &&
		r.EncryptedCID == a.EncryptedCID &&
		r.Encryption == a.Encryption &&
		r.MimeType == a.MimeType &&
		r.Size == a.Size &&
		r.CreatedAt.Equal(a.CreatedAt)
}

// SyncResult reports the outcome of one reconciliation pass. It is a value
// object: construct once, never mutate.
type SyncResult struct {
	Added     int       `json:"added"`
	Updated   int       `json:"updated"`
	Expired   int       `json:"expired"`
	Unchanged int       `json:"unchanged"`
	Errors    []string  `json:"errors,omitempty"`
	SyncedAt  time.Time `json:"synced_at"`
}

// Stats summarises a single identity's cache for display.
type Stats struct {
	TotalVideos   int       `json:"total_videos"`
	ActiveVideos  int       `json:"active_videos"`
	ExpiredVideos int       `json:"expired_videos"`
	CacheSize     int64     `json:"cache_size"`
	LastFullSync  time.Time `json:"last_full_sync,omitzero"`
	OldestEntry   time.Time `json:"oldest_entry,omitzero"`
	NewestEntry   time.Time `json:"newest_entry,omitzero"`
}

// SyncStatus is the non-blocking sync indicator surfaced to the UI.
type SyncStatus struct {
	IsSyncing     bool      `json:"is_syncing"`
	LastSyncedAt  time.Time `json:"last_synced_at,omitzero"`
	LastSyncError string    `json:"last_sync_error,omitempty"`
}

// NormalizeIdentity canonicalises an identity string for use as a storage
// namespace. Identities are compared and persisted in lowercase; path
// separators are rejected by replacement so an identity can never escape its
// namespace on a filesystem-backed store.
func NormalizeIdentity(identity string) string {
	s := strings.ToLower(strings.TrimSpace(identity))
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	return s
}

// Package ledger defines the boundary to the authoritative entity store.
// The ledger itself is an external collaborator; this package holds the
// client interface and the validation that turns raw ledger attribute bags
// into typed records before they reach the reconciliation engine.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	havencache "github.com/havenlabs/haven-cache"
)

// Client supplies authoritative snapshots of an identity's video entries.
// Implementations query the blockchain-backed entity store; the cache core
// only depends on this interface.
type Client interface {
	// Snapshot returns the current authoritative records for the identity.
	// The returned slice is a point-in-time view: any locally-active record
	// absent from it is considered expired by the reconciliation engine.
	Snapshot(ctx context.Context, identity string) ([]havencache.AuthoritativeRecord, error)
}

// rawRecord is the loosely-typed attribute bag the ledger returns. All
// fields are optional at the wire level; DecodeRecord enforces which ones
// are actually required.
type rawRecord struct {
	ID           string                    `json:"id"`
	Owner        string                    `json:"owner"`
	Title        string                    `json:"title"`
	Description  string                    `json:"description"`
	FilecoinCID  string                    `json:"filecoin_cid"`
	EncryptedCID string                    `json:"encrypted_cid"`
	Encryption   havencache.EncryptionMeta `json:"encryption"`
	MimeType     string                    `json:"mime_type"`
	Size         int64                     `json:"size"`
	CreatedAt    jsonTime                  `json:"created_at"`
}

// DecodeRecord parses and validates a raw ledger entry. Malformed entries
// are rejected here with a RecordError so untyped data never propagates
// into the metadata store.
func DecodeRecord(raw json.RawMessage) (havencache.AuthoritativeRecord, error) {
	var r rawRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return havencache.AuthoritativeRecord{}, &havencache.RecordError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	rec := havencache.AuthoritativeRecord{
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
	}
	if err := Validate(rec); err != nil {
		return havencache.AuthoritativeRecord{}, err
	}
	return rec, nil
}

// jsonTime accepts either an RFC3339 string or a unix-millisecond integer,
// matching the two timestamp encodings observed in ledger entries.
type jsonTime struct {
	Time time.Time
}

func (t *jsonTime) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" || string(data) == `""` {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parsing timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// Validate checks the invariants a record must satisfy before it may be
// stored. Returns a *havencache.RecordError on failure.
func Validate(rec havencache.AuthoritativeRecord) error {
	switch {
	case rec.ID == "":
		return &havencache.RecordError{Reason: "missing id"}
	case rec.Owner == "":
		return &havencache.RecordError{ID: rec.ID, Reason: "missing owner"}
	case rec.EncryptedCID == "":
		return &havencache.RecordError{ID: rec.ID, Reason: "missing encrypted cid"}
	case rec.Size < 0:
		return &havencache.RecordError{ID: rec.ID, Reason: "negative size"}
	}
	return nil
}

package havencache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record or cache entry does not exist.
	ErrNotFound = errors.New("havencache: not found")

	// ErrAlreadyExists is returned by a speculative insert when the record
	// id is already present in the identity's store.
	ErrAlreadyExists = errors.New("havencache: record already exists")

	// ErrStorageUnavailable is returned when the platform storage backing a
	// store is missing or access is denied. Callers degrade to pass-through
	// behaviour rather than failing hard.
	ErrStorageUnavailable = errors.New("havencache: storage unavailable")

	// ErrRangeUnsatisfiable is returned when a requested byte range starts
	// at or beyond the payload size. Maps to HTTP 416.
	ErrRangeUnsatisfiable = errors.New("havencache: range unsatisfiable")

	// ErrSyncInFlight is returned when a reconciliation trigger arrives
	// while one is already running for the same identity. The trigger is
	// coalesced, not queued.
	ErrSyncInFlight = errors.New("havencache: sync already in flight")

	// ErrAttachAborted is returned when an identity attach loses a race to
	// a newer attach. The stale handle is closed; no user-visible error.
	ErrAttachAborted = errors.New("havencache: attach aborted")
)

// RecordError describes a single malformed record encountered during
// reconciliation. It is collected into SyncResult.Errors and never aborts
// the batch.
type RecordError struct {
	ID     string
	Reason string
}

func (e *RecordError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("malformed record: %s", e.Reason)
	}
	return fmt.Sprintf("malformed record %s: %s", e.ID, e.Reason)
}

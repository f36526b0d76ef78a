package server

import (
	"encoding/json"
	"errors"
	"net/http"

	havencache "github.com/havenlabs/haven-cache"
	"github.com/havenlabs/haven-cache/contentcache"
	"github.com/havenlabs/haven-cache/decrypt"
	"github.com/havenlabs/haven-cache/lifecycle"
	"github.com/havenlabs/haven-cache/telemetry"
)

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coordinator.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, "no identity attached")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSyncStatus returns the non-blocking sync indicator.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.SyncStatus())
}

// handleSync triggers one reconciliation pass. A pass already in flight
// coalesces: the trigger gets 409 and no second pass is queued.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.coordinator.SyncNow(r.Context())
	switch {
	case errors.Is(err, havencache.ErrSyncInFlight):
		writeError(w, http.StatusConflict, "sync already in flight")
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleVisible is the page-visibility hook: it refreshes only when the
// last sync is older than the staleness threshold.
func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	result, err := s.coordinator.Visible(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"refreshed": false})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAttach attaches an identity.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	err := s.coordinator.Attach(r.Context(), identity)
	switch {
	case errors.Is(err, havencache.ErrAttachAborted):
		// A newer attach superseded this one; not a client-visible failure.
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": s.coordinator.Identity(),
		"degraded": s.coordinator.Degraded(),
	})
}

// handleDetach detaches the active identity. The reason query parameter
// selects purge semantics; unknown or absent reasons are treated as plain
// navigation, which preserves cached data.
func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	reason := lifecycle.ReasonNavigation
	switch lifecycle.DetachReason(r.URL.Query().Get("reason")) {
	case lifecycle.ReasonDisconnect:
		reason = lifecycle.ReasonDisconnect
	case lifecycle.ReasonAccountChange:
		reason = lifecycle.ReasonAccountChange
	case lifecycle.ReasonChainChange:
		reason = lifecycle.ReasonChainChange
	}

	if err := s.coordinator.Detach(r.Context(), reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// videoView is the record shape returned by the video endpoints, with the
// cache-membership badge resolved against the content cache.
type videoView struct {
	*havencache.VideoRecord
	Cached bool `json:"cached"`
}

// handleListVideos lists all records for the attached identity.
func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	store := s.coordinator.Store()
	if store == nil {
		writeError(w, http.StatusConflict, "no identity attached")
		return
	}

	records, err := store.GetAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]videoView, 0, len(records))
	for _, rec := range records {
		views = append(views, videoView{
			VideoRecord: rec,
			Cached:      s.coordinator.IsCached(r.Context(), rec.ID),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleInsertVideo stores a record ahead of ledger confirmation, for
// videos the user just published. Reconciliation reconciles it like any
// other record once the ledger catches up.
func (s *Server) handleInsertVideo(w http.ResponseWriter, r *http.Request) {
	var auth havencache.AuthoritativeRecord
	if err := json.NewDecoder(r.Body).Decode(&auth); err != nil {
		writeError(w, http.StatusBadRequest, "decoding record: "+err.Error())
		return
	}

	err := s.coordinator.InsertSpeculative(r.Context(), auth)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusCreated)
	case errors.Is(err, havencache.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case s.coordinator.State() != lifecycle.StateReady:
		writeError(w, http.StatusConflict, "no identity attached")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// handleGetVideo returns one record with its cache-membership badge.
func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	store := s.coordinator.Store()
	if store == nil {
		writeError(w, http.StatusConflict, "no identity attached")
		return
	}

	id := r.PathValue("id")
	rec, err := store.Get(r.Context(), id)
	switch {
	case errors.Is(err, havencache.ErrNotFound):
		writeError(w, http.StatusNotFound, "video not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, videoView{
		VideoRecord: rec,
		Cached:      s.coordinator.IsCached(r.Context(), rec.ID),
	})
}

// handleRemoveVideo is the explicit user removal path: record and cached
// bytes both go.
func (s *Server) handleRemoveVideo(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.RemoveVideo(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleContent serves cached video bytes with Range support. On a miss the
// payload is fetched and decrypted (deduplicated across concurrent
// requests), installed in the cache, then served.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tags := telemetry.GetTags(r)

	store := s.coordinator.Store()
	cache := s.coordinator.ContentCache()
	if store == nil || cache == nil {
		writeError(w, http.StatusConflict, "no identity attached")
		return
	}
	tags.Identity = cache.Identity()

	id := r.PathValue("id")
	rec, err := store.Get(ctx, id)
	switch {
	case errors.Is(err, havencache.ErrNotFound):
		tags.CacheResult = telemetry.CacheNA
		writeError(w, http.StatusNotFound, "video not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entry, err := cache.Get(ctx, id)
	switch {
	case err == nil:
		tags.CacheResult = telemetry.CacheHit
		telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
	case errors.Is(err, havencache.ErrNotFound):
		tags.CacheResult = telemetry.CacheMiss
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)

		entry, err = s.fetcher.Fill(ctx, cache, decrypt.RefForRecord(rec))
		if err != nil {
			writeError(w, http.StatusBadGateway, "fetching content: "+err.Error())
			return
		}
		if noteErr := s.coordinator.NoteContentCached(ctx, id); noteErr != nil {
			s.logger.Warn("recording content fill", "video_id", id, "error", noteErr)
		}
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.coordinator.MarkAccessed(ctx, id); err != nil {
		s.logger.Warn("recording access", "video_id", id, "error", err)
	}

	if err := contentcache.ServeEntry(ctx, w, r, entry); err != nil &&
		!errors.Is(err, havencache.ErrRangeUnsatisfiable) {
		s.logger.Error("serving content", "video_id", id, "error", err)
	}
}

// handleEvictContent removes cached bytes for one video. The metadata
// record stays; the next content request fetches fresh.
func (s *Server) handleEvictContent(w http.ResponseWriter, r *http.Request) {
	cache := s.coordinator.ContentCache()
	if cache == nil {
		writeError(w, http.StatusConflict, "no identity attached")
		return
	}

	id := r.PathValue("id")
	if err := cache.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.coordinator.NoteContentRemoved(r.Context(), id); err != nil {
		s.logger.Warn("recording content eviction", "video_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

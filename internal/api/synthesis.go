package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/service"
	"github.com/narrata/backend/internal/store"
)

// handleSynthesize answers POST /api/v1/synthesize. A cache hit returns 200
// with the audio URL; anything queued returns 202 and the session waits on
// its status channel.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req service.SynthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.UserID == "" || req.DocumentID == "" {
		writeError(w, http.StatusBadRequest, "user_id and document_id are required")
		return
	}

	ack, err := s.deps.Service.Synthesize(r.Context(), req)
	switch {
	case errors.Is(err, service.ErrEmptyText), errors.Is(err, service.ErrUnknownModel):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Printf("❌ synthesize failed for %s/%s/%d: %v", req.UserID, req.DocumentID, req.BlockIdx, err)
		writeError(w, http.StatusInternalServerError, "synthesis submission failed")
		return
	}

	status := http.StatusAccepted
	if ack.Status == core.StatusCached {
		status = http.StatusOK
	}
	writeJSON(w, status, ack)
}

type cursorRequest struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	Cursor     int    `json:"cursor"`
}

// handleCursor answers POST /api/v1/cursor, feeding the visibility scanner.
func (s *Server) handleCursor(w http.ResponseWriter, r *http.Request) {
	var req cursorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.UserID == "" || req.DocumentID == "" {
		writeError(w, http.StatusBadRequest, "user_id and document_id are required")
		return
	}

	if err := s.deps.Service.CursorMoved(r.Context(), req.UserID, req.DocumentID, req.Cursor); err != nil {
		s.logger.Printf("❌ cursor update failed for %s/%s: %v", req.UserID, req.DocumentID, err)
		writeError(w, http.StatusInternalServerError, "cursor update failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAudio serves GET /audio/{fingerprint} straight from the cache.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	fingerprint := mux.Vars(r)["fingerprint"]

	data, format, err := s.deps.Service.FetchAudio(fingerprint)
	switch {
	case errors.Is(err, service.ErrNotCached):
		writeError(w, http.StatusNotFound, "audio not cached")
		return
	case err != nil:
		s.logger.Printf("❌ audio fetch failed for %s: %v", fingerprint, err)
		writeError(w, http.StatusInternalServerError, "audio fetch failed")
		return
	}

	w.Header().Set("Content-Type", contentType(format))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func contentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// handleVariant serves GET /api/v1/variants/{fingerprint} from the billing
// store's variant metadata.
func (s *Server) handleVariant(w http.ResponseWriter, r *http.Request) {
	if s.deps.Variants == nil {
		writeError(w, http.StatusServiceUnavailable, "variant reads not configured")
		return
	}
	fingerprint := mux.Vars(r)["fingerprint"]

	meta, err := s.deps.Variants.GetVariantMetadata(r.Context(), fingerprint)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "variant not found")
		return
	case err != nil:
		s.logger.Printf("❌ variant read failed for %s: %v", fingerprint, err)
		writeError(w, http.StatusInternalServerError, "variant read failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fingerprint": meta.Fingerprint,
		"duration_ms": meta.DurationMs,
		"cache_ref":   meta.CacheRef,
		"audio_url":   core.AudioURL(meta.Fingerprint),
		"updated_at":  meta.UpdatedAt,
	})
}

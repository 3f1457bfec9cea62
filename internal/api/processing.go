package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"leastwatched/internal/pipeline"
	"leastwatched/internal/scoring"
)

func (h *Handler) StartProcessing(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, h.processor.Start)
}

func (h *Handler) StartRescore(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, h.processor.StartRescore)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (string, error)) {
	id, err := fn(r.Context())
	if err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "PROCESSING_RUNNING", "Media processing is already running")
			return
		}
		if errors.Is(err, scoring.ErrInvalidSettings) {
			writeError(w, http.StatusBadRequest, "INVALID_SETTINGS", err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("failed to start processing")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start processing")
		return
	}

	writeJSON(w, http.StatusAccepted, StartResponse{Status: "started", RunID: id})
}

// GetProgress reports the run named by ?id=, or the latest run. It never
// answers 404; an unknown run is state "none".
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	tracker := h.processor.Tracker()

	var rec *pipeline.Record
	if id := r.URL.Query().Get("id"); id != "" {
		rec = tracker.Get(r.Context(), id)
	} else {
		rec = tracker.Latest(r.Context())
	}

	resp := ProgressResponse{State: ProgressNone, Progress: rec}
	switch {
	case rec == nil:
	case rec.IsComplete:
		resp.State = ProgressCompleted
	default:
		resp.State = ProgressLive
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClearProgress forgets a run record and frees locks left by runs that are
// no longer alive. Locks of live runs, here or in another process, stay.
func (h *Handler) ClearProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.processor.Tracker().Clear(r.Context(), id); err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("failed to clear progress")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to clear progress")
		return
	}

	n, err := h.processor.ClearStaleLocks(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to clear run locks")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to clear run locks")
		return
	}

	writeJSON(w, http.StatusOK, ClearProgressResponse{Cleared: true, LocksCleared: n > 0})
}

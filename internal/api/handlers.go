package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"leastwatched/internal/diskspace"
	"leastwatched/internal/events"
	"leastwatched/internal/media"
	"leastwatched/internal/pipeline"
	"leastwatched/internal/scoring"
	"leastwatched/internal/storage"
)

const Version = "0.1.0"

type Store interface {
	Ping(ctx context.Context) error
	GetMediaItem(ctx context.Context, id string) (*storage.MediaItem, error)
	GetMediaItemsWithScores(ctx context.Context, filter storage.MediaFilter) ([]storage.MediaItem, error)
	ClearMediaItems(ctx context.Context) (int64, error)
	ListEvents(ctx context.Context, filter storage.EventFilter) ([]storage.Event, error)
	CountEvents(ctx context.Context, filter storage.EventFilter) (int, error)
	ClearEvents(ctx context.Context) (int64, error)
}

type SettingsService interface {
	DeletionScore(ctx context.Context) (scoring.Settings, error)
	SaveDeletionScore(ctx context.Context, s scoring.Settings) error
	DatePreference(ctx context.Context) (media.DatePreference, error)
	SetDatePreference(ctx context.Context, pref media.DatePreference) (bool, error)
}

type Processor interface {
	Start(ctx context.Context) (string, error)
	StartRescore(ctx context.Context) (string, error)
	IsRunning() bool
	ClearStaleLocks(ctx context.Context) (int64, error)
	Tracker() *pipeline.Tracker
}

type FolderProbe interface {
	Report() []diskspace.Usage
	Snapshot() diskspace.Snapshot
}

type EventRecorder interface {
	Record(ctx context.Context, level, component, msg string)
}

type Handler struct {
	store     Store
	settings  SettingsService
	processor Processor
	probe     FolderProbe
	events    EventRecorder
	logger    zerolog.Logger
	now       func() time.Time
}

func NewHandler(store Store, settings SettingsService, processor Processor, probe FolderProbe, events EventRecorder, logger zerolog.Logger) *Handler {
	return &Handler{
		store:     store,
		settings:  settings,
		processor: processor,
		probe:     probe,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("health check failed")
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    Version,
		Processing: h.processor.IsRunning(),
	})
}

// Media handlers

func (h *Handler) ListMedia(w http.ResponseWriter, r *http.Request) {
	var filter storage.MediaFilter

	switch t := storage.MediaType(r.URL.Query().Get("type")); t {
	case "":
	case storage.MediaTypeMovie, storage.MediaTypeTV:
		filter.Type = t
	default:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "type must be movie or tv")
		return
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	items, err := h.store.GetMediaItemsWithScores(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list media")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list media")
		return
	}
	if items == nil {
		items = []storage.MediaItem{}
	}

	writeJSON(w, http.StatusOK, MediaListResponse{Items: items, Count: len(items)})
}

func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadMedia(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// GetScoreBreakdown recomputes the score of one item from the current
// settings and reports every factor's contribution.
func (h *Handler) GetScoreBreakdown(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadMedia(w, r)
	if !ok {
		return
	}

	settings, err := h.settings.DeletionScore(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load deletion score settings")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load settings")
		return
	}

	var snapshot diskspace.Snapshot
	if h.probe != nil && settings.FolderSpace.Enabled {
		snapshot = h.probe.Snapshot()
	}
	now := h.now()
	in := pipeline.ScoreInput(item, snapshot, now)

	resp := ScoreBreakdownResponse{
		ID:            item.ID,
		Title:         item.Title,
		StoredScore:   item.DeletionScore,
		Score:         pipeline.ScoreItem(item, settings, snapshot, now),
		MaxScore:      settings.MaxScore(),
		Contributions: scoring.Breakdown(in, settings),
	}
	ref := item.LastWatched
	if ref == nil {
		ref = item.DateAdded
	}
	if ref != nil {
		resp.DaysUnwatched = scoring.DaysSince(*ref, now)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ClearMedia(w http.ResponseWriter, r *http.Request) {
	if h.processor.IsRunning() {
		writeError(w, http.StatusConflict, "PROCESSING_RUNNING", "Cannot clear media while processing is running")
		return
	}

	n, err := h.store.ClearMediaItems(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to clear media")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to clear media")
		return
	}

	h.record(r.Context(), events.LevelInfo, events.ComponentSystem, "cleared "+strconv.FormatInt(n, 10)+" media items")
	writeJSON(w, http.StatusOK, ClearResponse{Deleted: n})
}

func (h *Handler) loadMedia(w http.ResponseWriter, r *http.Request) (*storage.MediaItem, bool) {
	mediaID := chi.URLParam(r, "id")

	item, err := h.store.GetMediaItem(r.Context(), mediaID)
	if err != nil {
		h.logger.Error().Err(err).Str("id", mediaID).Msg("failed to get media")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get media")
		return nil, false
	}

	if item == nil {
		writeError(w, http.StatusNotFound, "MEDIA_NOT_FOUND", "Media not found")
		return nil, false
	}
	return item, true
}

// Settings handlers

func (h *Handler) GetDeletionScoreSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.DeletionScore(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load deletion score settings")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) UpdateDeletionScoreSettings(w http.ResponseWriter, r *http.Request) {
	// fields left out of the body keep their stored values
	req, err := h.settings.DeletionScore(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load deletion score settings")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load settings")
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	if err := h.settings.SaveDeletionScore(r.Context(), req); err != nil {
		if errors.Is(err, scoring.ErrInvalidSettings) {
			writeError(w, http.StatusBadRequest, "INVALID_SETTINGS", err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("failed to save deletion score settings")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to save settings")
		return
	}

	h.record(r.Context(), events.LevelInfo, events.ComponentSystem, "deletion score settings updated")

	writeJSON(w, http.StatusOK, SettingsSavedResponse{
		Settings:     req,
		RescoreRunID: h.triggerRescore(r.Context()),
	})
}

func (h *Handler) GetDatePreference(w http.ResponseWriter, r *http.Request) {
	pref, err := h.settings.DatePreference(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load date preference")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load date preference")
		return
	}
	writeJSON(w, http.StatusOK, DatePreferenceResponse{Preference: pref})
}

func (h *Handler) UpdateDatePreference(w http.ResponseWriter, r *http.Request) {
	var req DatePreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	pref, err := media.ParseDatePreference(string(req.Preference))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	changed, err := h.settings.SetDatePreference(r.Context(), pref)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to save date preference")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to save date preference")
		return
	}

	resp := DatePreferenceResponse{Preference: pref, Changed: changed}
	if changed {
		h.record(r.Context(), events.LevelInfo, events.ComponentSystem, "date preference changed to "+string(pref))
		resp.RescoreRunID = h.triggerRescore(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

// triggerRescore starts a rescore and returns its id, or nil when one
// could not start.
func (h *Handler) triggerRescore(ctx context.Context) *string {
	id, err := h.processor.StartRescore(ctx)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		h.logger.Info().Msg("rescore skipped, processing already running")
		return nil
	case err != nil:
		h.logger.Error().Err(err).Msg("failed to start rescore")
		return nil
	}
	return &id
}

// Folder and event handlers

func (h *Handler) GetFolderSpace(w http.ResponseWriter, r *http.Request) {
	resp := FolderSpaceResponse{Folders: []diskspace.Usage{}}
	if h.probe != nil {
		if report := h.probe.Report(); report != nil {
			resp.Folders = report
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.EventFilter{
		Level:     q.Get("level"),
		Component: q.Get("component"),
		Search:    q.Get("search"),
	}

	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", key+" must be a non-negative integer")
			return
		}
		*dst = v
	}

	list, err := h.store.ListEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list events")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list events")
		return
	}
	total, err := h.store.CountEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to count events")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list events")
		return
	}
	if list == nil {
		list = []storage.Event{}
	}

	writeJSON(w, http.StatusOK, EventsResponse{Events: list, Total: total})
}

func (h *Handler) ClearEvents(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.ClearEvents(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to clear events")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to clear events")
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Deleted: n})
}

func (h *Handler) record(ctx context.Context, level, component, msg string) {
	if h.events != nil {
		h.events.Record(ctx, level, component, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

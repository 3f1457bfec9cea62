package api

import (
	"leastwatched/internal/diskspace"
	"leastwatched/internal/media"
	"leastwatched/internal/pipeline"
	"leastwatched/internal/scoring"
	"leastwatched/internal/storage"
)

type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Processing bool   `json:"processing"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Processing DTOs

type StartResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

// Progress states reported to pollers.
const (
	ProgressNone      = "none"
	ProgressLive      = "live"
	ProgressCompleted = "completed"
)

type ProgressResponse struct {
	State    string           `json:"state"`
	Progress *pipeline.Record `json:"progress"`
}

type ClearProgressResponse struct {
	Cleared      bool `json:"cleared"`
	LocksCleared bool `json:"locks_cleared"`
}

// Media DTOs

type MediaListResponse struct {
	Items []storage.MediaItem `json:"items"`
	Count int                 `json:"count"`
}

type ScoreBreakdownResponse struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	StoredScore   *float64               `json:"stored_score"`
	Score         *float64               `json:"score"`
	MaxScore      float64                `json:"max_score"`
	DaysUnwatched int                    `json:"days_unwatched"`
	Contributions []scoring.Contribution `json:"contributions"`
}

type ClearResponse struct {
	Deleted int64 `json:"deleted"`
}

// Settings DTOs

type SettingsSavedResponse struct {
	Settings     scoring.Settings `json:"settings"`
	RescoreRunID *string          `json:"rescore_run_id"`
}

type DatePreferenceRequest struct {
	Preference media.DatePreference `json:"preference"`
}

type DatePreferenceResponse struct {
	Preference   media.DatePreference `json:"preference"`
	Changed      bool                 `json:"changed"`
	RescoreRunID *string              `json:"rescore_run_id,omitempty"`
}

type FolderSpaceResponse struct {
	Folders []diskspace.Usage `json:"folders"`
}

type EventsResponse struct {
	Events []storage.Event `json:"events"`
	Total  int             `json:"total"`
}

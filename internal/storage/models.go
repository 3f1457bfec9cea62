package storage

import "time"

type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeTV    MediaType = "tv"
)

// MediaItem is one reconciled movie or series as persisted after a pipeline run.
type MediaItem struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Type          MediaType  `json:"type"`
	Year          *int       `json:"year,omitempty"`
	Source        string     `json:"source"`
	MediaPath     string     `json:"media_path"`
	ParentFolder  string     `json:"parent_folder"`
	SizeOnDisk    int64      `json:"size_on_disk"` // bytes
	DateAdded     *time.Time `json:"date_added,omitempty"`
	DateAddedEmby *time.Time `json:"date_added_emby,omitempty"`
	DateAddedArr  *time.Time `json:"date_added_arr,omitempty"`
	LastWatched   *time.Time `json:"last_watched,omitempty"` // nil = never watched
	WatchCount    int        `json:"watch_count"`

	TmdbID   *int    `json:"tmdb_id,omitempty"`
	TvdbID   *int    `json:"tvdb_id,omitempty"`
	ImdbID   *string `json:"imdb_id,omitempty"`
	SonarrID *int    `json:"sonarr_id,omitempty"`
	RadarrID *int    `json:"radarr_id,omitempty"`
	EmbyID   *string `json:"emby_id,omitempty"`

	Quality              *string  `json:"quality,omitempty"`
	QualityScore         *int     `json:"quality_score,omitempty"`
	Monitored            *bool    `json:"monitored,omitempty"`
	EpisodesOnDisk       *int     `json:"episodes_on_disk,omitempty"`
	TotalEpisodes        *int     `json:"total_episodes,omitempty"`
	SeasonCount          *int     `json:"season_count,omitempty"`
	CompletionPercentage *int     `json:"completion_percentage,omitempty"`
	Runtime              *int     `json:"runtime,omitempty"` // minutes
	SizePerHour          *float64 `json:"size_per_hour,omitempty"`
	ImdbRating           *float64 `json:"imdb_rating,omitempty"`
	TmdbRating           *float64 `json:"tmdb_rating,omitempty"`

	Genres   []string `json:"genres"`
	Overview *string  `json:"overview,omitempty"`

	DeletionScore *float64 `json:"deletion_score"` // nil = scoring disabled / not computed

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MediaFilter narrows GetMediaItemsWithScores.
type MediaFilter struct {
	Type  MediaType
	Limit int
}

type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProgressRun is the persisted form of a pipeline progress record.
type ProgressRun struct {
	ID          string
	Kind        string
	Phase       string
	Current     int
	Total       int
	CurrentItem string
	Percentage  float64
	IsComplete  bool
	Error       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

type EventFilter struct {
	Level     string
	Component string
	Search    string
	Limit     int
	Offset    int
}

// MediaStat summarizes the stored items of one media type.
type MediaStat struct {
	Type         MediaType `json:"type"`
	Count        int       `json:"count"`
	SizeOnDisk   int64     `json:"size_on_disk"`
	Scored       int       `json:"scored"`
	AverageScore float64   `json:"average_score"`
}

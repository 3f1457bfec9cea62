package media

import (
	"fmt"
	"strings"
	"time"

	"leastwatched/internal/storage"
)

// ArrRecord is a library entry reported by Sonarr (series) or Radarr (movie).
type ArrRecord struct {
	Instance string
	Kind     storage.MediaType
	ID       int
	Title    string
	Year     int
	TmdbID   int
	TvdbID   int
	ImdbID   string
	Path     string
	// SizeOnDisk is the total across every file the record owns.
	SizeOnDisk int64
	Added      *time.Time
	Genres     []string
	Overview   string
	Monitored  bool
	Quality    string
	Runtime    int // minutes per episode or movie

	EpisodeFileCount  int
	TotalEpisodeCount int
	SeasonCount       int

	ImdbRating float64
	TmdbRating float64
}

// Service names the arr application that owns the record.
func (r *ArrRecord) Service() string {
	if r.Kind == storage.MediaTypeTV {
		return "sonarr"
	}
	return "radarr"
}

// Source is the "service:instance" label stored with reconciled items.
func (r *ArrRecord) Source() string {
	return r.Service() + ":" + r.Instance
}

// EmbyRecord is a playback-history entry reported by an Emby or Jellyfin server.
type EmbyRecord struct {
	Instance    string
	ID          string
	Kind        storage.MediaType
	Title       string
	Year        int
	TmdbID      int
	TvdbID      int
	ImdbID      string
	Path        string
	SizeOnDisk  int64
	DateCreated *time.Time
	LastPlayed  *time.Time
	PlayCount   int
	Genres      []string
	Overview    string
	Runtime     int
}

func (r *EmbyRecord) Source() string {
	return "emby:" + r.Instance
}

// DatePreference selects which add date becomes canonical.
type DatePreference string

const (
	DatePreferenceArr    DatePreference = "arr"
	DatePreferenceEmby   DatePreference = "emby"
	DatePreferenceOldest DatePreference = "oldest"
)

const DefaultDatePreference = DatePreferenceArr

func ParseDatePreference(s string) (DatePreference, error) {
	switch p := DatePreference(strings.ToLower(strings.TrimSpace(s))); p {
	case DatePreferenceArr, DatePreferenceEmby, DatePreferenceOldest:
		return p, nil
	case "":
		return DefaultDatePreference, nil
	default:
		return "", fmt.Errorf("unknown date preference %q", s)
	}
}

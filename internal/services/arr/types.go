package arr

import (
	"time"

	"leastwatched/internal/media"
	"leastwatched/internal/storage"
)

type ratingValue struct {
	Value float64 `json:"value"`
}

type ratings struct {
	Imdb *ratingValue `json:"imdb"`
	Tmdb *ratingValue `json:"tmdb"`
}

type seriesResource struct {
	ID         int        `json:"id"`
	Title      string     `json:"title"`
	Year       int        `json:"year"`
	TvdbID     int        `json:"tvdbId"`
	TmdbID     int        `json:"tmdbId"`
	ImdbID     string     `json:"imdbId"`
	Path       string     `json:"path"`
	Added      *time.Time `json:"added"`
	Genres     []string   `json:"genres"`
	Overview   string     `json:"overview"`
	Monitored  bool       `json:"monitored"`
	Runtime    int        `json:"runtime"`
	Ratings    ratings    `json:"ratings"`
	Statistics struct {
		SizeOnDisk        int64 `json:"sizeOnDisk"`
		EpisodeFileCount  int   `json:"episodeFileCount"`
		TotalEpisodeCount int   `json:"totalEpisodeCount"`
		SeasonCount       int   `json:"seasonCount"`
	} `json:"statistics"`
}

func (s *seriesResource) record(instance string) media.ArrRecord {
	r := media.ArrRecord{
		Instance:          instance,
		Kind:              storage.MediaTypeTV,
		ID:                s.ID,
		Title:             s.Title,
		Year:              s.Year,
		TvdbID:            s.TvdbID,
		TmdbID:            s.TmdbID,
		ImdbID:            s.ImdbID,
		Path:              s.Path,
		SizeOnDisk:        s.Statistics.SizeOnDisk,
		Added:             validTime(s.Added),
		Genres:            s.Genres,
		Overview:          s.Overview,
		Monitored:         s.Monitored,
		Runtime:           s.Runtime,
		EpisodeFileCount:  s.Statistics.EpisodeFileCount,
		TotalEpisodeCount: s.Statistics.TotalEpisodeCount,
		SeasonCount:       s.Statistics.SeasonCount,
	}
	if s.Ratings.Imdb != nil {
		r.ImdbRating = s.Ratings.Imdb.Value
	}
	if s.Ratings.Tmdb != nil {
		r.TmdbRating = s.Ratings.Tmdb.Value
	}
	return r
}

type movieResource struct {
	ID         int        `json:"id"`
	Title      string     `json:"title"`
	Year       int        `json:"year"`
	TmdbID     int        `json:"tmdbId"`
	ImdbID     string     `json:"imdbId"`
	Path       string     `json:"path"`
	SizeOnDisk int64      `json:"sizeOnDisk"`
	Added      *time.Time `json:"added"`
	Genres     []string   `json:"genres"`
	Overview   string     `json:"overview"`
	Monitored  bool       `json:"monitored"`
	Runtime    int        `json:"runtime"`
	Ratings    ratings    `json:"ratings"`
	MovieFile  *struct {
		Quality struct {
			Quality struct {
				Name string `json:"name"`
			} `json:"quality"`
		} `json:"quality"`
	} `json:"movieFile"`
}

func (m *movieResource) record(instance string) media.ArrRecord {
	r := media.ArrRecord{
		Instance:   instance,
		Kind:       storage.MediaTypeMovie,
		ID:         m.ID,
		Title:      m.Title,
		Year:       m.Year,
		TmdbID:     m.TmdbID,
		ImdbID:     m.ImdbID,
		Path:       m.Path,
		SizeOnDisk: m.SizeOnDisk,
		Added:      validTime(m.Added),
		Genres:     m.Genres,
		Overview:   m.Overview,
		Monitored:  m.Monitored,
		Runtime:    m.Runtime,
	}
	if m.MovieFile != nil {
		r.Quality = m.MovieFile.Quality.Quality.Name
	}
	if m.Ratings.Imdb != nil {
		r.ImdbRating = m.Ratings.Imdb.Value
	}
	if m.Ratings.Tmdb != nil {
		r.TmdbRating = m.Ratings.Tmdb.Value
	}
	return r
}

// validTime drops the zero dates arr reports for never-set fields.
func validTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() || t.Year() <= 1 {
		return nil
	}
	u := t.UTC()
	return &u
}

package media

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"leastwatched/internal/storage"
)

var ErrNoRecords = errors.New("reconcile: no arr or emby record")

// ItemID derives the stable storage id for an arr library entry.
func ItemID(kind storage.MediaType, instance string, arrID int) string {
	return generateID(fmt.Sprintf("%s:%s:%d", kind, instance, arrID))
}

func embyItemID(instance, embyID string) string {
	return generateID("emby:" + instance + ":" + embyID)
}

func generateID(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:8])
}

// CanonicalDateAdded picks the add date used for age scoring.
// A preferred side that is missing falls back to the other side.
func CanonicalDateAdded(arr, emby *time.Time, pref DatePreference) *time.Time {
	switch pref {
	case DatePreferenceEmby:
		if emby != nil {
			return emby
		}
		return arr
	case DatePreferenceOldest:
		if arr == nil {
			return emby
		}
		if emby == nil || !emby.Before(*arr) {
			return arr
		}
		return emby
	default:
		if arr != nil {
			return arr
		}
		return emby
	}
}

// Reconcile merges a paired arr and Emby record into one media item.
// Either record may be nil, not both. DeletionScore is left unset.
func Reconcile(arr *ArrRecord, emby *EmbyRecord, pref DatePreference) (storage.MediaItem, error) {
	if arr == nil && emby == nil {
		return storage.MediaItem{}, ErrNoRecords
	}

	var item storage.MediaItem

	if arr != nil {
		item = fromArr(arr)
	} else {
		item = fromEmby(emby)
	}

	if emby != nil {
		item.DateAddedEmby = emby.DateCreated
		item.LastWatched = emby.LastPlayed
		item.WatchCount = emby.PlayCount
		if emby.ID != "" {
			id := emby.ID
			item.EmbyID = &id
		}
		if item.SizeOnDisk <= 0 {
			item.SizeOnDisk = emby.SizeOnDisk
		}
		if item.Year == nil && emby.Year > 0 {
			year := emby.Year
			item.Year = &year
		}
		if item.MediaPath == "" {
			item.MediaPath = emby.Path
		}
		if item.Runtime == nil && emby.Runtime > 0 {
			rt := emby.Runtime
			item.Runtime = &rt
		}
		fillExternalIDs(&item, emby.TmdbID, emby.TvdbID, emby.ImdbID)
	}

	var arrOverview string
	var arrGenres []string
	if arr != nil {
		arrOverview = arr.Overview
		arrGenres = arr.Genres
	}
	var embyOverview string
	var embyGenres []string
	if emby != nil {
		embyOverview = emby.Overview
		embyGenres = emby.Genres
	}
	item.Overview = pickOverview(arrOverview, embyOverview)
	item.Genres = mergeGenres(arrGenres, embyGenres)

	item.DateAdded = CanonicalDateAdded(item.DateAddedArr, item.DateAddedEmby, pref)

	if item.MediaPath != "" {
		item.ParentFolder = filepath.Dir(filepath.Clean(item.MediaPath))
	}

	episodes := 1
	if item.Type == storage.MediaTypeTV {
		episodes = 0
		if item.EpisodesOnDisk != nil {
			episodes = *item.EpisodesOnDisk
		}
	}
	runtime := 0
	if item.Runtime != nil {
		runtime = *item.Runtime
	}
	item.SizePerHour = sizePerHour(item.SizeOnDisk, runtime, episodes)

	return item, nil
}

func fromArr(arr *ArrRecord) storage.MediaItem {
	item := storage.MediaItem{
		ID:           ItemID(arr.Kind, arr.Instance, arr.ID),
		Title:        strings.TrimSpace(arr.Title),
		Type:         arr.Kind,
		Source:       arr.Source(),
		MediaPath:    arr.Path,
		SizeOnDisk:   arr.SizeOnDisk,
		DateAddedArr: arr.Added,
	}

	arrID := arr.ID
	if arr.Kind == storage.MediaTypeTV {
		item.SonarrID = &arrID
	} else {
		item.RadarrID = &arrID
	}

	if arr.Year > 0 {
		year := arr.Year
		item.Year = &year
	}
	fillExternalIDs(&item, arr.TmdbID, arr.TvdbID, arr.ImdbID)

	monitored := arr.Monitored
	item.Monitored = &monitored

	if q, ok := sanitizeText(arr.Quality); ok {
		score := QualityScore(q)
		item.Quality = &q
		item.QualityScore = &score
	}
	if arr.Runtime > 0 {
		rt := arr.Runtime
		item.Runtime = &rt
	}
	if arr.ImdbRating > 0 {
		r := arr.ImdbRating
		item.ImdbRating = &r
	}
	if arr.TmdbRating > 0 {
		r := arr.TmdbRating
		item.TmdbRating = &r
	}

	if arr.Kind == storage.MediaTypeTV {
		onDisk, total, seasons := arr.EpisodeFileCount, arr.TotalEpisodeCount, arr.SeasonCount
		item.EpisodesOnDisk = &onDisk
		item.TotalEpisodes = &total
		item.SeasonCount = &seasons
		item.CompletionPercentage = completionPercentage(onDisk, total)
	}

	return item
}

func fromEmby(emby *EmbyRecord) storage.MediaItem {
	kind := emby.Kind
	if kind == "" {
		kind = storage.MediaTypeMovie
	}
	return storage.MediaItem{
		ID:         embyItemID(emby.Instance, emby.ID),
		Title:      strings.TrimSpace(emby.Title),
		Type:       kind,
		Source:     emby.Source(),
		MediaPath:  emby.Path,
		SizeOnDisk: emby.SizeOnDisk,
	}
}

func fillExternalIDs(item *storage.MediaItem, tmdb, tvdb int, imdb string) {
	if item.TmdbID == nil && tmdb > 0 {
		item.TmdbID = &tmdb
	}
	if item.TvdbID == nil && tvdb > 0 {
		item.TvdbID = &tvdb
	}
	if item.ImdbID == nil {
		if s, ok := sanitizeText(imdb); ok {
			item.ImdbID = &s
		}
	}
}

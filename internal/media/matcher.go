package media

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"leastwatched/internal/storage"
)

// Matcher pairs arr library records with Emby playback records.
// Records from several Emby servers that describe the same title are merged.
// A Matcher is not safe for concurrent use.
type Matcher struct {
	records []*EmbyRecord
	byKey   map[string]*EmbyRecord
	byTitle map[string][]*EmbyRecord
	claimed map[*EmbyRecord]bool
}

func NewMatcher(records []EmbyRecord) *Matcher {
	m := &Matcher{
		byKey:   make(map[string]*EmbyRecord),
		byTitle: make(map[string][]*EmbyRecord),
		claimed: make(map[*EmbyRecord]bool),
	}

	for i := range records {
		r := records[i]
		if existing := m.lookupKeys(embyKeys(&r)); existing != nil {
			mergeEmby(existing, &r)
			m.index(existing)
			continue
		}
		rec := &r
		m.records = append(m.records, rec)
		m.index(rec)
	}

	return m
}

func (m *Matcher) index(r *EmbyRecord) {
	for _, k := range embyKeys(r) {
		if _, ok := m.byKey[k]; !ok {
			m.byKey[k] = r
		}
	}
	tk := titleKey(r.Kind, r.Title, r.Year)
	for _, existing := range m.byTitle[tk] {
		if existing == r {
			return
		}
	}
	m.byTitle[tk] = append(m.byTitle[tk], r)
}

func (m *Matcher) lookupKeys(keys []string) *EmbyRecord {
	for _, k := range keys {
		if r, ok := m.byKey[k]; ok {
			return r
		}
	}
	return nil
}

// Len reports the number of distinct Emby titles after merging.
func (m *Matcher) Len() int {
	return len(m.records)
}

// Match returns the Emby record for arr, or nil. Provider ids are tried
// first, then an exact normalized title and year, then a fuzzy title
// match among unclaimed records of the same kind and year.
func (m *Matcher) Match(arr *ArrRecord) *EmbyRecord {
	if r := m.lookupKeys(arrKeys(arr)); r != nil {
		m.claimed[r] = true
		return r
	}

	if candidates := m.byTitle[titleKey(arr.Kind, arr.Title, arr.Year)]; len(candidates) > 0 {
		for _, r := range candidates {
			if !m.claimed[r] {
				m.claimed[r] = true
				return r
			}
		}
		return candidates[0]
	}

	if r := m.fuzzyMatch(arr); r != nil {
		m.claimed[r] = true
		return r
	}

	return nil
}

func (m *Matcher) fuzzyMatch(arr *ArrRecord) *EmbyRecord {
	source := normalizeTitle(arr.Title)
	if source == "" {
		return nil
	}
	maxDistance := len(source) / 3

	var best *EmbyRecord
	bestDistance := -1
	for _, r := range m.records {
		if m.claimed[r] || r.Kind != arr.Kind || r.Year != arr.Year {
			continue
		}
		target := normalizeTitle(r.Title)
		d := fuzzy.RankMatchNormalizedFold(source, target)
		if d < 0 {
			d = fuzzy.RankMatchNormalizedFold(target, source)
		}
		if d < 0 || d > maxDistance {
			continue
		}
		if bestDistance < 0 || d < bestDistance {
			best, bestDistance = r, d
		}
	}
	return best
}

// arrKeys lists provider keys in lookup priority: tvdb, tmdb, imdb for
// series and tmdb, imdb for movies.
func arrKeys(arr *ArrRecord) []string {
	var keys []string
	if arr.Kind == storage.MediaTypeTV && arr.TvdbID > 0 {
		keys = append(keys, providerKey(arr.Kind, "tvdb", strconv.Itoa(arr.TvdbID)))
	}
	if arr.TmdbID > 0 {
		keys = append(keys, providerKey(arr.Kind, "tmdb", strconv.Itoa(arr.TmdbID)))
	}
	if imdb := strings.TrimSpace(arr.ImdbID); imdb != "" {
		keys = append(keys, providerKey(arr.Kind, "imdb", imdb))
	}
	return keys
}

func embyKeys(r *EmbyRecord) []string {
	var keys []string
	if r.TvdbID > 0 {
		keys = append(keys, providerKey(r.Kind, "tvdb", strconv.Itoa(r.TvdbID)))
	}
	if r.TmdbID > 0 {
		keys = append(keys, providerKey(r.Kind, "tmdb", strconv.Itoa(r.TmdbID)))
	}
	if imdb := strings.TrimSpace(r.ImdbID); imdb != "" {
		keys = append(keys, providerKey(r.Kind, "imdb", imdb))
	}
	return keys
}

func providerKey(kind storage.MediaType, provider, id string) string {
	return string(kind) + ":" + provider + ":" + strings.ToLower(id)
}

func titleKey(kind storage.MediaType, title string, year int) string {
	return string(kind) + ":" + normalizeTitle(title) + ":" + strconv.Itoa(year)
}

// normalizeTitle lowercases, drops punctuation and a leading article.
func normalizeTitle(title string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case r == '&':
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString("and")
			space = true
		default:
			space = true
		}
	}
	return strings.TrimPrefix(b.String(), "the ")
}

// mergeEmby folds src into dst: latest playback wins, play counts add up
// and the earliest creation date is kept.
func mergeEmby(dst, src *EmbyRecord) {
	if src.LastPlayed != nil && (dst.LastPlayed == nil || src.LastPlayed.After(*dst.LastPlayed)) {
		dst.LastPlayed = src.LastPlayed
	}
	dst.PlayCount += src.PlayCount
	if src.DateCreated != nil && (dst.DateCreated == nil || src.DateCreated.Before(*dst.DateCreated)) {
		dst.DateCreated = src.DateCreated
	}
	if dst.SizeOnDisk <= 0 {
		dst.SizeOnDisk = src.SizeOnDisk
	}
	if dst.TmdbID == 0 {
		dst.TmdbID = src.TmdbID
	}
	if dst.TvdbID == 0 {
		dst.TvdbID = src.TvdbID
	}
	if dst.ImdbID == "" {
		dst.ImdbID = src.ImdbID
	}
	if dst.Overview == "" {
		dst.Overview = src.Overview
	}
	if dst.Path == "" {
		dst.Path = src.Path
	}
	dst.Genres = mergeGenres(dst.Genres, src.Genres)
}

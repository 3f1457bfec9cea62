// Package emby reads per-title playback history from Emby (or Jellyfin) servers.
package emby

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"leastwatched/internal/media"
	"leastwatched/internal/services"
	"leastwatched/internal/storage"
)

var (
	ErrNotConfigured = errors.New("emby instance is missing url or api key")
	ErrNoUsers       = errors.New("emby server returned no users")
)

const (
	pageSize       = 500
	ticksPerMinute = 60 * 10_000_000
	itemFields     = "ProviderIds,DateCreated,Path,Genres,Overview,ProductionYear,MediaSources"
)

type Config struct {
	Name   string
	URL    string
	APIKey string
	// UserID selects whose playback history is read. Empty picks the first
	// administrator, or the first user when there is none.
	UserID  string
	Retry   services.RetryPolicy
	Timeout time.Duration
}

type Client struct {
	name    string
	baseURL string
	apiKey  string
	userID  string
	retry   services.RetryPolicy
	client  services.HTTPDoer
	logger  zerolog.Logger
}

func NewClient(cfg Config, doer services.HTTPDoer, logger zerolog.Logger) *Client {
	if doer == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	return &Client{
		name:    cfg.Name,
		baseURL: services.NormalizeBaseURL(cfg.URL),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		userID:  strings.TrimSpace(cfg.UserID),
		retry:   cfg.Retry,
		client:  doer,
		logger:  logger.With().Str("service", "emby").Str("instance", cfg.Name).Logger(),
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if c.baseURL == "" || c.apiKey == "" {
		return ErrNotConfigured
	}
	u := c.baseURL + "/emby" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return services.GetJSON(ctx, c.client, c.retry, u, map[string]string{"X-Emby-Token": c.apiKey}, out)
}

type user struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Policy struct {
		IsAdministrator bool `json:"IsAdministrator"`
	} `json:"Policy"`
}

func (c *Client) resolveUser(ctx context.Context) (string, error) {
	if c.userID != "" {
		return c.userID, nil
	}

	var users []user
	if err := c.get(ctx, "/Users", nil, &users); err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", ErrNoUsers
	}
	for _, u := range users {
		if u.Policy.IsAdministrator {
			return u.ID, nil
		}
	}
	return users[0].ID, nil
}

// ListPlaybackRecords returns every movie and series with its play history.
func (c *Client) ListPlaybackRecords(ctx context.Context) ([]media.EmbyRecord, error) {
	userID, err := c.resolveUser(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve emby user on %s", c.name)
	}

	var out []media.EmbyRecord
	for start := 0; ; start += pageSize {
		query := url.Values{}
		query.Set("Recursive", "true")
		query.Set("IncludeItemTypes", "Movie,Series")
		query.Set("Fields", itemFields)
		query.Set("EnableUserData", "true")
		query.Set("StartIndex", strconv.Itoa(start))
		query.Set("Limit", strconv.Itoa(pageSize))

		var page itemsResponse
		if err := c.get(ctx, "/Users/"+url.PathEscape(userID)+"/Items", query, &page); err != nil {
			return nil, errors.Wrapf(err, "list emby items on %s", c.name)
		}

		for i := range page.Items {
			if rec, ok := page.Items[i].record(c.name); ok {
				out = append(out, rec)
			}
		}

		if len(page.Items) < pageSize || start+len(page.Items) >= page.TotalRecordCount {
			break
		}
	}

	c.logger.Debug().Int("items", len(out)).Msg("fetched playback records")
	return out, nil
}

type itemsResponse struct {
	Items            []item `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
}

type item struct {
	ID             string            `json:"Id"`
	Name           string            `json:"Name"`
	Type           string            `json:"Type"`
	ProductionYear int               `json:"ProductionYear"`
	Path           string            `json:"Path"`
	Overview       string            `json:"Overview"`
	Genres         []string          `json:"Genres"`
	DateCreated    *time.Time        `json:"DateCreated"`
	RunTimeTicks   int64             `json:"RunTimeTicks"`
	ProviderIDs    map[string]string `json:"ProviderIds"`
	MediaSources   []struct {
		Size int64 `json:"Size"`
	} `json:"MediaSources"`
	UserData struct {
		PlayCount      int        `json:"PlayCount"`
		Played         bool       `json:"Played"`
		LastPlayedDate *time.Time `json:"LastPlayedDate"`
	} `json:"UserData"`
}

func (it *item) record(instance string) (media.EmbyRecord, bool) {
	var kind storage.MediaType
	switch it.Type {
	case "Movie":
		kind = storage.MediaTypeMovie
	case "Series":
		kind = storage.MediaTypeTV
	default:
		return media.EmbyRecord{}, false
	}

	r := media.EmbyRecord{
		Instance:    instance,
		ID:          it.ID,
		Kind:        kind,
		Title:       it.Name,
		Year:        it.ProductionYear,
		Path:        it.Path,
		DateCreated: validTime(it.DateCreated),
		LastPlayed:  validTime(it.UserData.LastPlayedDate),
		PlayCount:   it.UserData.PlayCount,
		Genres:      it.Genres,
		Overview:    it.Overview,
		Runtime:     int(it.RunTimeTicks / ticksPerMinute),
	}
	if r.LastPlayed == nil && it.UserData.Played && r.PlayCount == 0 {
		r.PlayCount = 1
	}
	for _, src := range it.MediaSources {
		r.SizeOnDisk += src.Size
	}

	for k, v := range it.ProviderIDs {
		v = strings.TrimSpace(v)
		switch strings.ToLower(k) {
		case "tmdb":
			if id, err := strconv.Atoi(v); err == nil {
				r.TmdbID = id
			}
		case "tvdb":
			if id, err := strconv.Atoi(v); err == nil {
				r.TvdbID = id
			}
		case "imdb":
			r.ImdbID = v
		}
	}

	return r, true
}

func validTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() || t.Year() <= 1 {
		return nil
	}
	u := t.UTC()
	return &u
}

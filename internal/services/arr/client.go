// Package arr reads library records from Sonarr and Radarr through their v3 APIs.
package arr

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"leastwatched/internal/media"
	"leastwatched/internal/services"
	"leastwatched/internal/storage"
)

// ErrNotConfigured is returned when an instance lacks a URL or API key.
var ErrNotConfigured = errors.New("arr instance is missing url or api key")

// Config describes one Sonarr or Radarr instance.
type Config struct {
	Name    string
	URL     string
	APIKey  string
	Kind    storage.MediaType
	Retry   services.RetryPolicy
	Timeout time.Duration
}

type Client struct {
	name    string
	kind    storage.MediaType
	baseURL string
	apiKey  string
	retry   services.RetryPolicy
	client  services.HTTPDoer
	logger  zerolog.Logger
}

// NewClient builds a client. A nil doer gets an http.Client with cfg.Timeout.
func NewClient(cfg Config, doer services.HTTPDoer, logger zerolog.Logger) *Client {
	if doer == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	kind := cfg.Kind
	if kind == "" {
		kind = storage.MediaTypeMovie
	}
	c := &Client{
		name:    cfg.Name,
		kind:    kind,
		baseURL: services.NormalizeBaseURL(cfg.URL),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		retry:   cfg.Retry,
		client:  doer,
	}
	c.logger = logger.With().Str("service", c.Service()).Str("instance", cfg.Name).Logger()
	return c
}

func (c *Client) Name() string { return c.name }

func (c *Client) Kind() storage.MediaType { return c.kind }

// Service is "sonarr" for series instances and "radarr" for movie instances.
func (c *Client) Service() string {
	if c.kind == storage.MediaTypeTV {
		return "sonarr"
	}
	return "radarr"
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c.baseURL == "" || c.apiKey == "" {
		return ErrNotConfigured
	}
	return services.GetJSON(ctx, c.client, c.retry, c.baseURL+path, map[string]string{"X-Api-Key": c.apiKey}, out)
}

// ListLibraryItems returns every series (Sonarr) or movie (Radarr) in the library.
func (c *Client) ListLibraryItems(ctx context.Context) ([]media.ArrRecord, error) {
	if c.kind == storage.MediaTypeTV {
		var series []seriesResource
		if err := c.get(ctx, "/api/v3/series", &series); err != nil {
			return nil, errors.Wrapf(err, "list sonarr series on %s", c.name)
		}
		out := make([]media.ArrRecord, 0, len(series))
		for i := range series {
			out = append(out, series[i].record(c.name))
		}
		c.logger.Debug().Int("items", len(out)).Msg("fetched series")
		return out, nil
	}

	var movies []movieResource
	if err := c.get(ctx, "/api/v3/movie", &movies); err != nil {
		return nil, errors.Wrapf(err, "list radarr movies on %s", c.name)
	}
	out := make([]media.ArrRecord, 0, len(movies))
	for i := range movies {
		out = append(out, movies[i].record(c.name))
	}
	c.logger.Debug().Int("items", len(out)).Msg("fetched movies")
	return out, nil
}

// RootFolder is a library root reported by the instance.
type RootFolder struct {
	Path      string `json:"path"`
	FreeSpace int64  `json:"freeSpace"`
}

// RootFolders returns the library roots configured on the instance.
func (c *Client) RootFolders(ctx context.Context) ([]RootFolder, error) {
	var roots []RootFolder
	if err := c.get(ctx, "/api/v3/rootfolder", &roots); err != nil {
		return nil, errors.Wrapf(err, "list %s root folders on %s", c.Service(), c.name)
	}
	return roots, nil
}

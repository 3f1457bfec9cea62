package emby

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leastwatched/internal/storage"
)

func TestListPlaybackRecords(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := r.Header.Get("X-Emby-Token"); token != "token-123" {
			t.Errorf("unexpected token: %q", token)
		}
		switch r.URL.Path {
		case "/emby/Users":
			w.Write([]byte(`[{"Id": "u1", "Name": "guest"}, {"Id": "u2", "Name": "admin", "Policy": {"IsAdministrator": true}}]`))
		case "/emby/Users/u2/Items":
			assert.Equal(t, "Movie,Series", r.URL.Query().Get("IncludeItemTypes"))
			w.Write([]byte(`{
				"TotalRecordCount": 3,
				"Items": [
					{
						"Id": "100", "Name": "Blade Runner", "Type": "Movie", "ProductionYear": 1982,
						"Path": "/movies/Blade Runner (1982)/Blade Runner.mkv",
						"DateCreated": "2021-07-04T18:30:00.0000000Z",
						"RunTimeTicks": 70200000000,
						"ProviderIds": {"Tmdb": "78", "Imdb": "tt0083658"},
						"MediaSources": [{"Size": 1000}, {"Size": 2000}],
						"UserData": {"PlayCount": 3, "Played": true, "LastPlayedDate": "2024-11-02T21:00:00.0000000Z"}
					},
					{
						"Id": "200", "Name": "Chernobyl", "Type": "Series",
						"ProviderIds": {"Tvdb": "360893"},
						"UserData": {"PlayCount": 0, "Played": false}
					},
					{"Id": "300", "Name": "Trailer", "Type": "Trailer"}
				]
			}`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewClient(Config{Name: "home", URL: server.URL, APIKey: "token-123"}, server.Client(), zerolog.Nop())
	records, err := c.ListPlaybackRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	movie := records[0]
	assert.Equal(t, storage.MediaTypeMovie, movie.Kind)
	assert.Equal(t, "home", movie.Instance)
	assert.Equal(t, 78, movie.TmdbID)
	assert.Equal(t, "tt0083658", movie.ImdbID)
	assert.Equal(t, int64(3000), movie.SizeOnDisk)
	assert.Equal(t, 117, movie.Runtime)
	assert.Equal(t, 3, movie.PlayCount)
	require.NotNil(t, movie.LastPlayed)
	assert.Equal(t, 2024, movie.LastPlayed.Year())
	require.NotNil(t, movie.DateCreated)

	series := records[1]
	assert.Equal(t, storage.MediaTypeTV, series.Kind)
	assert.Equal(t, 360893, series.TvdbID)
	assert.Nil(t, series.LastPlayed)
	assert.Zero(t, series.PlayCount)
}

func TestListPlaybackRecordsPaginates(t *testing.T) {
	t.Parallel()

	const total = pageSize + 3
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.Atoi(r.URL.Query().Get("StartIndex"))
		var page itemsResponse
		page.TotalRecordCount = total
		for i := start; i < total && i < start+pageSize; i++ {
			page.Items = append(page.Items, item{ID: strconv.Itoa(i), Name: "Movie " + strconv.Itoa(i), Type: "Movie"})
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	c := NewClient(Config{Name: "big", URL: server.URL, APIKey: "k", UserID: "fixed"}, server.Client(), zerolog.Nop())
	records, err := c.ListPlaybackRecords(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, total)
}

func TestListPlaybackRecordsErrors(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Name: "blank"}, http.DefaultClient, zerolog.Nop()).ListPlaybackRecords(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	_, err = NewClient(Config{Name: "nobody", URL: server.URL, APIKey: "k"}, server.Client(), zerolog.Nop()).ListPlaybackRecords(context.Background())
	assert.ErrorIs(t, err, ErrNoUsers)
}

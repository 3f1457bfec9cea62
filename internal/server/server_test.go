package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leastwatched/internal/api"
	"leastwatched/internal/config"
	"leastwatched/internal/diskspace"
	"leastwatched/internal/events"
	"leastwatched/internal/media"
	"leastwatched/internal/metrics"
	"leastwatched/internal/pipeline"
	"leastwatched/internal/settings"
	"leastwatched/internal/storage"
)

type stubLibrary struct {
	records []media.ArrRecord
	block   chan struct{}
}

func (s *stubLibrary) Name() string    { return "main" }
func (s *stubLibrary) Service() string { return "radarr" }

func (s *stubLibrary) ListLibraryItems(ctx context.Context) ([]media.ArrRecord, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.records, nil
}

type testEnv struct {
	store  *storage.SQLiteStorage
	proc   *pipeline.Processor
	router http.Handler
}

func newTestEnv(t *testing.T, lib *stubLibrary) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	settingsSvc := settings.NewService(store, logger)
	eventLog := events.NewLog(store, 0, logger)
	probe := diskspace.NewProbe([]string{"/data"}, time.Minute, func(string) (uint64, uint64, error) {
		return 1000, 400, nil
	}, logger)

	m := metrics.NewManager(store, probe, logger)
	proc := pipeline.NewProcessor(pipeline.Deps{
		Store:     store,
		Settings:  settingsSvc,
		Tracker:   pipeline.NewTracker(store, logger),
		Events:    eventLog,
		Probe:     probe,
		Metrics:   m,
		Libraries: []pipeline.LibrarySource{lib},
	}, pipeline.Options{}, logger)
	t.Cleanup(proc.Wait)

	handler := api.NewHandler(store, settingsSvc, proc, probe, eventLog, logger)
	srv := New(config.Default().Server, handler, m.Registry(), logger)

	return &testEnv{store: store, proc: proc, router: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func movies() []media.ArrRecord {
	added := time.Now().AddDate(-2, 0, 0)
	return []media.ArrRecord{
		{Instance: "main", Kind: storage.MediaTypeMovie, ID: 1, Title: "Heat", Year: 1995, TmdbID: 949, Path: "/data/movies/Heat (1995)", SizeOnDisk: 40 << 30, Added: &added},
		{Instance: "main", Kind: storage.MediaTypeMovie, ID: 2, Title: "Ronin", Year: 1998, TmdbID: 8195, Path: "/data/movies/Ronin (1998)", SizeOnDisk: 3 << 30, Added: &added},
	}
}

func TestHealthAndEmptyProgress(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &stubLibrary{})

	rec := env.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[api.HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.Processing)

	rec = env.do(t, http.MethodGet, "/api/v1/processing/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decode[api.ProgressResponse](t, rec)
	assert.Equal(t, api.ProgressNone, progress.State)
	assert.Nil(t, progress.Progress)

	rec = env.do(t, http.MethodGet, "/api/v1/processing/progress?id=unknown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.ProgressNone, decode[api.ProgressResponse](t, rec).State)
}

func TestProcessingRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &stubLibrary{records: movies()})

	rec := env.do(t, http.MethodPost, "/api/v1/processing/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decode[api.StartResponse](t, rec)
	require.NotEmpty(t, started.RunID)
	env.proc.Wait()

	rec = env.do(t, http.MethodGet, "/api/v1/processing/progress?id="+started.RunID, "")
	progress := decode[api.ProgressResponse](t, rec)
	assert.Equal(t, api.ProgressCompleted, progress.State)
	require.NotNil(t, progress.Progress)
	assert.Equal(t, pipeline.PhaseComplete, progress.Progress.Phase)

	rec = env.do(t, http.MethodGet, "/api/v1/media", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[api.MediaListResponse](t, rec)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "Heat", list.Items[0].Title)
	require.NotNil(t, list.Items[0].DeletionScore)

	rec = env.do(t, http.MethodGet, "/api/v1/media?type=tv", "")
	assert.Equal(t, 0, decode[api.MediaListResponse](t, rec).Count)

	rec = env.do(t, http.MethodGet, "/api/v1/media?type=music", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/media?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	id := list.Items[0].ID
	rec = env.do(t, http.MethodGet, "/api/v1/media/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Heat", decode[storage.MediaItem](t, rec).Title)

	rec = env.do(t, http.MethodGet, "/api/v1/media/"+id+"/score", "")
	require.Equal(t, http.StatusOK, rec.Code)
	breakdown := decode[api.ScoreBreakdownResponse](t, rec)
	assert.Len(t, breakdown.Contributions, 5)
	assert.InDelta(t, 100, breakdown.MaxScore, 1e-9)
	require.NotNil(t, breakdown.Score)
	var sum float64
	for _, c := range breakdown.Contributions {
		sum += c.Points
	}
	assert.InDelta(t, *breakdown.Score, sum, 1e-9)
	assert.Greater(t, breakdown.DaysUnwatched, 700)

	rec = env.do(t, http.MethodGet, "/api/v1/media/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/processing/progress/"+started.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/processing/progress?id="+started.RunID, "")
	assert.Equal(t, api.ProgressNone, decode[api.ProgressResponse](t, rec).State)

	rec = env.do(t, http.MethodDelete, "/api/v1/media", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[api.ClearResponse](t, rec).Deleted)
}

func TestStartWhileRunningConflicts(t *testing.T) {
	t.Parallel()
	lib := &stubLibrary{records: movies(), block: make(chan struct{})}
	env := newTestEnv(t, lib)

	rec := env.do(t, http.MethodPost, "/api/v1/processing/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decode[api.StartResponse](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/processing/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/processing/rescore", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/v1/media", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/processing/progress", "")
	progress := decode[api.ProgressResponse](t, rec)
	assert.Equal(t, api.ProgressLive, progress.State)
	assert.Equal(t, first.RunID, progress.Progress.ID)

	// clearing the live record keeps the run's lock
	rec = env.do(t, http.MethodDelete, "/api/v1/processing/progress/"+first.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[api.ClearProgressResponse](t, rec).LocksCleared)
	rec = env.do(t, http.MethodPost, "/api/v1/processing/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(lib.block)
	env.proc.Wait()
}

func TestClearProgressKeepsOtherProcessLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, &stubLibrary{records: movies()})

	// a run owned by another process sharing the database
	require.NoError(t, env.store.AcquireRunLock(ctx, pipeline.LockSlot, "remote-run", "other-host:1", time.Now().Add(-time.Minute)))

	rec := env.do(t, http.MethodDelete, "/api/v1/processing/progress/remote-run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[api.ClearProgressResponse](t, rec).LocksCleared)

	rec = env.do(t, http.MethodPost, "/api/v1/processing/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, env.store.ReleaseRunLock(ctx, pipeline.LockSlot, "remote-run"))
	rec = env.do(t, http.MethodPost, "/api/v1/processing/start", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestDeletionScoreSettings(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &stubLibrary{records: movies()})

	_, err := env.proc.Run(context.Background())
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/settings/deletion-score", "")
	require.Equal(t, http.StatusOK, rec.Code)
	current := decode[map[string]any](t, rec)
	assert.Equal(t, true, current["enabled"])

	rec = env.do(t, http.MethodPut, "/api/v1/settings/deletion-score",
		`{"size_on_disk":{"enabled":true,"max_points":35,"breakpoints":[{"value":1,"percent":0},{"value":1,"percent":50}]}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/settings/deletion-score", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	saved := decode[api.SettingsSavedResponse](t, rec)
	assert.False(t, saved.Settings.Enabled)
	assert.InDelta(t, 35, saved.Settings.SizeOnDisk.MaxPoints, 1e-9)
	require.NotNil(t, saved.RescoreRunID)
	env.proc.Wait()

	items, err := env.store.ListMediaItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Nil(t, it.DeletionScore)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/settings/deletion-score", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDatePreference(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &stubLibrary{})

	rec := env.do(t, http.MethodGet, "/api/v1/settings/date-preference", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, media.DatePreferenceArr, decode[api.DatePreferenceResponse](t, rec).Preference)

	rec = env.do(t, http.MethodPut, "/api/v1/settings/date-preference", `{"preference":"newest"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/settings/date-preference", `{"preference":"oldest"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[api.DatePreferenceResponse](t, rec)
	assert.True(t, resp.Changed)
	assert.NotNil(t, resp.RescoreRunID)
	env.proc.Wait()

	rec = env.do(t, http.MethodPut, "/api/v1/settings/date-preference", `{"preference":"oldest"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[api.DatePreferenceResponse](t, rec)
	assert.False(t, resp.Changed)
	assert.Nil(t, resp.RescoreRunID)
}

func TestFoldersEventsAndMetrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &stubLibrary{records: movies()})

	_, err := env.proc.Run(context.Background())
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/folders/space", "")
	require.Equal(t, http.StatusOK, rec.Code)
	folders := decode[api.FolderSpaceResponse](t, rec)
	require.Len(t, folders.Folders, 1)
	assert.InDelta(t, 60, folders.Folders[0].UsedPercent, 1e-9)

	rec = env.do(t, http.MethodGet, "/api/v1/events?component="+events.ComponentProcessor, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[api.EventsResponse](t, rec)
	assert.GreaterOrEqual(t, list.Total, 1)
	require.NotEmpty(t, list.Events)
	assert.Contains(t, list.Events[0].Message, "run complete")

	rec = env.do(t, http.MethodGet, "/api/v1/events?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, decode[api.ClearResponse](t, rec).Deleted, int64(1))

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `leastwatched_media_items{type="movie"} 2`)
	assert.Contains(t, body, `leastwatched_pipeline_runs_total{kind="process",status="success"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &stubLibrary{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/media", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

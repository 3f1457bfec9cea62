package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leastwatched/internal/config"
	"leastwatched/internal/events"
	"leastwatched/internal/pipeline"
	"leastwatched/internal/services"
	"leastwatched/internal/services/arr"
	"leastwatched/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "data", "leastwatched.db")
	return cfg
}

func openApp(t *testing.T, cfg *config.Config) *application {
	t.Helper()
	app, err := newApplication(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func TestOneShotCommandsRespectLiveRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)

	// the server process is mid-run
	serving := openApp(t, cfg)
	require.NoError(t, serving.store.AcquireRunLock(ctx, pipeline.LockSlot, "serve-run", "serve-host:1", time.Now().Add(-time.Minute)))
	serving.processor.Tracker().Create(ctx, "serve-run", pipeline.KindProcess)

	oneShot := openApp(t, cfg)

	_, err := oneShot.processor.Run(ctx)
	require.ErrorIs(t, err, pipeline.ErrAlreadyRunning)
	_, err = oneShot.processor.Rescore(ctx)
	require.ErrorIs(t, err, pipeline.ErrAlreadyRunning)

	// a second server starting up leaves the live run alone too
	require.NoError(t, oneShot.recoverAbandonedRuns(ctx))
	_, err = oneShot.processor.Run(ctx)
	require.ErrorIs(t, err, pipeline.ErrAlreadyRunning)

	run, err := oneShot.store.GetProgress(ctx, "serve-run")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.False(t, run.IsComplete)
	assert.Nil(t, run.Error)
	assert.Equal(t, string(pipeline.PhaseInitializing), run.Phase)
}

func TestServeRecoversAbandonedRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Pipeline.LockTTL = 50 * time.Millisecond

	crashed := openApp(t, cfg)
	require.NoError(t, crashed.store.AcquireRunLock(ctx, pipeline.LockSlot, "crashed-run", "gone-host:7", time.Now().Add(-time.Minute)))
	crashed.processor.Tracker().Create(ctx, "crashed-run", pipeline.KindProcess)

	// nothing refreshes the lock
	time.Sleep(150 * time.Millisecond)

	restarted := openApp(t, cfg)
	require.NoError(t, restarted.recoverAbandonedRuns(ctx))

	run, err := restarted.store.GetProgress(ctx, "crashed-run")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, run.IsComplete)
	assert.Equal(t, string(pipeline.PhaseError), run.Phase)
	require.NotNil(t, run.Error)

	id, err := restarted.processor.Run(ctx)
	require.NoError(t, err)
	rec := restarted.processor.Tracker().Get(ctx, id)
	require.NotNil(t, rec)
	assert.Equal(t, pipeline.PhaseComplete, rec.Phase)
}

func TestRootFoldersRecordsUnreachableInstance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app := openApp(t, testConfig(t))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := arr.NewClient(arr.Config{
		Name:   "main",
		URL:    srv.URL,
		APIKey: "secret",
		Kind:   storage.MediaTypeMovie,
		Retry:  services.RetryPolicy{Attempts: 1},
	}, nil, zerolog.Nop())

	assert.Empty(t, app.rootFolders(ctx, []*arr.Client{client}))

	logged, err := app.store.ListEvents(ctx, storage.EventFilter{Level: events.LevelWarning})
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, events.ComponentSystem, logged[0].Component)
	assert.Contains(t, logged[0].Message, "radarr:main")
}

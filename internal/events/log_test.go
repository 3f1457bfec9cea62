package events

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leastwatched/internal/storage"
)

func TestLogPersistsAndPrunes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := NewLog(store, 5, zerolog.Nop())
	log.Error(ctx, ComponentSonarr, "connection refused")
	log.Warning(ctx, ComponentEmby, "slow")
	log.Info(ctx, ComponentProcessor, "done")

	got, err := store.ListEvents(ctx, storage.EventFilter{Component: ComponentSonarr})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, LevelError, got[0].Level)
	assert.Equal(t, "connection refused", got[0].Message)

	for i := 0; i < 10; i++ {
		log.Info(ctx, ComponentSystem, "tick")
	}
	log.Prune(ctx)

	count, err := store.CountEvents(ctx, storage.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestLogWithoutStore(t *testing.T) {
	t.Parallel()

	log := NewLog(nil, 0, zerolog.Nop())
	assert.NotPanics(t, func() {
		log.Error(context.Background(), ComponentSystem, "no store")
		log.Prune(context.Background())
	})
}

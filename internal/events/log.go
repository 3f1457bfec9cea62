// Package events records operator-visible pipeline events.
package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"leastwatched/internal/storage"
)

const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

const (
	ComponentProcessor = "media-processor"
	ComponentSonarr    = "sonarr-api"
	ComponentRadarr    = "radarr-api"
	ComponentEmby      = "emby-api"
	ComponentSystem    = "system"
)

// DefaultRetention is how many events are kept after pruning.
const DefaultRetention = 10000

// pruneEvery controls how many inserts pass between prune passes.
const pruneEvery = 100

type Store interface {
	InsertEvent(ctx context.Context, e *storage.Event) error
	PruneEvents(ctx context.Context, keep int) (int64, error)
}

// Log mirrors every event to zerolog and persists it.
type Log struct {
	store     Store
	logger    zerolog.Logger
	retention int
	inserts   atomic.Int64
	now       func() time.Time
}

func NewLog(store Store, retention int, logger zerolog.Logger) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{
		store:     store,
		logger:    logger.With().Str("module", "events").Logger(),
		retention: retention,
		now:       time.Now,
	}
}

func (l *Log) Info(ctx context.Context, component, msg string) {
	l.Record(ctx, LevelInfo, component, msg)
}

func (l *Log) Warning(ctx context.Context, component, msg string) {
	l.Record(ctx, LevelWarning, component, msg)
}

func (l *Log) Error(ctx context.Context, component, msg string) {
	l.Record(ctx, LevelError, component, msg)
}

// Record persists one event. Storage failures are logged, never returned.
func (l *Log) Record(ctx context.Context, level, component, msg string) {
	var ev *zerolog.Event
	switch level {
	case LevelError:
		ev = l.logger.Error()
	case LevelWarning:
		ev = l.logger.Warn()
	default:
		ev = l.logger.Info()
	}
	ev.Str("component", component).Msg(msg)

	if l.store == nil {
		return
	}

	e := &storage.Event{
		Timestamp: l.now().UTC(),
		Level:     level,
		Component: component,
		Message:   msg,
	}
	if err := l.store.InsertEvent(ctx, e); err != nil {
		l.logger.Warn().Err(err).Msg("failed to persist event")
		return
	}

	if l.inserts.Add(1)%pruneEvery == 0 {
		l.Prune(ctx)
	}
}

// Prune trims the table to the retention limit.
func (l *Log) Prune(ctx context.Context) {
	if l.store == nil {
		return
	}
	n, err := l.store.PruneEvents(ctx, l.retention)
	if err != nil {
		l.logger.Warn().Err(err).Msg("failed to prune events")
		return
	}
	if n > 0 {
		l.logger.Debug().Int64("deleted", n).Msg("pruned old events")
	}
}

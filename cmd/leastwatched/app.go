package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"leastwatched/internal/config"
	"leastwatched/internal/diskspace"
	"leastwatched/internal/events"
	"leastwatched/internal/metrics"
	"leastwatched/internal/pipeline"
	"leastwatched/internal/services"
	"leastwatched/internal/services/arr"
	"leastwatched/internal/services/emby"
	"leastwatched/internal/settings"
	"leastwatched/internal/storage"
)

// application holds the long-lived components shared by every command.
type application struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     *storage.SQLiteStorage
	settings  *settings.Service
	events    *events.Log
	probe     *diskspace.Probe
	metrics   *metrics.Manager
	processor *pipeline.Processor
}

func newApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*application, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	app := &application{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		settings: settings.NewService(store, logger),
		events:   events.NewLog(store, cfg.Pipeline.EventRetention, logger),
	}

	tracker := pipeline.NewTracker(store, logger)
	if n, err := tracker.Cleanup(ctx, cfg.Pipeline.ProgressMaxAge); err != nil {
		logger.Warn().Err(err).Msg("failed to clean up old progress records")
	} else if n > 0 {
		logger.Info().Int64("deleted", n).Msg("removed old progress records")
	}

	libraries, arrClients := app.librarySources()
	playback := app.playbackSources()

	app.probe = diskspace.NewProbe(cfg.Folders.Paths, cfg.Folders.CacheTTL, nil, logger)
	if len(cfg.Folders.Paths) == 0 {
		app.probe.SetFolders(app.rootFolders(ctx, arrClients))
	}

	app.metrics = metrics.NewManager(store, app.probe, logger)

	app.processor = pipeline.NewProcessor(pipeline.Deps{
		Store:     store,
		Settings:  app.settings,
		Tracker:   tracker,
		Events:    app.events,
		Probe:     app.probe,
		Metrics:   app.metrics,
		Libraries: libraries,
		Playback:  playback,
	}, pipeline.Options{
		BatchSize:    cfg.Pipeline.BatchSize,
		BatchDelay:   cfg.Pipeline.BatchDelay,
		ScoreWorkers: cfg.Pipeline.ScoreWorkers,
		FetchTimeout: cfg.Pipeline.FetchTimeout,
		ItemLimit:    cfg.Pipeline.ItemLimit,
		LockTTL:      cfg.Pipeline.LockTTL,
	}, logger)

	logger.Info().
		Int("libraries", len(libraries)).
		Int("playback", len(playback)).
		Strs("folders", app.probe.Folders()).
		Msg("sources configured")

	return app, nil
}

func (a *application) retryPolicy() services.RetryPolicy {
	return services.RetryPolicy{
		Attempts: a.cfg.Pipeline.RetryAttempts,
		Delay:    a.cfg.Pipeline.RetryDelay,
	}
}

// usable reports whether an instance can be contacted. Instances missing a
// url or api key are recorded as configuration errors and skipped.
func (a *application) usable(component, service string, inst config.InstanceConfig) bool {
	if !inst.IsEnabled() {
		return false
	}
	if strings.TrimSpace(inst.URL) == "" || strings.TrimSpace(inst.APIKey) == "" {
		a.events.Error(context.Background(), component,
			fmt.Sprintf("%s instance %q is missing url or api key, skipping", service, inst.Name))
		return false
	}
	return true
}

func (a *application) librarySources() ([]pipeline.LibrarySource, []*arr.Client) {
	var (
		sources []pipeline.LibrarySource
		clients []*arr.Client
	)

	add := func(instances []config.InstanceConfig, kind storage.MediaType, service, component string) {
		for _, inst := range instances {
			if !a.usable(component, service, inst) {
				continue
			}
			c := arr.NewClient(arr.Config{
				Name:    inst.Name,
				URL:     inst.URL,
				APIKey:  inst.APIKey,
				Kind:    kind,
				Retry:   a.retryPolicy(),
				Timeout: a.cfg.Pipeline.FetchTimeout,
			}, nil, a.logger)
			sources = append(sources, c)
			clients = append(clients, c)
		}
	}

	add(a.cfg.Sonarr, storage.MediaTypeTV, "sonarr", events.ComponentSonarr)
	add(a.cfg.Radarr, storage.MediaTypeMovie, "radarr", events.ComponentRadarr)

	return sources, clients
}

func (a *application) playbackSources() []pipeline.PlaybackSource {
	var sources []pipeline.PlaybackSource
	for _, inst := range a.cfg.Emby {
		if !a.usable(events.ComponentEmby, "emby", inst) {
			continue
		}
		sources = append(sources, emby.NewClient(emby.Config{
			Name:    inst.Name,
			URL:     inst.URL,
			APIKey:  inst.APIKey,
			UserID:  inst.UserID,
			Retry:   a.retryPolicy(),
			Timeout: a.cfg.Pipeline.FetchTimeout,
		}, nil, a.logger))
	}
	return sources
}

// rootFolders collects the root folders of every arr instance that answers.
func (a *application) rootFolders(ctx context.Context, clients []*arr.Client) []string {
	var paths []string
	for _, c := range clients {
		fctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		folders, err := c.RootFolders(fctx)
		cancel()
		if err != nil {
			a.logger.Warn().Err(err).Str("instance", c.Name()).Str("service", c.Service()).Msg("failed to load root folders")
			a.events.Warning(ctx, events.ComponentSystem,
				fmt.Sprintf("root folders of %s:%s unavailable, folder space skips them", c.Service(), c.Name()))
			continue
		}
		for _, f := range folders {
			paths = append(paths, f.Path)
		}
	}
	return paths
}

// recoverAbandonedRuns fails runs whose process died without releasing the
// lock. Only the long-running server does this; one-shot commands leave
// other processes' runs alone.
func (a *application) recoverAbandonedRuns(ctx context.Context) error {
	if err := a.processor.RecoverAbandonedRuns(ctx); err != nil {
		return fmt.Errorf("recover abandoned runs: %w", err)
	}
	return nil
}

func (a *application) Close() {
	a.processor.Wait()
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close storage")
	}
}

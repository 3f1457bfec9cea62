// Package pipeline drives the fetch, reconcile, score and persist cycle that
// turns Sonarr, Radarr and Emby data into scored media items.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"leastwatched/internal/diskspace"
	"leastwatched/internal/events"
	"leastwatched/internal/media"
	"leastwatched/internal/scoring"
	"leastwatched/internal/storage"
)

// ErrAlreadyRunning is returned when a run is requested while another holds the lock.
var ErrAlreadyRunning = errors.New("media processing already running")

// LockSlot is the run-lock key shared by processing and rescoring.
const LockSlot = "media-processing"

// LibrarySource lists library records from one Sonarr or Radarr instance.
type LibrarySource interface {
	Name() string
	Service() string
	ListLibraryItems(ctx context.Context) ([]media.ArrRecord, error)
}

// PlaybackSource lists playback records from one Emby instance.
type PlaybackSource interface {
	Name() string
	ListPlaybackRecords(ctx context.Context) ([]media.EmbyRecord, error)
}

type Store interface {
	CountMediaItems(ctx context.Context) (int, error)
	ListMediaItems(ctx context.Context) ([]storage.MediaItem, error)
	UpsertMediaItems(ctx context.Context, items []storage.MediaItem) error
	DeleteStaleMediaItems(ctx context.Context, keepIDs []string) (int64, error)
	GetAllMediaSources(ctx context.Context) (map[string]string, error)
	AcquireRunLock(ctx context.Context, slot, runID, owner string, staleBefore time.Time) error
	HeartbeatRunLock(ctx context.Context, slot, runID string) error
	ReleaseRunLock(ctx context.Context, slot, runID string) error
	ClearStaleRunLocks(ctx context.Context, staleBefore time.Time, owner, activeRunID string) (int64, error)
	ResetRunState(ctx context.Context, staleBefore time.Time) error
}

type SettingsProvider interface {
	DeletionScore(ctx context.Context) (scoring.Settings, error)
	DatePreference(ctx context.Context) (media.DatePreference, error)
}

type EventRecorder interface {
	Record(ctx context.Context, level, component, msg string)
}

type FolderProbe interface {
	Snapshot() diskspace.Snapshot
}

// Metrics receives run outcomes. Implementations must be safe for concurrent use.
type Metrics interface {
	RunFinished(kind Kind, success bool, duration time.Duration)
	ItemsScored(items []storage.MediaItem)
}

type Options struct {
	BatchSize    int
	BatchDelay   time.Duration
	ScoreWorkers int
	FetchTimeout time.Duration
	// ItemLimit caps the library records processed per run; 0 means no cap.
	ItemLimit int
	// LockOwner identifies this process in the run lock. Defaults to host:pid.
	LockOwner string
	// LockTTL is how long a lock survives without a heartbeat.
	LockTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.ScoreWorkers <= 0 {
		o.ScoreWorkers = 4
	}
	if o.LockOwner == "" {
		o.LockOwner = processOwner()
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 2 * time.Minute
	}
	return o
}

func processOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

type Deps struct {
	Store     Store
	Settings  SettingsProvider
	Tracker   *Tracker
	Events    EventRecorder
	Probe     FolderProbe
	Metrics   Metrics
	Libraries []LibrarySource
	Playback  []PlaybackSource
}

type Processor struct {
	store     Store
	settings  SettingsProvider
	tracker   *Tracker
	events    EventRecorder
	probe     FolderProbe
	metrics   Metrics
	libraries []LibrarySource
	playback  []PlaybackSource
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	activeID string
	wg       sync.WaitGroup
}

func NewProcessor(deps Deps, opts Options, logger zerolog.Logger) *Processor {
	return &Processor{
		store:     deps.Store,
		settings:  deps.Settings,
		tracker:   deps.Tracker,
		events:    deps.Events,
		probe:     deps.Probe,
		metrics:   deps.Metrics,
		libraries: deps.Libraries,
		playback:  deps.Playback,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("module", "pipeline").Logger(),
		now:       time.Now,
	}
}

func (p *Processor) Tracker() *Tracker { return p.tracker }

// IsRunning reports whether this process is executing a run.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeID != ""
}

// ActiveRunID returns the id of the run executing in this process, if any.
func (p *Processor) ActiveRunID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeID
}

type runState struct {
	id       string
	kind     Kind
	settings scoring.Settings
	pref     media.DatePreference
	started  time.Time
}

// Start begins a full processing run in the background and returns its id.
func (p *Processor) Start(ctx context.Context) (string, error) {
	return p.startAsync(ctx, KindProcess)
}

// StartRescore begins a background rescore of the stored items.
func (p *Processor) StartRescore(ctx context.Context) (string, error) {
	return p.startAsync(ctx, KindRescore)
}

func (p *Processor) startAsync(ctx context.Context, kind Kind) (string, error) {
	st, err := p.prepare(ctx, kind)
	if err != nil {
		return "", err
	}

	runCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.execute(runCtx, st)
	}()

	return st.id, nil
}

// Run performs a full processing run and waits for it to finish.
func (p *Processor) Run(ctx context.Context) (string, error) {
	st, err := p.prepare(ctx, KindProcess)
	if err != nil {
		return "", err
	}
	return st.id, p.execute(ctx, st)
}

// Rescore recomputes canonical dates and scores for stored items and waits.
func (p *Processor) Rescore(ctx context.Context) (string, error) {
	st, err := p.prepare(ctx, KindRescore)
	if err != nil {
		return "", err
	}
	return st.id, p.execute(ctx, st)
}

// Wait blocks until background runs have finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) staleBefore() time.Time {
	return time.Now().Add(-p.opts.LockTTL)
}

// RecoverAbandonedRuns frees locks whose owner stopped heartbeating and
// fails the progress records those runs left open. Runs of live processes
// sharing the database are untouched.
func (p *Processor) RecoverAbandonedRuns(ctx context.Context) error {
	return p.store.ResetRunState(ctx, p.staleBefore())
}

// ClearStaleLocks drops abandoned locks and locks this process still holds
// for runs it is no longer executing.
func (p *Processor) ClearStaleLocks(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.ClearStaleRunLocks(ctx, p.staleBefore(), p.opts.LockOwner, p.activeID)
}

// heartbeat keeps the lock of runID fresh until the returned stop is called.
func (p *Processor) heartbeat(ctx context.Context, runID string) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(max(p.opts.LockTTL/4, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.store.HeartbeatRunLock(ctx, LockSlot, runID); err != nil {
					p.logger.Warn().Err(err).Str("run", runID).Msg("failed to refresh run lock")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) prepare(ctx context.Context, kind Kind) (*runState, error) {
	settings, err := p.settings.DeletionScore(ctx)
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	pref, err := p.settings.DatePreference(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()

	// the lock and activeID change together under mu; ClearStaleLocks relies on it
	p.mu.Lock()
	if err := p.store.AcquireRunLock(ctx, LockSlot, id, p.opts.LockOwner, p.staleBefore()); err != nil {
		p.mu.Unlock()
		if errors.Is(err, storage.ErrRunLockHeld) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	p.activeID = id
	p.mu.Unlock()

	p.tracker.Create(ctx, id, kind)
	p.logger.Info().Str("run", id).Str("kind", string(kind)).Msg("run started")

	return &runState{
		id:       id,
		kind:     kind,
		settings: settings,
		pref:     pref,
		started:  p.now(),
	}, nil
}

func (p *Processor) execute(ctx context.Context, st *runState) error {
	log := p.logger.With().Str("run", st.id).Str("kind", string(st.kind)).Logger()

	stopHeartbeat := p.heartbeat(ctx, st.id)
	defer func() {
		stopHeartbeat()
		if err := p.store.ReleaseRunLock(context.WithoutCancel(ctx), LockSlot, st.id); err != nil {
			log.Error().Err(err).Msg("failed to release run lock")
		}
		p.mu.Lock()
		p.activeID = ""
		p.mu.Unlock()
	}()

	var (
		items []storage.MediaItem
		err   error
	)
	switch st.kind {
	case KindRescore:
		items, err = p.rescore(ctx, st)
	default:
		items, err = p.process(ctx, st)
	}

	elapsed := p.now().Sub(st.started)
	if p.metrics != nil {
		p.metrics.RunFinished(st.kind, err == nil, elapsed)
	}

	if err != nil {
		msg := err.Error()
		phase := PhaseError
		done := true
		p.tracker.Update(context.WithoutCancel(ctx), st.id, Patch{Phase: &phase, IsComplete: &done, Error: &msg})
		p.recordEvent(ctx, events.LevelError, events.ComponentProcessor, fmt.Sprintf("%s run failed: %v", st.kind, err))
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("run failed")
		return err
	}

	if p.metrics != nil {
		p.metrics.ItemsScored(items)
	}

	phase := PhaseComplete
	done := true
	full := 100.0
	p.tracker.Update(ctx, st.id, Patch{Phase: &phase, IsComplete: &done, Percentage: &full})

	var size int64
	for i := range items {
		size += items[i].SizeOnDisk
	}
	p.recordEvent(ctx, events.LevelInfo, events.ComponentProcessor,
		fmt.Sprintf("%s run complete: %d items, %s", st.kind, len(items), humanize.IBytes(uint64(max(size, 0)))))
	log.Info().
		Int("items", len(items)).
		Str("size", humanize.IBytes(uint64(max(size, 0)))).
		Dur("elapsed", elapsed).
		Msg("run complete")

	return nil
}

type fetchResult struct {
	records        []media.ArrRecord
	playback       []media.EmbyRecord
	failedSources  map[string]bool
	failedPlayback bool
}

func (p *Processor) process(ctx context.Context, st *runState) ([]storage.MediaItem, error) {
	sources := len(p.libraries) + len(p.playback)

	stored, err := p.store.CountMediaItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("count stored items: %w", err)
	}
	p.setPhase(ctx, st.id, PhaseInitializing, intPtr(sources+3*stored))

	p.setPhase(ctx, st.id, PhaseFetching, nil)
	fetched := p.fetch(ctx, st.id)

	records := fetched.records
	limited := false
	if p.opts.ItemLimit > 0 && len(records) > p.opts.ItemLimit {
		records = records[:p.opts.ItemLimit]
		limited = true
	}
	n := len(records)
	p.tracker.Update(ctx, st.id, Patch{Total: intPtr(sources + 3*n), Current: intPtr(sources)})

	// reconcile
	p.setPhase(ctx, st.id, PhaseReconciling, nil)
	var previous map[string]storage.MediaItem
	if fetched.failedPlayback {
		previous, err = p.storedByID(ctx)
		if err != nil {
			return nil, err
		}
	}

	matcher := media.NewMatcher(fetched.playback)
	p.logger.Debug().
		Int("records", n).
		Int("playback", matcher.Len()).
		Msg("reconciling library against playback")
	items := make([]storage.MediaItem, 0, n)
	for i := range records {
		rec := &records[i]
		emby := matcher.Match(rec)
		item, err := media.Reconcile(rec, emby, st.pref)
		if err != nil {
			p.logger.Warn().Err(err).Str("title", rec.Title).Msg("reconcile failed")
			p.recordEvent(ctx, events.LevelWarning, events.ComponentProcessor, fmt.Sprintf("skipped %q: %v", rec.Title, err))
		} else {
			if emby == nil {
				carryPlayback(&item, previous, st.pref)
			}
			items = append(items, item)
		}

		p.tracker.Update(ctx, st.id, Patch{Current: intPtr(sources + i + 1), CurrentItem: &rec.Title})
		if (i+1)%p.opts.BatchSize == 0 {
			p.tracker.Flush(ctx, st.id)
			if err := p.pause(ctx); err != nil {
				return nil, err
			}
		}
	}

	base := sources + n
	p.setPhase(ctx, st.id, PhaseScoring, nil)
	if err := p.scoreAll(ctx, st, items, base); err != nil {
		return nil, err
	}

	base += n
	p.setPhase(ctx, st.id, PhasePersisting, nil)
	if err := p.persist(ctx, st.id, items, base); err != nil {
		return nil, err
	}

	if limited {
		p.logger.Info().Int("limit", p.opts.ItemLimit).Msg("item limit reached, skipping stale cleanup")
		return items, nil
	}

	if err := p.pruneStale(ctx, items, fetched.failedSources); err != nil {
		return items, err
	}
	return items, nil
}

func (p *Processor) fetch(ctx context.Context, runID string) fetchResult {
	var (
		mu     sync.Mutex
		done   atomic.Int64
		result = fetchResult{failedSources: make(map[string]bool)}
	)

	advance := func(name string) {
		p.tracker.Update(ctx, runID, Patch{Current: intPtr(int(done.Add(1))), CurrentItem: &name})
	}

	var g errgroup.Group
	for _, src := range p.libraries {
		g.Go(func() error {
			label := src.Service() + ":" + src.Name()
			fctx, cancel := p.fetchContext(ctx)
			defer cancel()

			records, err := src.ListLibraryItems(fctx)
			if err != nil {
				p.sourceFailed(ctx, componentFor(src.Service()), label, err)
				mu.Lock()
				result.failedSources[label] = true
				mu.Unlock()
			} else {
				p.logger.Info().Str("source", label).Int("items", len(records)).Msg("fetched library")
				mu.Lock()
				result.records = append(result.records, records...)
				mu.Unlock()
			}
			advance(label)
			return nil
		})
	}
	for _, src := range p.playback {
		g.Go(func() error {
			label := "emby:" + src.Name()
			fctx, cancel := p.fetchContext(ctx)
			defer cancel()

			records, err := src.ListPlaybackRecords(fctx)
			if err != nil {
				p.sourceFailed(ctx, events.ComponentEmby, label, err)
				mu.Lock()
				result.failedSources[label] = true
				result.failedPlayback = true
				mu.Unlock()
			} else {
				p.logger.Info().Str("source", label).Int("items", len(records)).Msg("fetched playback")
				mu.Lock()
				result.playback = append(result.playback, records...)
				mu.Unlock()
			}
			advance(label)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(result.records, func(i, j int) bool {
		a, b := result.records[i], result.records[j]
		if a.Source() != b.Source() {
			return a.Source() < b.Source()
		}
		return a.ID < b.ID
	})
	sort.SliceStable(result.playback, func(i, j int) bool {
		a, b := result.playback[i], result.playback[j]
		if a.Instance != b.Instance {
			return a.Instance < b.Instance
		}
		return a.ID < b.ID
	})

	return result
}

func (p *Processor) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.FetchTimeout > 0 {
		return context.WithTimeout(ctx, p.opts.FetchTimeout)
	}
	return context.WithCancel(ctx)
}

func (p *Processor) sourceFailed(ctx context.Context, component, label string, err error) {
	p.logger.Error().Err(err).Str("source", label).Msg("fetch failed, continuing without source")
	p.recordEvent(ctx, events.LevelError, component, fmt.Sprintf("fetch from %s failed: %v", label, err))
}

func componentFor(service string) string {
	switch service {
	case "sonarr":
		return events.ComponentSonarr
	case "radarr":
		return events.ComponentRadarr
	default:
		return events.ComponentProcessor
	}
}

// carryPlayback keeps the last known playback data of an item whose Emby
// server could not be reached this run. The canonical add date is derived
// again once the Emby date is restored.
func carryPlayback(item *storage.MediaItem, previous map[string]storage.MediaItem, pref media.DatePreference) {
	prev, ok := previous[item.ID]
	if !ok {
		return
	}
	item.LastWatched = prev.LastWatched
	item.WatchCount = prev.WatchCount
	item.EmbyID = prev.EmbyID
	if item.DateAddedEmby == nil {
		item.DateAddedEmby = prev.DateAddedEmby
	}
	item.DateAdded = media.CanonicalDateAdded(item.DateAddedArr, item.DateAddedEmby, pref)
}

func (p *Processor) storedByID(ctx context.Context) (map[string]storage.MediaItem, error) {
	stored, err := p.store.ListMediaItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stored items: %w", err)
	}
	out := make(map[string]storage.MediaItem, len(stored))
	for _, it := range stored {
		out[it.ID] = it
	}
	return out, nil
}

func (p *Processor) rescore(ctx context.Context, st *runState) ([]storage.MediaItem, error) {
	items, err := p.store.ListMediaItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stored items: %w", err)
	}
	n := len(items)
	p.setPhase(ctx, st.id, PhaseInitializing, intPtr(2*n))

	for i := range items {
		items[i].DateAdded = media.CanonicalDateAdded(items[i].DateAddedArr, items[i].DateAddedEmby, st.pref)
	}

	p.setPhase(ctx, st.id, PhaseScoring, nil)
	if err := p.scoreAll(ctx, st, items, 0); err != nil {
		return nil, err
	}

	p.setPhase(ctx, st.id, PhasePersisting, nil)
	if err := p.persist(ctx, st.id, items, n); err != nil {
		return nil, err
	}
	return items, nil
}

// scoreAll fills DeletionScore in place. Chunks are scored in parallel;
// each item is written by exactly one goroutine.
func (p *Processor) scoreAll(ctx context.Context, st *runState, items []storage.MediaItem, base int) error {
	var snapshot diskspace.Snapshot
	if p.probe != nil && st.settings.FolderSpace.Enabled {
		snapshot = p.probe.Snapshot()
	}
	now := p.now()

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ScoreWorkers)

	for start := 0; start < len(items); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(items))
		chunk := items[start:end]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for j := range chunk {
				chunk[j].DeletionScore = ScoreItem(&chunk[j], st.settings, snapshot, now)
			}
			last := chunk[len(chunk)-1].Title
			p.tracker.Update(ctx, st.id, Patch{Current: intPtr(base + int(done.Add(int64(len(chunk))))), CurrentItem: &last})
			return nil
		})
	}
	return g.Wait()
}

// ScoreItem computes the deletion score of a stored item, or nil when
// scoring is disabled.
func ScoreItem(item *storage.MediaItem, s scoring.Settings, snapshot diskspace.Snapshot, now time.Time) *float64 {
	score, ok := scoring.Compute(ScoreInput(item, snapshot, now), s)
	if !ok {
		return nil
	}
	return &score
}

// ScoreInput builds the scoring input for item.
func ScoreInput(item *storage.MediaItem, snapshot diskspace.Snapshot, now time.Time) scoring.Input {
	folder := item.ParentFolder
	if folder == "" {
		folder = item.MediaPath
	}
	return scoring.Input{
		SizeOnDisk:        item.SizeOnDisk,
		DateAdded:         item.DateAdded,
		LastWatched:       item.LastWatched,
		FolderUsedPercent: snapshot.UsedPercentFor(folder),
		Now:               now,
	}
}

func (p *Processor) persist(ctx context.Context, runID string, items []storage.MediaItem, base int) error {
	for start := 0; start < len(items); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(items))
		if err := p.store.UpsertMediaItems(ctx, items[start:end]); err != nil {
			return fmt.Errorf("persist media items: %w", err)
		}
		last := items[end-1].Title
		p.tracker.Update(ctx, runID, Patch{Current: intPtr(base + end), CurrentItem: &last})
		p.tracker.Flush(ctx, runID)
		if end < len(items) {
			if err := p.pause(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// pruneStale deletes stored rows missing from this run, except rows owned
// by a source that failed to answer.
func (p *Processor) pruneStale(ctx context.Context, items []storage.MediaItem, failed map[string]bool) error {
	keep := make([]string, 0, len(items))
	for i := range items {
		keep = append(keep, items[i].ID)
	}

	if len(failed) > 0 {
		sources, err := p.store.GetAllMediaSources(ctx)
		if err != nil {
			return fmt.Errorf("load stored sources: %w", err)
		}
		for id, source := range sources {
			if failed[source] {
				keep = append(keep, id)
			}
		}
	}

	deleted, err := p.store.DeleteStaleMediaItems(ctx, keep)
	if err != nil {
		return fmt.Errorf("delete stale media items: %w", err)
	}
	if deleted > 0 {
		p.logger.Info().Int64("deleted", deleted).Msg("removed stale media items")
	}
	return nil
}

func (p *Processor) pause(ctx context.Context) error {
	if p.opts.BatchDelay <= 0 {
		return nil
	}
	t := time.NewTimer(p.opts.BatchDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) setPhase(ctx context.Context, id string, phase Phase, total *int) {
	p.tracker.Update(ctx, id, Patch{Phase: &phase, Total: total})
}

func (p *Processor) recordEvent(ctx context.Context, level, component, msg string) {
	if p.events != nil {
		p.events.Record(context.WithoutCancel(ctx), level, component, msg)
	}
}

func intPtr(v int) *int { return &v }

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"leastwatched/internal/storage"
)

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseFetching     Phase = "fetching"
	PhaseReconciling  Phase = "reconciling"
	PhaseScoring      Phase = "scoring"
	PhasePersisting   Phase = "persisting"
	PhaseComplete     Phase = "complete"
	PhaseError        Phase = "error"
)

type Kind string

const (
	KindProcess Kind = "process"
	KindRescore Kind = "rescore"
)

// Record is a point-in-time view of one run's progress.
type Record struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Phase       Phase     `json:"phase"`
	Current     int       `json:"current"`
	Total       int       `json:"total"`
	CurrentItem string    `json:"current_item"`
	Percentage  float64   `json:"percentage"`
	IsComplete  bool      `json:"is_complete"`
	Error       *string   `json:"error"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Patch lists the fields an update changes. Nil fields are left alone.
type Patch struct {
	Phase       *Phase
	Current     *int
	Total       *int
	CurrentItem *string
	Percentage  *float64
	IsComplete  *bool
	Error       *string
}

// ProgressStore persists records so they outlive the process.
type ProgressStore interface {
	SaveProgress(ctx context.Context, p *storage.ProgressRun) error
	GetProgress(ctx context.Context, id string) (*storage.ProgressRun, error)
	GetLatestProgress(ctx context.Context) (*storage.ProgressRun, error)
	DeleteProgress(ctx context.Context, id string) error
	DeleteProgressBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type trackerEntry struct {
	snap atomic.Pointer[Record]
}

// Tracker holds live progress records. Readers load immutable snapshots and
// never wait on the writer.
type Tracker struct {
	writeMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*trackerEntry
	latest  atomic.Pointer[string]

	store  ProgressStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewTracker(store ProgressStore, logger zerolog.Logger) *Tracker {
	return &Tracker{
		entries: make(map[string]*trackerEntry),
		store:   store,
		logger:  logger.With().Str("module", "progress").Logger(),
		now:     time.Now,
	}
}

// Create registers a new record with the given id.
func (t *Tracker) Create(ctx context.Context, id string, kind Kind) Record {
	now := t.now().UTC()
	rec := &Record{
		ID:        id,
		Kind:      kind,
		Phase:     PhaseInitializing,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e := &trackerEntry{}
	e.snap.Store(rec)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()
	t.latest.Store(&id)

	t.persist(ctx, rec)
	return *rec
}

func (t *Tracker) entry(id string) *trackerEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[id]
}

// Update merges p into the record. Current never moves backwards and the
// percentage is derived from current/total unless p sets it. It reports
// false when the record no longer exists.
func (t *Tracker) Update(ctx context.Context, id string, p Patch) bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	e := t.entry(id)
	if e == nil {
		return false
	}

	old := e.snap.Load()
	next := *old

	if p.Phase != nil {
		next.Phase = *p.Phase
	}
	if p.Total != nil && *p.Total >= 0 {
		next.Total = *p.Total
	}
	if p.Current != nil && *p.Current > next.Current {
		next.Current = *p.Current
	}
	if p.CurrentItem != nil {
		next.CurrentItem = *p.CurrentItem
	}
	if p.IsComplete != nil {
		next.IsComplete = *p.IsComplete
	}
	if p.Error != nil {
		msg := *p.Error
		next.Error = &msg
	}

	switch {
	case p.Percentage != nil:
		next.Percentage = *p.Percentage
	case next.Total > 0:
		next.Percentage = float64(next.Current) / float64(next.Total) * 100
	}
	next.Percentage = clampPercent(next.Percentage)
	next.UpdatedAt = t.now().UTC()

	e.snap.Store(&next)

	if next.Phase != old.Phase || next.IsComplete != old.IsComplete {
		t.persist(ctx, &next)
	}
	return true
}

// Flush writes the current snapshot of id to the store. It is a no-op once
// the record has been cleared.
func (t *Tracker) Flush(ctx context.Context, id string) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if e := t.entry(id); e != nil {
		t.persist(ctx, e.snap.Load())
	}
}

// Get returns the record for id, falling back to the store for runs that
// are no longer in memory. It returns nil for unknown or cleared ids.
func (t *Tracker) Get(ctx context.Context, id string) *Record {
	if e := t.entry(id); e != nil {
		rec := *e.snap.Load()
		return &rec
	}
	if t.store == nil {
		return nil
	}
	run, err := t.store.GetProgress(ctx, id)
	if err != nil {
		t.logger.Warn().Err(err).Str("id", id).Msg("failed to load progress")
		return nil
	}
	return fromRun(run)
}

// Latest returns the most recently created record, or nil.
func (t *Tracker) Latest(ctx context.Context) *Record {
	if id := t.latest.Load(); id != nil {
		if rec := t.Get(ctx, *id); rec != nil {
			return rec
		}
	}
	if t.store == nil {
		return nil
	}
	run, err := t.store.GetLatestProgress(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to load latest progress")
		return nil
	}
	return fromRun(run)
}

// Clear forgets id in memory and in the store. Writes in flight for id
// finish before the stored row is deleted.
func (t *Tracker) Clear(ctx context.Context, id string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()

	if latest := t.latest.Load(); latest != nil && *latest == id {
		t.latest.CompareAndSwap(latest, nil)
	}

	if t.store == nil {
		return nil
	}
	return t.store.DeleteProgress(ctx, id)
}

// Cleanup drops finished records created before now-maxAge.
func (t *Tracker) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := t.now().Add(-maxAge)

	t.writeMu.Lock()
	t.mu.Lock()
	for id, e := range t.entries {
		rec := e.snap.Load()
		if rec.IsComplete && rec.CreatedAt.Before(cutoff) {
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()
	t.writeMu.Unlock()

	if t.store == nil {
		return 0, nil
	}
	return t.store.DeleteProgressBefore(ctx, cutoff)
}

func (t *Tracker) persist(ctx context.Context, rec *Record) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveProgress(ctx, toRun(rec)); err != nil {
		t.logger.Warn().Err(err).Str("id", rec.ID).Msg("failed to persist progress")
	}
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func toRun(r *Record) *storage.ProgressRun {
	return &storage.ProgressRun{
		ID:          r.ID,
		Kind:        string(r.Kind),
		Phase:       string(r.Phase),
		Current:     r.Current,
		Total:       r.Total,
		CurrentItem: r.CurrentItem,
		Percentage:  r.Percentage,
		IsComplete:  r.IsComplete,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromRun(p *storage.ProgressRun) *Record {
	if p == nil {
		return nil
	}
	return &Record{
		ID:          p.ID,
		Kind:        Kind(p.Kind),
		Phase:       Phase(p.Phase),
		Current:     p.Current,
		Total:       p.Total,
		CurrentItem: p.CurrentItem,
		Percentage:  p.Percentage,
		IsComplete:  p.IsComplete,
		Error:       p.Error,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

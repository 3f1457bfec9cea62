// Package scheduler starts pipeline runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"leastwatched/internal/pipeline"
)

// StartFunc begins a run and returns its id.
type StartFunc func(ctx context.Context) (string, error)

// Scheduler fires StartFunc whenever the cron spec is due.
type Scheduler struct {
	cron   *cron.Cron
	entry  cron.EntryID
	start  StartFunc
	spec   string
	logger zerolog.Logger
}

// New parses spec (standard five-field cron or a descriptor such as
// "@daily"). An empty spec returns a nil scheduler.
func New(spec string, start StartFunc, logger zerolog.Logger) (*Scheduler, error) {
	if spec == "" {
		return nil, nil
	}

	s := &Scheduler{
		cron:   cron.New(),
		start:  start,
		spec:   spec,
		logger: logger.With().Str("module", "scheduler").Logger(),
	}

	id, err := s.cron.AddFunc(spec, s.Trigger)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

func (s *Scheduler) Start() {
	if s == nil {
		return
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", s.spec).Time("next", s.Next()).Msg("scheduled processing enabled")
}

// Stop halts the schedule and waits for a firing trigger to return.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

// Next returns when the schedule fires next, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// Trigger starts one run. A run already in progress is not an error.
func (s *Scheduler) Trigger() {
	id, err := s.start(context.Background())
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		s.logger.Info().Msg("skipping scheduled run, processing already in progress")
	case err != nil:
		s.logger.Error().Err(err).Msg("scheduled run failed to start")
	default:
		s.logger.Info().Str("run", id).Msg("scheduled run started")
	}
}

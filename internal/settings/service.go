package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"leastwatched/internal/media"
	"leastwatched/internal/scoring"
	"leastwatched/internal/storage"
)

const (
	KeyScoreEnabled   = "deletion_score.enabled"
	KeyDatePreference = "app.date_preference"

	scorePrefix = "deletion_score."
)

// Store is the key/value persistence the service reads and writes through.
type Store interface {
	GetSetting(ctx context.Context, key string) (*storage.Setting, error)
	GetSettingsByPrefix(ctx context.Context, prefix string) (map[string]string, error)
	SetSettings(ctx context.Context, settings []storage.Setting) error
}

// Service maps typed scoring settings and the date preference onto flat keys.
type Service struct {
	store  Store
	logger zerolog.Logger
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func factorKeys(factor string) (enabled, maxPoints, breakpoints string) {
	base := scorePrefix + factor + "."
	return base + "enabled", base + "max_points", base + "breakpoints"
}

func neverWatchedKeys() (enabled, points string) {
	base := scorePrefix + scoring.KeyNeverWatched + "."
	return base + "enabled", base + "points"
}

// DeletionScore loads the scoring settings. Keys that are missing or fail
// to parse keep their default value.
func (s *Service) DeletionScore(ctx context.Context) (scoring.Settings, error) {
	values, err := s.store.GetSettingsByPrefix(ctx, scorePrefix)
	if err != nil {
		return scoring.Settings{}, fmt.Errorf("load deletion score settings: %w", err)
	}

	out := scoring.DefaultSettings()
	s.readBool(values, KeyScoreEnabled, &out.Enabled)

	for key, f := range out.CurveFactors() {
		enabledKey, maxKey, bpKey := factorKeys(key)
		s.readBool(values, enabledKey, &f.Enabled)
		s.readFloat(values, maxKey, &f.MaxPoints)
		if raw, ok := values[bpKey]; ok {
			var bps scoring.Breakpoints
			if err := json.Unmarshal([]byte(raw), &bps); err != nil || len(bps) == 0 {
				s.logger.Warn().Str("key", bpKey).Msg("ignoring malformed breakpoints")
			} else {
				f.Breakpoints = bps
			}
		}
	}

	nwEnabled, nwPoints := neverWatchedKeys()
	s.readBool(values, nwEnabled, &out.NeverWatched.Enabled)
	s.readFloat(values, nwPoints, &out.NeverWatched.Points)

	return out, nil
}

// SaveDeletionScore validates and persists every scoring key.
func (s *Service) SaveDeletionScore(ctx context.Context, in scoring.Settings) error {
	if err := in.Validate(); err != nil {
		return err
	}

	rows := []storage.Setting{{
		Key:         KeyScoreEnabled,
		Value:       strconv.FormatBool(in.Enabled),
		Description: "Enable deletion score calculation",
	}}

	for key, f := range in.CurveFactors() {
		enabledKey, maxKey, bpKey := factorKeys(key)
		bps, err := json.Marshal(f.Breakpoints)
		if err != nil {
			return fmt.Errorf("encode %s breakpoints: %w", key, err)
		}
		rows = append(rows,
			storage.Setting{Key: enabledKey, Value: strconv.FormatBool(f.Enabled)},
			storage.Setting{Key: maxKey, Value: strconv.FormatFloat(f.MaxPoints, 'f', -1, 64)},
			storage.Setting{Key: bpKey, Value: string(bps)},
		)
	}

	nwEnabled, nwPoints := neverWatchedKeys()
	rows = append(rows,
		storage.Setting{Key: nwEnabled, Value: strconv.FormatBool(in.NeverWatched.Enabled)},
		storage.Setting{Key: nwPoints, Value: strconv.FormatFloat(in.NeverWatched.Points, 'f', -1, 64)},
	)

	return s.store.SetSettings(ctx, rows)
}

func (s *Service) DatePreference(ctx context.Context) (media.DatePreference, error) {
	st, err := s.store.GetSetting(ctx, KeyDatePreference)
	if err != nil {
		return "", fmt.Errorf("load date preference: %w", err)
	}
	if st == nil {
		return media.DefaultDatePreference, nil
	}

	pref, err := media.ParseDatePreference(st.Value)
	if err != nil {
		s.logger.Warn().Err(err).Msg("stored date preference invalid, using default")
		return media.DefaultDatePreference, nil
	}
	return pref, nil
}

// SetDatePreference stores pref and reports whether it changed.
func (s *Service) SetDatePreference(ctx context.Context, pref media.DatePreference) (bool, error) {
	pref, err := media.ParseDatePreference(string(pref))
	if err != nil {
		return false, err
	}

	current, err := s.DatePreference(ctx)
	if err != nil {
		return false, err
	}

	if err := s.store.SetSettings(ctx, []storage.Setting{{
		Key:         KeyDatePreference,
		Value:       string(pref),
		Description: "Source of the canonical date added: arr, emby or oldest",
	}}); err != nil {
		return false, err
	}

	return current != pref, nil
}

func (s *Service) readBool(values map[string]string, key string, dst *bool) {
	raw, ok := values[key]
	if !ok {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		s.logger.Warn().Str("key", key).Str("value", raw).Msg("ignoring malformed boolean setting")
		return
	}
	*dst = v
}

func (s *Service) readFloat(values map[string]string, key string, dst *float64) {
	raw, ok := values[key]
	if !ok {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.logger.Warn().Str("key", key).Str("value", raw).Msg("ignoring malformed numeric setting")
		return
	}
	*dst = v
}

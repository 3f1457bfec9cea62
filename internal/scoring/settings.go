package scoring

import (
	"errors"
	"fmt"
)

// ErrInvalidSettings wraps every settings validation failure.
var ErrInvalidSettings = errors.New("invalid deletion score settings")

// FactorSettings configures a curve-driven factor.
type FactorSettings struct {
	Enabled     bool        `json:"enabled"`
	MaxPoints   float64     `json:"max_points"`
	Breakpoints Breakpoints `json:"breakpoints"`
}

// FlatSettings configures a factor that awards a fixed number of points.
type FlatSettings struct {
	Enabled bool    `json:"enabled"`
	Points  float64 `json:"points"`
}

type Settings struct {
	Enabled       bool           `json:"enabled"`
	DaysUnwatched FactorSettings `json:"days_unwatched"`
	NeverWatched  FlatSettings   `json:"never_watched"`
	SizeOnDisk    FactorSettings `json:"size_on_disk"`
	AgeSinceAdded FactorSettings `json:"age_since_added"`
	FolderSpace   FactorSettings `json:"folder_space"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled: true,
		DaysUnwatched: FactorSettings{
			Enabled:   true,
			MaxPoints: 30,
			Breakpoints: Breakpoints{
				{Value: 0, Percent: 0},
				{Value: 30, Percent: 0},
				{Value: 90, Percent: 17},
				{Value: 180, Percent: 50},
				{Value: 365, Percent: 73},
				{Value: 366, Percent: 100},
			},
		},
		NeverWatched: FlatSettings{
			Enabled: true,
			Points:  20,
		},
		SizeOnDisk: FactorSettings{
			Enabled:   true,
			MaxPoints: 35,
			Breakpoints: Breakpoints{
				{Value: 0, Percent: 0},
				{Value: 1, Percent: 0},
				{Value: 5, Percent: 0},
				{Value: 10, Percent: 29},
				{Value: 20, Percent: 43},
				{Value: 50, Percent: 71},
				{Value: 51, Percent: 100},
			},
		},
		AgeSinceAdded: FactorSettings{
			Enabled:   true,
			MaxPoints: 15,
			Breakpoints: Breakpoints{
				{Value: 0, Percent: 0},
				{Value: 180, Percent: 33},
				{Value: 365, Percent: 67},
				{Value: 730, Percent: 100},
			},
		},
		FolderSpace: FactorSettings{
			Enabled:   false,
			MaxPoints: 10,
			Breakpoints: Breakpoints{
				{Value: 0, Percent: 0},
				{Value: 50, Percent: 30},
				{Value: 70, Percent: 60},
				{Value: 80, Percent: 80},
				{Value: 90, Percent: 100},
			},
		},
	}
}

func (f FactorSettings) validate(key string) error {
	if f.MaxPoints < 0 {
		return fmt.Errorf("%w: %s: max points must not be negative", ErrInvalidSettings, key)
	}
	if err := f.Breakpoints.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSettings, key, err)
	}
	return nil
}

// Validate rejects configurations that could not be scored. Curves of
// disabled factors are checked too so enabling one later cannot fail a run.
func (s Settings) Validate() error {
	for _, c := range []struct {
		key string
		f   FactorSettings
	}{
		{KeyDaysUnwatched, s.DaysUnwatched},
		{KeySizeOnDisk, s.SizeOnDisk},
		{KeyAgeSinceAdded, s.AgeSinceAdded},
		{KeyFolderSpace, s.FolderSpace},
	} {
		if err := c.f.validate(c.key); err != nil {
			return err
		}
	}
	if s.NeverWatched.Points < 0 {
		return fmt.Errorf("%w: %s: points must not be negative", ErrInvalidSettings, KeyNeverWatched)
	}
	return nil
}

// CurveFactors returns the breakpoint-driven factor settings keyed by factor key.
func (s *Settings) CurveFactors() map[string]*FactorSettings {
	return map[string]*FactorSettings{
		KeyDaysUnwatched: &s.DaysUnwatched,
		KeySizeOnDisk:    &s.SizeOnDisk,
		KeyAgeSinceAdded: &s.AgeSinceAdded,
		KeyFolderSpace:   &s.FolderSpace,
	}
}

// MaxScore is the sum of the points every enabled factor can award.
func (s Settings) MaxScore() float64 {
	var total float64
	for _, f := range Factors {
		if f.Enabled(&s) {
			total += f.MaxPoints(&s)
		}
	}
	return total
}

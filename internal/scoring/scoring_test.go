package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolate(t *testing.T) {
	t.Parallel()

	curve := Breakpoints{{Value: 10, Percent: 20}, {Value: 20, Percent: 60}, {Value: 40, Percent: 100}}

	tests := []struct {
		name  string
		bps   Breakpoints
		value float64
		want  float64
	}{
		{"below first clamps", curve, -5, 20},
		{"at first", curve, 10, 20},
		{"at last", curve, 40, 100},
		{"above last clamps", curve, 1000, 100},
		{"inside first segment", curve, 15, 40},
		{"inside second segment", curve, 30, 80},
		{"two point linear", Breakpoints{{0, 0}, {100, 100}}, 50, 50},
		{"single point", Breakpoints{{5, 42}}, 99, 42},
		{"empty", nil, 10, 0},
		{"unsorted input", Breakpoints{{100, 100}, {0, 0}}, 25, 25},
		{"non monotonic percents", Breakpoints{{0, 80}, {10, 20}}, 5, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Interpolate(tt.bps, tt.value), 1e-9)
		})
	}
}

func TestInterpolateDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	bps := Breakpoints{{100, 100}, {0, 0}}
	Interpolate(bps, 10)
	assert.Equal(t, Breakpoints{{100, 100}, {0, 0}}, bps)
}

func TestBreakpointsValidate(t *testing.T) {
	t.Parallel()

	assert.Error(t, Breakpoints{}.Validate())
	assert.Error(t, Breakpoints{{0, 0}, {0, 50}}.Validate())
	assert.Error(t, Breakpoints{{0, -1}}.Validate())
	assert.Error(t, Breakpoints{{0, 101}}.Validate())
	assert.NoError(t, Breakpoints{{10, 100}, {0, 0}}.Validate())
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultSettings().Validate())

	s := DefaultSettings()
	s.SizeOnDisk.Breakpoints = nil
	err := s.Validate()
	require.ErrorIs(t, err, ErrInvalidSettings)
	assert.Contains(t, err.Error(), KeySizeOnDisk)

	s = DefaultSettings()
	s.NeverWatched.Points = -1
	require.ErrorIs(t, s.Validate(), ErrInvalidSettings)
}

func TestMaxScore(t *testing.T) {
	t.Parallel()

	// folder space is disabled by default
	assert.InDelta(t, 30+20+35+15, DefaultSettings().MaxScore(), 1e-9)
}

func exampleSettings() Settings {
	s := DefaultSettings()
	s.DaysUnwatched = FactorSettings{
		Enabled:     true,
		MaxPoints:   50,
		Breakpoints: Breakpoints{{Value: 0, Percent: 0}, {Value: 90, Percent: 100}},
	}
	s.NeverWatched = FlatSettings{Enabled: true, Points: 10}
	s.SizeOnDisk.Enabled = false
	s.AgeSinceAdded.Enabled = false
	s.FolderSpace.Enabled = false
	return s
}

func TestComputeEndToEndExample(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	watched := now.Add(-45 * 24 * time.Hour)
	added := now.Add(-400 * 24 * time.Hour)

	score, ok := Compute(Input{
		SizeOnDisk:  20 * bytesPerGB,
		DateAdded:   &added,
		LastWatched: &watched,
		Now:         now,
	}, exampleSettings())

	require.True(t, ok)
	assert.InDelta(t, 25, score, 1e-9)
}

func TestComputeNeverWatched(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	added := now.Add(-45 * 24 * time.Hour)

	score, ok := Compute(Input{DateAdded: &added, Now: now}, exampleSettings())
	require.True(t, ok)
	// days since added feeds days unwatched, plus the flat bonus
	assert.InDelta(t, 25+10, score, 1e-9)
}

func TestComputeDeterministic(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	added := now.AddDate(-1, -3, 0)
	used := 85.0
	in := Input{SizeOnDisk: 37 * bytesPerGB / 2, DateAdded: &added, FolderUsedPercent: &used, Now: now}
	s := DefaultSettings()
	s.FolderSpace.Enabled = true

	first, ok1 := Compute(in, s)
	second, ok2 := Compute(in, s)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, first, second)
	assert.Greater(t, first, 0.0)
	assert.LessOrEqual(t, first, s.MaxScore())
}

func TestComputeAllFactorsDisabled(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	s.DaysUnwatched.Enabled = false
	s.NeverWatched.Enabled = false
	s.SizeOnDisk.Enabled = false
	s.AgeSinceAdded.Enabled = false
	s.FolderSpace.Enabled = false

	now := time.Now()
	score, ok := Compute(Input{SizeOnDisk: 100 * bytesPerGB, Now: now}, s)
	require.True(t, ok)
	assert.Zero(t, score)
}

func TestComputeEngineDisabled(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	s.Enabled = false

	score, ok := Compute(Input{SizeOnDisk: 100 * bytesPerGB, Now: time.Now()}, s)
	assert.False(t, ok)
	assert.Zero(t, score)
}

func TestSizeOnDiskBeyondFloatPrecision(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	s.DaysUnwatched.Enabled = false
	s.NeverWatched.Enabled = false
	s.AgeSinceAdded.Enabled = false

	// 2^60 bytes is far past the last size breakpoint
	score, ok := Compute(Input{SizeOnDisk: 1 << 60, Now: time.Now()}, s)
	require.True(t, ok)
	assert.InDelta(t, 35, score, 1e-9)

	score, _ = Compute(Input{SizeOnDisk: -1, Now: time.Now()}, s)
	assert.Zero(t, score)
}

func TestFolderSpaceOutsideMonitoredFolders(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	s.FolderSpace.Enabled = true
	used := 90.0

	in := Input{Now: time.Now()}
	without := Breakdown(in, s)
	in.FolderUsedPercent = &used
	with := Breakdown(in, s)

	assert.Equal(t, KeyFolderSpace, without[4].Key)
	assert.Zero(t, without[4].Points)
	assert.InDelta(t, 10, with[4].Points, 1e-9)
}

func TestBreakdownMatchesCompute(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	added := now.AddDate(0, -8, 0)
	in := Input{SizeOnDisk: 12 * bytesPerGB, DateAdded: &added, Now: now}
	s := DefaultSettings()

	var sum float64
	for _, c := range Breakdown(in, s) {
		if !c.Enabled {
			assert.Zero(t, c.Points)
		}
		sum += c.Points
	}
	score, ok := Compute(in, s)
	require.True(t, ok)
	assert.InDelta(t, score, sum, 1e-9)
}

func TestDaysSinceFutureDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, DaysSince(now.Add(48*time.Hour), now))
	assert.Equal(t, 1, DaysSince(now.Add(-36*time.Hour), now))
}

package scoring

import (
	"math"
	"time"
)

const (
	KeyDaysUnwatched = "days_unwatched"
	KeyNeverWatched  = "never_watched"
	KeySizeOnDisk    = "size_on_disk"
	KeyAgeSinceAdded = "age_since_added"
	KeyFolderSpace   = "folder_space"
)

const bytesPerGB = 1024 * 1024 * 1024

// Input is the raw item state a score is computed from.
type Input struct {
	SizeOnDisk  int64
	DateAdded   *time.Time
	LastWatched *time.Time
	// FolderUsedPercent is nil when the item lives outside every monitored folder.
	FolderUsedPercent *float64
	Now               time.Time
}

// Factor is one scoring dimension. Score returns a value in [0, MaxPoints]
// and is only called when Enabled reports true.
type Factor struct {
	Key       string
	Enabled   func(s *Settings) bool
	MaxPoints func(s *Settings) float64
	Score     func(in Input, s *Settings) float64
}

// Factors lists every scoring dimension in evaluation order.
var Factors = []Factor{
	{
		Key:       KeyDaysUnwatched,
		Enabled:   func(s *Settings) bool { return s.DaysUnwatched.Enabled },
		MaxPoints: func(s *Settings) float64 { return s.DaysUnwatched.MaxPoints },
		Score: func(in Input, s *Settings) float64 {
			ref := in.LastWatched
			if ref == nil {
				ref = in.DateAdded
			}
			if ref == nil {
				return curve(s.DaysUnwatched, 0)
			}
			return curve(s.DaysUnwatched, daysSince(*ref, in.Now))
		},
	},
	{
		Key:       KeyNeverWatched,
		Enabled:   func(s *Settings) bool { return s.NeverWatched.Enabled },
		MaxPoints: func(s *Settings) float64 { return s.NeverWatched.Points },
		Score: func(in Input, s *Settings) float64 {
			if in.LastWatched != nil {
				return 0
			}
			return s.NeverWatched.Points
		},
	},
	{
		Key:       KeySizeOnDisk,
		Enabled:   func(s *Settings) bool { return s.SizeOnDisk.Enabled },
		MaxPoints: func(s *Settings) float64 { return s.SizeOnDisk.MaxPoints },
		Score: func(in Input, s *Settings) float64 {
			if in.SizeOnDisk <= 0 {
				return 0
			}
			return curve(s.SizeOnDisk, float64(in.SizeOnDisk)/bytesPerGB)
		},
	},
	{
		Key:       KeyAgeSinceAdded,
		Enabled:   func(s *Settings) bool { return s.AgeSinceAdded.Enabled },
		MaxPoints: func(s *Settings) float64 { return s.AgeSinceAdded.MaxPoints },
		Score: func(in Input, s *Settings) float64 {
			if in.DateAdded == nil {
				return 0
			}
			return curve(s.AgeSinceAdded, daysSince(*in.DateAdded, in.Now))
		},
	},
	{
		Key:       KeyFolderSpace,
		Enabled:   func(s *Settings) bool { return s.FolderSpace.Enabled },
		MaxPoints: func(s *Settings) float64 { return s.FolderSpace.MaxPoints },
		Score: func(in Input, s *Settings) float64 {
			if in.FolderUsedPercent == nil {
				return 0
			}
			return curve(s.FolderSpace, *in.FolderUsedPercent)
		},
	},
}

func curve(f FactorSettings, value float64) float64 {
	return Interpolate(f.Breakpoints, value) / 100 * f.MaxPoints
}

// daysSince counts whole days between t and now; future dates count as 0.
func daysSince(t, now time.Time) float64 {
	d := math.Floor(now.Sub(t).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// DaysSince is exported for callers that display the unwatched-days value.
func DaysSince(t, now time.Time) int {
	return int(daysSince(t, now))
}

package scoring

import (
	"fmt"
	"sort"
)

// Breakpoint is one control point on a scoring curve.
type Breakpoint struct {
	Value   float64 `json:"value" yaml:"value"`
	Percent float64 `json:"percent" yaml:"percent"`
}

// Breakpoints is a curve ordered by ascending Value.
type Breakpoints []Breakpoint

func (b Breakpoints) sorted() Breakpoints {
	if sort.SliceIsSorted(b, func(i, j int) bool { return b[i].Value < b[j].Value }) {
		return b
	}
	out := make(Breakpoints, len(b))
	copy(out, b)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// Validate checks the curve has at least one point, unique values and
// percents inside [0, 100].
func (b Breakpoints) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("breakpoints: at least one point required")
	}
	s := b.sorted()
	for i, bp := range s {
		if bp.Percent < 0 || bp.Percent > 100 {
			return fmt.Errorf("breakpoints: percent %g at value %g outside [0,100]", bp.Percent, bp.Value)
		}
		if i > 0 && s[i-1].Value == bp.Value {
			return fmt.Errorf("breakpoints: duplicate value %g", bp.Value)
		}
	}
	return nil
}

// Interpolate maps value onto the curve and returns a percentage.
// Values outside the curve clamp to the nearest end point. An empty curve
// yields 0.
func Interpolate(bps Breakpoints, value float64) float64 {
	if len(bps) == 0 {
		return 0
	}
	b := bps.sorted()

	first, last := b[0], b[len(b)-1]
	if value <= first.Value {
		return first.Percent
	}
	if value >= last.Value {
		return last.Percent
	}

	// first index whose Value is greater than value; always in (0, len-1]
	i := sort.Search(len(b), func(i int) bool { return b[i].Value > value })
	lo, hi := b[i-1], b[i]
	if hi.Value == lo.Value {
		return hi.Percent
	}

	return lo.Percent + (value-lo.Value)/(hi.Value-lo.Value)*(hi.Percent-lo.Percent)
}

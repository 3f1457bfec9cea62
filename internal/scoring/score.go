package scoring

// Contribution is one factor's share of a score.
type Contribution struct {
	Key       string  `json:"key"`
	Enabled   bool    `json:"enabled"`
	Points    float64 `json:"points"`
	MaxPoints float64 `json:"max_points"`
}

// Compute sums the contributions of every enabled factor. ok is false when
// the engine is disabled, which callers must keep apart from a score of 0.
func Compute(in Input, s Settings) (score float64, ok bool) {
	if !s.Enabled {
		return 0, false
	}
	for _, f := range Factors {
		if f.Enabled(&s) {
			score += f.Score(in, &s)
		}
	}
	return score, true
}

// Breakdown reports every factor's contribution, disabled ones included with 0 points.
func Breakdown(in Input, s Settings) []Contribution {
	out := make([]Contribution, 0, len(Factors))
	for _, f := range Factors {
		c := Contribution{
			Key:       f.Key,
			Enabled:   s.Enabled && f.Enabled(&s),
			MaxPoints: f.MaxPoints(&s),
		}
		if c.Enabled {
			c.Points = f.Score(in, &s)
		}
		out = append(out, c)
	}
	return out
}

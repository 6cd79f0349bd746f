// Package threshold maintains the trailing anomaly-score buffer and
// derives the adaptive alert cut line from its quantiles. The buffer is
// calibration-only state: it never feeds back into model training.
package threshold

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNoThreshold means too few scores have accumulated to calibrate a
// cut line. Until then every evaluation is treated as non-qualifying.
var ErrNoThreshold = errors.New("threshold not yet calibrated")

// State is the current alert cut line for one symbol.
type State struct {
	Quantile   float64   `json:"quantile"`
	Value      float64   `json:"value"`
	ComputedAt time.Time `json:"computed_at"`
	Samples    int       `json:"samples"`
}

type scored struct {
	ts    time.Time
	score float64
}

// Calibrator holds the bounded trailing score window for one symbol.
// Not safe for concurrent use; each symbol owns its calibrator.
type Calibrator struct {
	symbol    string
	quantile  float64
	window    time.Duration
	minScores int
	recs      []scored

	cached   State
	cachedAt time.Time
}

// NewCalibrator creates a calibrator computing the given quantile over a
// trailing window (7-14 days) once minScores observations exist.
func NewCalibrator(symbol string, quantile float64, window time.Duration, minScores int) *Calibrator {
	return &Calibrator{
		symbol:    symbol,
		quantile:  quantile,
		window:    window,
		minScores: minScores,
	}
}

// Observe appends one score and evicts entries older than the window.
func (c *Calibrator) Observe(ts time.Time, score float64) {
	c.recs = append(c.recs, scored{ts: ts, score: score})
	cutoff := ts.Add(-c.window)
	drop := 0
	for drop < len(c.recs) && c.recs[drop].ts.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		c.recs = append(c.recs[:0], c.recs[drop:]...)
	}
}

// Threshold recomputes the quantile cut line over the buffer. The result
// is cached per timestamp, so repeated lookups within one step are free.
func (c *Calibrator) Threshold(now time.Time) (State, error) {
	if len(c.recs) < c.minScores {
		return State{}, fmt.Errorf("%w: %s has %d of %d scores", ErrNoThreshold, c.symbol, len(c.recs), c.minScores)
	}
	if c.cachedAt.Equal(now) && c.cached.Samples == len(c.recs) {
		return c.cached, nil
	}
	values := make([]float64, len(c.recs))
	for i, r := range c.recs {
		values[i] = r.score
	}
	sort.Float64s(values)
	c.cached = State{
		Quantile:   c.quantile,
		Value:      interpolateQuantile(values, c.quantile),
		ComputedAt: now,
		Samples:    len(values),
	}
	c.cachedAt = now
	return c.cached, nil
}

// Len returns the number of buffered scores.
func (c *Calibrator) Len() int {
	return len(c.recs)
}

// Summary returns median, IQR and count of scores within [from, to].
// Used by the drift triggers in the model lifecycle.
func (c *Calibrator) Summary(from, to time.Time) (median, iqr float64, n int) {
	values := c.slice(from, to)
	if len(values) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(values)
	median = interpolateQuantile(values, 0.5)
	iqr = interpolateQuantile(values, 0.75) - interpolateQuantile(values, 0.25)
	return median, iqr, len(values)
}

// RateAbove returns the fraction of scores in [from, to] at or above value.
func (c *Calibrator) RateAbove(value float64, from, to time.Time) (float64, int) {
	values := c.slice(from, to)
	if len(values) == 0 {
		return 0, 0
	}
	above := 0
	for _, s := range values {
		if s >= value {
			above++
		}
	}
	return float64(above) / float64(len(values)), len(values)
}

// CurrentThreshold returns the live cut value if calibration is warm.
func (c *Calibrator) CurrentThreshold(now time.Time) (float64, bool) {
	st, err := c.Threshold(now)
	if err != nil {
		return 0, false
	}
	return st.Value, true
}

func (c *Calibrator) slice(from, to time.Time) []float64 {
	var out []float64
	for _, r := range c.recs {
		if r.ts.Before(from) || r.ts.After(to) {
			continue
		}
		out = append(out, r.score)
	}
	return out
}

// interpolateQuantile computes the q-quantile of ascending values by
// linear interpolation, matching the percentile engine used elsewhere.
func interpolateQuantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := q * float64(n-1)
	lo := int(idx)
	hi := lo
	if float64(lo) < idx {
		hi = lo + 1
	}
	if hi >= n {
		hi = n - 1
	}
	w := idx - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}

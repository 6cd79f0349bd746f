// Package gates implements the mask gate: suppression of alerting
// during known-unreliable windows (funding settlement, scheduled macro
// events) and under stale upstream data.
package gates

import (
	"sort"
	"time"
)

// Window is one absolute blackout interval, inclusive of both ends.
type Window struct {
	Event string    `yaml:"event" json:"event"`
	Start time.Time `yaml:"start" json:"start"`
	End   time.Time `yaml:"end" json:"end"`
}

// Recurrence describes a repeating blackout anchored to UTC midnight,
// e.g. funding settlement every 8h padded by ±10 minutes.
type Recurrence struct {
	Event  string        `yaml:"event"`
	Every  time.Duration `yaml:"every"`
	Offset time.Duration `yaml:"offset"` // shift from the UTC midnight anchor
	Pad    time.Duration `yaml:"pad"`    // half-width around each occurrence
}

// MaskConfig is the gate's configuration surface.
type MaskConfig struct {
	Recurrences []Recurrence  `yaml:"recurrences"`
	Staleness   time.Duration `yaml:"staleness"`
}

// DefaultMaskConfig covers perp funding settlement at 00/08/16 UTC ±10m
// with a 120s staleness bound.
func DefaultMaskConfig() MaskConfig {
	return MaskConfig{
		Recurrences: []Recurrence{
			{Event: "funding", Every: 8 * time.Hour, Pad: 10 * time.Minute},
		},
		Staleness: 120 * time.Second,
	}
}

// Gate evaluates blackout windows and data staleness. Pure lookup, no
// mutation; safe for concurrent readers.
type Gate struct {
	cfg      MaskConfig
	calendar []Window // sorted by Start
}

// NewGate builds a gate from recurring rules plus an explicit calendar
// of one-off windows (macro events, maintenance).
func NewGate(cfg MaskConfig, calendar []Window) *Gate {
	sorted := append([]Window(nil), calendar...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	return &Gate{cfg: cfg, calendar: sorted}
}

// MaskedAt reports whether ts falls inside any blackout window.
func (g *Gate) MaskedAt(ts time.Time) bool {
	_, masked := g.EventAt(ts)
	return masked
}

// EventAt returns the name of the window covering ts, if any.
// Calendar entries take precedence over recurrences in the name only;
// masking is the union of both. Windows may overlap, so the scan is
// linear over the Start-sorted calendar; calendars stay small.
func (g *Gate) EventAt(ts time.Time) (string, bool) {
	for _, w := range g.calendar {
		if w.Start.After(ts) {
			break
		}
		if !ts.After(w.End) {
			return w.Event, true
		}
	}
	for _, r := range g.cfg.Recurrences {
		if r.Every <= 0 {
			continue
		}
		if _, ok := r.occurrenceNear(ts); ok {
			return r.Event, true
		}
	}
	return "", false
}

// Stale reports whether the most recent vector lags "now" beyond the
// configured staleness bound. A zero bound disables the check.
func (g *Gate) Stale(now, lastVector time.Time) bool {
	if g.cfg.Staleness <= 0 || lastVector.IsZero() {
		return false
	}
	return now.Sub(lastVector) > g.cfg.Staleness
}

// NextClear returns the first instant at or after ts that is outside
// every blackout window. Used to stagger retrains past mask boundaries.
func (g *Gate) NextClear(ts time.Time) time.Time {
	for i := 0; i < 64; i++ { // bounded walk across overlapping windows
		end, masked := g.coveringEnd(ts)
		if !masked {
			return ts
		}
		ts = end.Add(time.Second)
	}
	return ts
}

func (g *Gate) coveringEnd(ts time.Time) (time.Time, bool) {
	var end time.Time
	masked := false
	for _, w := range g.calendar {
		if !ts.Before(w.Start) && !ts.After(w.End) && w.End.After(end) {
			end, masked = w.End, true
		}
	}
	for _, r := range g.cfg.Recurrences {
		if r.Every <= 0 {
			continue
		}
		if occ, ok := r.occurrenceNear(ts); ok {
			if e := occ.Add(r.Pad); e.After(end) {
				end, masked = e, true
			}
		}
	}
	return end, masked
}

// occurrenceNear returns the recurrence instant whose padded window
// covers ts, if one exists.
func (r Recurrence) occurrenceNear(ts time.Time) (time.Time, bool) {
	anchor := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC).Add(r.Offset)
	// The covering occurrence can be today's series or the tail of
	// yesterday's last occurrence.
	for _, base := range []time.Time{anchor.Add(-24 * time.Hour), anchor} {
		elapsed := ts.Sub(base)
		if elapsed < 0 {
			continue
		}
		occ := base.Add(elapsed.Truncate(r.Every))
		for _, cand := range []time.Time{occ, occ.Add(r.Every)} {
			if !ts.Before(cand.Add(-r.Pad)) && !ts.After(cand.Add(r.Pad)) {
				return cand, true
			}
		}
	}
	return time.Time{}, false
}

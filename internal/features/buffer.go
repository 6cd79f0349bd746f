package features

import (
	"errors"
	"fmt"
	"time"
)

// ErrOutOfOrder is returned when a vector violates the strictly
// increasing timestamp contract for its symbol. The buffer is left
// unchanged; the caller has a sequencing bug upstream.
var ErrOutOfOrder = errors.New("feature vector out of order")

// WindowBuffer holds the bounded, time-ordered feature history for one
// symbol. Entries older than the retention horizon are evicted lazily
// on append. Not safe for concurrent use; each symbol owns its buffer.
type WindowBuffer struct {
	symbol    string
	retention time.Duration
	vecs      []FeatureVector
}

// NewWindowBuffer creates a buffer retaining at least the given horizon
// of history. Retention should cover the larger of the training window
// and the score-buffer window.
func NewWindowBuffer(symbol string, retention time.Duration) *WindowBuffer {
	return &WindowBuffer{symbol: symbol, retention: retention}
}

// Append accepts a vector with ts strictly greater than the last
// appended ts. On violation it fails with ErrOutOfOrder and mutates
// nothing.
func (b *WindowBuffer) Append(v FeatureVector) error {
	if n := len(b.vecs); n > 0 && !v.TS.After(b.vecs[n-1].TS) {
		return fmt.Errorf("%w: %s got %s after %s",
			ErrOutOfOrder, b.symbol, v.TS.Format(time.RFC3339), b.vecs[len(b.vecs)-1].TS.Format(time.RFC3339))
	}
	b.vecs = append(b.vecs, v)
	b.evict(v.TS)
	return nil
}

// Window returns the ordered subsequence within [last-duration, last],
// where "last" is the most recent appended timestamp. Insufficient
// history yields a short or empty slice, never an error.
func (b *WindowBuffer) Window(duration time.Duration) []FeatureVector {
	n := len(b.vecs)
	if n == 0 {
		return nil
	}
	cutoff := b.vecs[n-1].TS.Add(-duration)
	lo := n
	for i := n - 1; i >= 0; i-- {
		if b.vecs[i].TS.Before(cutoff) {
			break
		}
		lo = i
	}
	out := make([]FeatureVector, n-lo)
	copy(out, b.vecs[lo:])
	return out
}

// Last returns the most recent vector, if any.
func (b *WindowBuffer) Last() (FeatureVector, bool) {
	if len(b.vecs) == 0 {
		return FeatureVector{}, false
	}
	return b.vecs[len(b.vecs)-1], true
}

// Len returns the number of retained vectors.
func (b *WindowBuffer) Len() int {
	return len(b.vecs)
}

func (b *WindowBuffer) evict(now time.Time) {
	cutoff := now.Add(-b.retention)
	drop := 0
	for drop < len(b.vecs) && b.vecs[drop].TS.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		b.vecs = append(b.vecs[:0], b.vecs[drop:]...)
	}
}

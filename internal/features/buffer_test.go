package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vecAt(ts time.Time) FeatureVector {
	return FeatureVector{TS: ts, Symbol: "BTCUSDT", BasisNow: 1.0, DataOK: true}
}

func TestWindowBuffer_AppendOrdering(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	b := NewWindowBuffer("BTCUSDT", time.Hour)

	require.NoError(t, b.Append(vecAt(base)))
	require.NoError(t, b.Append(vecAt(base.Add(time.Minute))))

	// Equal timestamp is a violation, not a duplicate to tolerate.
	err := b.Append(vecAt(base.Add(time.Minute)))
	require.ErrorIs(t, err, ErrOutOfOrder)

	// Earlier timestamp is a violation.
	err = b.Append(vecAt(base.Add(30 * time.Second)))
	require.ErrorIs(t, err, ErrOutOfOrder)

	// The failed appends left the buffer untouched.
	assert.Equal(t, 2, b.Len())
	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), last.TS)
}

func TestWindowBuffer_Eviction(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	b := NewWindowBuffer("BTCUSDT", 10*time.Minute)

	for i := 0; i < 30; i++ {
		require.NoError(t, b.Append(vecAt(base.Add(time.Duration(i)*time.Minute))))
	}

	// Retention is 10 minutes: entries at or after last-10m survive.
	assert.Equal(t, 11, b.Len())
	w := b.Window(10 * time.Minute)
	require.NotEmpty(t, w)
	assert.Equal(t, base.Add(19*time.Minute), w[0].TS)
	assert.Equal(t, base.Add(29*time.Minute), w[len(w)-1].TS)
}

func TestWindowBuffer_WindowShorterThanHistory(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	b := NewWindowBuffer("ETHUSDT", time.Hour)

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Append(vecAt(base.Add(time.Duration(i)*time.Minute))))
	}

	w := b.Window(5 * time.Minute)
	assert.Len(t, w, 6)
	assert.Equal(t, base.Add(14*time.Minute), w[0].TS)
}

func TestWindowBuffer_Empty(t *testing.T) {
	b := NewWindowBuffer("BTCUSDT", time.Hour)
	assert.Nil(t, b.Window(time.Hour))
	_, ok := b.Last()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())
}

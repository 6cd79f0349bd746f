package model

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/stormwatch/internal/features"
)

type fakeStats struct {
	thr               float64
	thrOK             bool
	baseMed, baseIQR  float64
	recMed            float64
	n                 int
	baseRate, recRate float64
}

func (f *fakeStats) Summary(from, to time.Time) (float64, float64, int) {
	if to.Sub(from) > 48*time.Hour {
		return f.baseMed, f.baseIQR, f.n
	}
	return f.recMed, f.baseIQR, f.n
}

func (f *fakeStats) RateAbove(value float64, from, to time.Time) (float64, int) {
	if to.Sub(from) > 48*time.Hour {
		return f.baseRate, f.n
	}
	return f.recRate, f.n
}

func (f *fakeStats) CurrentThreshold(now time.Time) (float64, bool) {
	return f.thr, f.thrOK
}

type allMasked struct{ masked bool }

func (a allMasked) MaskedAt(ts time.Time) bool { return a.masked }

func (a allMasked) NextClear(ts time.Time) time.Time {
	if a.masked {
		return ts.Add(time.Hour)
	}
	return ts
}

type windowMask struct{ start, end time.Time }

func (w windowMask) MaskedAt(ts time.Time) bool {
	return !ts.Before(w.start) && !ts.After(w.end)
}

func (w windowMask) NextClear(ts time.Time) time.Time {
	if w.MaskedAt(ts) {
		return w.end.Add(time.Second)
	}
	return ts
}

var trainStart = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

// fillBuffer appends n minutes of mildly varying vectors.
func fillBuffer(t *testing.T, b *features.WindowBuffer, n int) time.Time {
	t.Helper()
	var last time.Time
	for i := 0; i < n; i++ {
		last = trainStart.Add(time.Duration(i) * time.Minute)
		v := features.FeatureVector{
			TS:         last,
			Symbol:     "BTCUSDT",
			BasisNow:   0.0001 * math.Sin(float64(i)/7),
			DBasis5m:   0.00002 * math.Cos(float64(i)/5),
			DOI1h:      0.01 * math.Sin(float64(i)/11),
			CVDDiff15m: 100 * math.Cos(float64(i)/13),
			SpreadBps:  1.5 + 0.2*math.Sin(float64(i)/3),
			DepthRatio: 1.0 + 0.1*math.Cos(float64(i)/9),
			RV15m:      0.002 + 0.0005*math.Sin(float64(i)/17),
			DataOK:     true,
		}
		require.NoError(t, b.Append(v))
	}
	return last
}

func testLifecycleConfig() LifecycleConfig {
	cfg := DefaultLifecycleConfig()
	cfg.TrainWindow = 3 * time.Hour
	cfg.RetrainInterval = time.Hour
	cfg.MinObservations = 50
	cfg.Cooldown = 10 * time.Minute
	cfg.ValidationWindow = time.Hour
	cfg.Forest = ForestConfig{Trees: 25, SampleSize: 64, Seed: 42}
	return cfg
}

func TestManager_ScoreBeforeFirstTrain(t *testing.T) {
	buffer := features.NewWindowBuffer("BTCUSDT", 4*time.Hour)
	m := NewManager("BTCUSDT", testLifecycleConfig(), buffer, &fakeStats{}, nil)

	_, err := m.Active()
	assert.ErrorIs(t, err, ErrModelUnavailable)

	_, err = m.Score(features.FeatureVector{TS: trainStart, Symbol: "BTCUSDT"})
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestManager_RetrainInsufficientHistory(t *testing.T) {
	buffer := features.NewWindowBuffer("BTCUSDT", 4*time.Hour)
	fillBuffer(t, buffer, 10)
	m := NewManager("BTCUSDT", testLifecycleConfig(), buffer, &fakeStats{}, nil)

	err := m.RetrainNow(context.Background(), trainStart.Add(10*time.Minute))
	assert.ErrorIs(t, err, ErrInsufficientHistory)
	_, err = m.Active()
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestManager_RetrainActivatesSnapshot(t *testing.T) {
	buffer := features.NewWindowBuffer("BTCUSDT", 4*time.Hour)
	last := fillBuffer(t, buffer, 180)
	m := NewManager("BTCUSDT", testLifecycleConfig(), buffer, &fakeStats{}, nil)

	var results []string
	m.OnRetrain(func(symbol, result string) { results = append(results, result) })

	require.NoError(t, m.RetrainNow(context.Background(), last))

	snap, err := m.Active()
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, 180, snap.TrainSize)
	assert.Equal(t, features.SetHash(), snap.FeatureSetHash)
	assert.Equal(t, []string{"activated"}, results)

	rec, err := m.Score(features.FeatureVector{TS: last.Add(time.Minute), Symbol: "BTCUSDT", DataOK: true})
	require.NoError(t, err)
	assert.Equal(t, snap.ID, rec.ModelID)
	assert.Greater(t, rec.Score, 0.0)
	assert.Less(t, rec.Score, 1.0)
}

func TestManager_ValidationFailureRetainsPrior(t *testing.T) {
	buffer := features.NewWindowBuffer("BTCUSDT", 4*time.Hour)
	last := fillBuffer(t, buffer, 180)

	// First activation happens while calibration is cold, so validation
	// is skipped.
	stats := &fakeStats{}
	m := NewManager("BTCUSDT", testLifecycleConfig(), buffer, stats, nil)
	require.NoError(t, m.RetrainNow(context.Background(), last))
	prior, err := m.Active()
	require.NoError(t, err)

	// Now the live threshold is absurdly low: every rescored point lands
	// above it, the implied alert rate blows the bound, and the candidate
	// is discarded.
	stats.thr = 0
	stats.thrOK = true

	err = m.RetrainNow(context.Background(), last.Add(time.Hour))
	assert.ErrorIs(t, err, ErrValidationFailed)

	still, err := m.Active()
	require.NoError(t, err)
	assert.Equal(t, prior.ID, still.ID)
}

func TestManager_ValidateWithCandidateThreshold(t *testing.T) {
	buffer := features.NewWindowBuffer("BTCUSDT", 4*time.Hour)
	last := fillBuffer(t, buffer, 180)

	// A broken live threshold would reject every candidate; validating
	// against the candidate's own quantile keeps activation self-consistent.
	stats := &fakeStats{thr: 0, thrOK: true}
	cfg := testLifecycleConfig()
	cfg.ValidateWithNewThreshold = true
	m := NewManager("BTCUSDT", cfg, buffer, stats, nil)

	require.NoError(t, m.RetrainNow(context.Background(), last))
	_, err := m.Active()
	assert.NoError(t, err)
}

func TestManager_DueScheduleAndCooldown(t *testing.T) {
	buffer := features.NewWindowBuffer("BTCUSDT", 4*time.Hour)
	last := fillBuffer(t, buffer, 180)
	cfg := testLifecycleConfig()
	m := NewManager("BTCUSDT", cfg, buffer, &fakeStats{}, nil)

	// No snapshot yet: initial train is due immediately.
	due, reason := m.Due(last)
	assert.True(t, due)
	assert.Equal(t, "initial", reason)

	require.NoError(t, m.RetrainNow(context.Background(), last))

	// Inside the cooldown nothing fires, even past the schedule.
	due, _ = m.Due(last.Add(5 * time.Minute))
	assert.False(t, due)

	// Past the retrain interval the schedule fires again.
	due, reason = m.Due(last.Add(cfg.RetrainInterval + time.Minute))
	assert.True(t, due)
	assert.Equal(t, "scheduled", reason)
}

func TestManager_DueRespectsMask(t *testing.T) {
	buffer := features.NewWindowBuffer("BTCUSDT", 4*time.Hour)
	last := fillBuffer(t, buffer, 180)
	m := NewManager("BTCUSDT", testLifecycleConfig(), buffer, &fakeStats{}, allMasked{masked: true})

	due, _ := m.Due(last)
	assert.False(t, due)
}

func TestManager_DueHoldsStaggerPastMaskClear(t *testing.T) {
	buffer := features.NewWindowBuffer("BTCUSDT", 4*time.Hour)
	last := fillBuffer(t, buffer, 180)
	cfg := testLifecycleConfig() // MaskStagger 10m
	mask := windowMask{start: last, end: last.Add(10 * time.Minute)}
	m := NewManager("BTCUSDT", cfg, buffer, &fakeStats{}, mask)

	// Inside the blackout nothing fires.
	due, _ := m.Due(last.Add(5 * time.Minute))
	assert.False(t, due)

	// Just past the window the stagger still holds: a fit here would
	// train on the blackout's tail.
	due, _ = m.Due(mask.end.Add(5 * time.Minute))
	assert.False(t, due)

	// A full stagger interval past the window's clear point fires.
	due, reason := m.Due(mask.end.Add(10*time.Minute + 2*time.Second))
	assert.True(t, due)
	assert.Equal(t, "initial", reason)
}

func TestManager_DriftTriggersRetrain(t *testing.T) {
	buffer := features.NewWindowBuffer("BTCUSDT", 4*time.Hour)
	last := fillBuffer(t, buffer, 180)
	stats := &fakeStats{baseMed: 0.5, baseIQR: 0.1, recMed: 0.5, n: 200}
	cfg := testLifecycleConfig()
	m := NewManager("BTCUSDT", cfg, buffer, stats, nil)
	require.NoError(t, m.RetrainNow(context.Background(), last))

	// Stable distribution: nothing due inside the schedule.
	due, _ := m.Due(last.Add(30 * time.Minute))
	assert.False(t, due)

	// Median shifted by 2 IQRs against the 7d baseline.
	stats.recMed = 0.7
	due, reason := m.Due(last.Add(30 * time.Minute))
	assert.True(t, due)
	assert.Equal(t, "score_drift", reason)
}

func TestManager_HitRateTrigger(t *testing.T) {
	buffer := features.NewWindowBuffer("BTCUSDT", 4*time.Hour)
	last := fillBuffer(t, buffer, 180)
	cfg := testLifecycleConfig()
	cfg.MinHitRate = 0.2
	m := NewManager("BTCUSDT", cfg, buffer, &fakeStats{}, nil)
	require.NoError(t, m.RetrainNow(context.Background(), last))

	// Unreported hit rate never triggers.
	due, _ := m.Due(last.Add(30 * time.Minute))
	assert.False(t, due)

	m.ReportHitRate(0.05)
	due, reason := m.Due(last.Add(30 * time.Minute))
	assert.True(t, due)
	assert.Equal(t, "hit_rate", reason)
}

func TestManager_ConcurrentScoreDuringSwap(t *testing.T) {
	buffer := features.NewWindowBuffer("BTCUSDT", 4*time.Hour)
	last := fillBuffer(t, buffer, 180)
	m := NewManager("BTCUSDT", testLifecycleConfig(), buffer, &fakeStats{}, nil)
	require.NoError(t, m.RetrainNow(context.Background(), last))

	probe := features.FeatureVector{TS: last.Add(time.Minute), Symbol: "BTCUSDT", DataOK: true}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			rec, err := m.Score(probe)
			// A scorer always sees a complete snapshot: ID and score are
			// consistent no matter when the swap lands.
			assert.NoError(t, err)
			assert.NotEmpty(t, rec.ModelID)
		}
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.RetrainNow(context.Background(), last.Add(time.Duration(i+1)*time.Hour)))
	}
	close(stop)
	wg.Wait()
}

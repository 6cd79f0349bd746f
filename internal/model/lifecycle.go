// Package model owns the anomaly model lifecycle: fitting the isolation
// forest and its scaler as one unit, validating candidate snapshots
// off-path, and atomically publishing the active snapshot used for
// scoring.
package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stormwatch/internal/features"
)

var (
	// ErrModelUnavailable means no snapshot has ever been activated for
	// the symbol. Callers treat it as "no signal yet", not a crash.
	ErrModelUnavailable = errors.New("no active model snapshot")

	// ErrInsufficientHistory means the training window held fewer than
	// the configured minimum observations. The prior snapshot, if any,
	// stays active.
	ErrInsufficientHistory = errors.New("insufficient history for retrain")

	// ErrValidationFailed means the candidate snapshot produced an
	// implausible alert rate on the trailing window and was discarded.
	ErrValidationFailed = errors.New("snapshot validation failed")
)

// LifecycleConfig controls retrain cadence, drift triggers and
// post-train validation.
type LifecycleConfig struct {
	TrainWindow     time.Duration // rolling fit window, 14-45 days
	RetrainInterval time.Duration // scheduled cadence, 6-12h
	MinObservations int           // floor below which a fit is refused
	Cooldown        time.Duration // min gap between retrain attempts
	Contamination   float64
	Forest          ForestConfig

	// Validation of a candidate snapshot by rescoring the trailing
	// window before activation.
	ValidationWindow  time.Duration
	MaxAlertRate      float64
	ThresholdQuantile float64
	// ValidateWithNewThreshold selects the calibration baseline for the
	// alert-rate sanity check: the candidate's own score quantile when
	// true, the live threshold when false.
	ValidateWithNewThreshold bool

	// Drift triggers, evaluated on score history.
	DriftDivergence float64       // median shift vs 7d baseline, in IQR units
	DriftRateFactor float64       // alert rate vs baseline multiple, e.g. 2.0
	DriftRateWindow time.Duration // sustained-rate lookback
	MinHitRate      float64       // external effectiveness floor, 0 disables

	SoftTimeout time.Duration // abandon a fit that runs past this
	MaskStagger time.Duration // keep retrains this far clear of mask windows
}

// DefaultLifecycleConfig mirrors the production walk-forward settings.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		TrainWindow:              30 * 24 * time.Hour,
		RetrainInterval:          8 * time.Hour,
		MinObservations:          2000,
		Cooldown:                 time.Hour,
		Contamination:            0.04,
		Forest:                   DefaultForestConfig(),
		ValidationWindow:         14 * 24 * time.Hour,
		MaxAlertRate:             0.10,
		ThresholdQuantile:        0.98,
		ValidateWithNewThreshold: false,
		DriftDivergence:          1.5,
		DriftRateFactor:          2.0,
		DriftRateWindow:          4 * time.Hour,
		MinHitRate:               0,
		SoftTimeout:              5 * time.Minute,
		MaskStagger:              10 * time.Minute,
	}
}

// ScoreStats exposes the trailing score distribution the drift triggers
// and the prior-threshold validation baseline are computed from. It is
// backed by the threshold calibrator's buffer, which never feeds model
// training itself.
type ScoreStats interface {
	// Summary returns median, IQR and sample count of scores in [from, to].
	Summary(from, to time.Time) (median, iqr float64, n int)
	// RateAbove returns the fraction of scores in [from, to] at or above value.
	RateAbove(value float64, from, to time.Time) (rate float64, n int)
	// CurrentThreshold returns the live threshold value, if calibrated.
	CurrentThreshold(now time.Time) (float64, bool)
}

// MaskSchedule lets the retrain scheduler keep fits clear of blackout
// windows.
type MaskSchedule interface {
	MaskedAt(ts time.Time) bool
	// NextClear returns the first instant at or after ts outside every
	// blackout window.
	NextClear(ts time.Time) time.Time
}

// Manager owns the active snapshot for one symbol and its retrain
// schedule. Scoring reads the snapshot through one atomic load; retrains
// run off the scoring path and publish with one atomic store.
type Manager struct {
	symbol string
	cfg    LifecycleConfig
	buffer *features.WindowBuffer
	stats  ScoreStats
	mask   MaskSchedule

	active   atomic.Pointer[Snapshot]
	training atomic.Bool

	lastAttempt time.Time
	hitRate     atomic.Value // float64, externally reported effectiveness
	driftSince  time.Time    // first time sustained-rate drift was seen

	onRetrain func(symbol, result string)
}

// NewManager creates a lifecycle manager for one symbol. The buffer is
// shared with the per-symbol detector and must only be mutated from the
// symbol's step goroutine.
func NewManager(symbol string, cfg LifecycleConfig, buffer *features.WindowBuffer, stats ScoreStats, mask MaskSchedule) *Manager {
	m := &Manager{
		symbol: symbol,
		cfg:    cfg,
		buffer: buffer,
		stats:  stats,
		mask:   mask,
	}
	m.hitRate.Store(float64(-1))
	return m
}

// Active returns the currently published snapshot.
func (m *Manager) Active() (*Snapshot, error) {
	snap := m.active.Load()
	if snap == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, m.symbol)
	}
	return snap, nil
}

// Score applies the active snapshot to one vector. The snapshot is
// loaded exactly once, so a concurrent swap can never tear the
// forest/scaler pair seen by this call.
func (m *Manager) Score(v features.FeatureVector) (ScoreRecord, error) {
	snap := m.active.Load()
	if snap == nil {
		return ScoreRecord{}, fmt.Errorf("%w: %s", ErrModelUnavailable, m.symbol)
	}
	return ScoreRecord{
		TS:      v.TS,
		Symbol:  v.Symbol,
		Score:   snap.Score(v.ModelFeatures()),
		ModelID: snap.ID,
	}, nil
}

// OnRetrain installs an observer notified with the outcome of every
// retrain attempt ("activated", "insufficient_history",
// "validation_failed", "abandoned", "error"). Install before the first
// step; the callback may fire from a background goroutine.
func (m *Manager) OnRetrain(fn func(symbol, result string)) {
	m.onRetrain = fn
}

func (m *Manager) notify(err error) {
	if m.onRetrain == nil {
		return
	}
	switch {
	case err == nil:
		m.onRetrain(m.symbol, "activated")
	case errors.Is(err, ErrInsufficientHistory):
		m.onRetrain(m.symbol, "insufficient_history")
	case errors.Is(err, ErrValidationFailed):
		m.onRetrain(m.symbol, "validation_failed")
	case errors.Is(err, context.DeadlineExceeded):
		m.onRetrain(m.symbol, "abandoned")
	default:
		m.onRetrain(m.symbol, "error")
	}
}

// Due reports whether a retrain would fire at the given instant. Used by
// the synchronous replay path.
func (m *Manager) Due(now time.Time) (bool, string) {
	return m.retrainDue(now)
}

// ReportHitRate feeds back externally measured alert effectiveness.
// Values below the configured floor arm the drift trigger.
func (m *Manager) ReportHitRate(fraction float64) {
	m.hitRate.Store(fraction)
}

// MaybeRetrain fires a background retrain when the schedule or a drift
// trigger says one is due. It must be called from the symbol's step
// goroutine: the training matrix is captured synchronously, then fitting
// and validation run off-path and publish via atomic swap. Scoring is
// never blocked.
func (m *Manager) MaybeRetrain(ctx context.Context, now time.Time) {
	due, reason := m.retrainDue(now)
	if !due {
		return
	}
	if !m.training.CompareAndSwap(false, true) {
		return
	}
	m.lastAttempt = now

	train, val, err := m.captureWindows(now)
	if err != nil {
		m.training.Store(false)
		log.Debug().Err(err).Str("symbol", m.symbol).Msg("retrain skipped")
		m.notify(err)
		return
	}

	go func() {
		defer m.training.Store(false)
		fitCtx, cancel := context.WithTimeout(ctx, m.cfg.SoftTimeout)
		defer cancel()
		err := m.fitAndSwap(fitCtx, now, reason, train, val)
		if err != nil {
			log.Warn().Err(err).Str("symbol", m.symbol).Str("reason", reason).Msg("retrain failed, prior snapshot retained")
		}
		m.notify(err)
	}()
}

// RetrainNow runs the full fit/validate/swap cycle synchronously. Used
// by the replay driver, where walk-forward determinism matters more than
// latency, and by tests.
func (m *Manager) RetrainNow(ctx context.Context, now time.Time) error {
	m.lastAttempt = now
	train, val, err := m.captureWindows(now)
	if err != nil {
		m.notify(err)
		return err
	}
	err = m.fitAndSwap(ctx, now, "scheduled", train, val)
	m.notify(err)
	return err
}

type trainingWindow struct {
	rows  [][]float64
	start time.Time
	end   time.Time
}

func (m *Manager) captureWindows(now time.Time) (trainingWindow, [][]float64, error) {
	vecs := m.buffer.Window(m.cfg.TrainWindow)
	if len(vecs) < m.cfg.MinObservations {
		return trainingWindow{}, nil, fmt.Errorf("%w: %s has %d of %d observations",
			ErrInsufficientHistory, m.symbol, len(vecs), m.cfg.MinObservations)
	}
	rows := make([][]float64, len(vecs))
	for i, v := range vecs {
		rows[i] = v.ModelFeatures()
	}
	train := trainingWindow{rows: rows, start: vecs[0].TS, end: vecs[len(vecs)-1].TS}

	valVecs := m.buffer.Window(m.cfg.ValidationWindow)
	val := make([][]float64, len(valVecs))
	for i, v := range valVecs {
		val[i] = v.ModelFeatures()
	}
	return train, val, nil
}

func (m *Manager) fitAndSwap(ctx context.Context, now time.Time, reason string, train trainingWindow, val [][]float64) error {
	started := time.Now()

	scaler, err := FitScaler(train.rows)
	if err != nil {
		return fmt.Errorf("fit scaler: %w", err)
	}
	forest, err := FitForest(scaler.TransformAll(train.rows), m.cfg.Forest)
	if err != nil {
		return fmt.Errorf("fit forest: %w", err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("retrain abandoned after %s: %w", time.Since(started), ctx.Err())
	}

	candidate := &Snapshot{
		ID:             uuid.NewString(),
		Symbol:         m.symbol,
		TrainedAt:      now,
		WindowStart:    train.start,
		WindowEnd:      train.end,
		Contamination:  m.cfg.Contamination,
		FeatureSetHash: features.SetHash(),
		TrainSize:      len(train.rows),
		scaler:         scaler,
		forest:         forest,
	}

	if err := m.validate(candidate, val, now); err != nil {
		return err
	}

	m.active.Store(candidate)
	m.driftSince = time.Time{}
	log.Info().
		Str("symbol", m.symbol).
		Str("model_id", candidate.ID).
		Str("reason", reason).
		Int("train_size", candidate.TrainSize).
		Dur("fit_duration", time.Since(started)).
		Msg("model snapshot activated")
	return nil
}

// validate rescores the trailing window with the candidate and refuses
// activation when the implied alert rate is implausible.
func (m *Manager) validate(candidate *Snapshot, val [][]float64, now time.Time) error {
	if len(val) == 0 {
		return nil
	}
	scores := make([]float64, len(val))
	for i, row := range val {
		scores[i] = candidate.Score(row)
	}

	var cut float64
	if m.cfg.ValidateWithNewThreshold {
		sorted := append([]float64(nil), scores...)
		sort.Float64s(sorted)
		cut = quantileSorted(sorted, m.cfg.ThresholdQuantile)
	} else {
		var ok bool
		cut, ok = m.stats.CurrentThreshold(now)
		if !ok {
			// No live threshold yet (warm-up); nothing sane to check against.
			return nil
		}
	}

	above := 0
	for _, s := range scores {
		if s >= cut {
			above++
		}
	}
	rate := float64(above) / float64(len(scores))
	if rate > m.cfg.MaxAlertRate {
		return fmt.Errorf("%w: %s rescored alert rate %.4f above bound %.4f",
			ErrValidationFailed, m.symbol, rate, m.cfg.MaxAlertRate)
	}
	return nil
}

// retrainDue evaluates the schedule, drift triggers, cooldown and mask
// stagger. Reasons are surfaced in logs and metrics labels.
func (m *Manager) retrainDue(now time.Time) (bool, string) {
	if m.training.Load() {
		return false, ""
	}
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.cfg.Cooldown {
		return false, ""
	}
	// Stay clear of blackout windows: never commit a retrain inside one,
	// and hold until a full stagger interval past the exact clear point
	// of any window that ended within the last stagger interval.
	if m.mask != nil {
		if m.mask.MaskedAt(now) {
			return false, ""
		}
		if clear := m.mask.NextClear(now.Add(-m.cfg.MaskStagger)); now.Before(clear.Add(m.cfg.MaskStagger)) {
			return false, ""
		}
	}

	active := m.active.Load()
	if active == nil {
		return true, "initial"
	}
	if now.Sub(active.TrainedAt) >= m.cfg.RetrainInterval {
		return true, "scheduled"
	}
	if reason := m.driftTriggered(now); reason != "" {
		return true, reason
	}
	return false, ""
}

func (m *Manager) driftTriggered(now time.Time) string {
	if m.stats == nil {
		return ""
	}

	// Distribution shift: recent median vs the prior 7-day baseline,
	// normalized by baseline IQR.
	baseMed, baseIQR, baseN := m.stats.Summary(now.Add(-8*24*time.Hour), now.Add(-24*time.Hour))
	recMed, _, recN := m.stats.Summary(now.Add(-24*time.Hour), now)
	if baseN >= 100 && recN >= 100 && baseIQR > 0 {
		if shift := (recMed - baseMed) / baseIQR; shift > m.cfg.DriftDivergence || shift < -m.cfg.DriftDivergence {
			return "score_drift"
		}
	}

	// Sustained alert-rate blowout vs rolling baseline.
	if thr, ok := m.stats.CurrentThreshold(now); ok {
		baseRate, baseN := m.stats.RateAbove(thr, now.Add(-8*24*time.Hour), now.Add(-24*time.Hour))
		recRate, recN := m.stats.RateAbove(thr, now.Add(-m.cfg.DriftRateWindow), now)
		if baseN >= 100 && recN >= 30 && baseRate > 0 && recRate >= m.cfg.DriftRateFactor*baseRate {
			if m.driftSince.IsZero() {
				m.driftSince = now
			} else if now.Sub(m.driftSince) >= m.cfg.DriftRateWindow {
				return "alert_rate"
			}
		} else {
			m.driftSince = time.Time{}
		}
	}

	// Externally measured hit rate fell through the floor.
	if m.cfg.MinHitRate > 0 {
		if hr, _ := m.hitRate.Load().(float64); hr >= 0 && hr < m.cfg.MinHitRate {
			return "hit_rate"
		}
	}
	return ""
}

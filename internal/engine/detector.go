// Package engine wires the per-symbol detection pipeline: window
// buffer, scoring against the active model snapshot, threshold
// calibration, mask gating, persistence confirmation, leader labeling
// and alert emission. Symbols are fully isolated from each other.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stormwatch/internal/alerts"
	"github.com/sawpanic/stormwatch/internal/cache"
	"github.com/sawpanic/stormwatch/internal/features"
	"github.com/sawpanic/stormwatch/internal/gates"
	"github.com/sawpanic/stormwatch/internal/labeler"
	"github.com/sawpanic/stormwatch/internal/metrics"
	"github.com/sawpanic/stormwatch/internal/model"
	"github.com/sawpanic/stormwatch/internal/storm"
	"github.com/sawpanic/stormwatch/internal/threshold"
)

// DetectorConfig is the per-symbol tuning assembled from the tier
// settings and the shared engine surface.
type DetectorConfig struct {
	Symbol    string
	Tier      string
	Lifecycle model.LifecycleConfig
	Quantile  float64
	Buffer    time.Duration // score buffer window
	MinScores int
	Machine   storm.Config
	Retention time.Duration // feature window retention
	// Replay runs retrains synchronously on the step path so walk
	// forward output is deterministic.
	Replay bool
}

// Detector owns all mutable state for one symbol. Step must be called
// from a single goroutine in strictly increasing timestamp order.
type Detector struct {
	cfg DetectorConfig

	buffer     *features.WindowBuffer
	calibrator *threshold.Calibrator
	manager    *model.Manager
	machine    *storm.Machine
	labeler    *labeler.Labeler
	gate       *gates.Gate
	emitter    *alerts.Emitter
	reg        *metrics.Registry
	warm       *cache.Store

	clock func() time.Time
}

// NewDetector assembles the per-symbol pipeline. warm may be nil.
func NewDetector(cfg DetectorConfig, gate *gates.Gate, emitter *alerts.Emitter, reg *metrics.Registry, warm *cache.Store) *Detector {
	buffer := features.NewWindowBuffer(cfg.Symbol, cfg.Retention)
	calibrator := threshold.NewCalibrator(cfg.Symbol, cfg.Quantile, cfg.Buffer, cfg.MinScores)
	manager := model.NewManager(cfg.Symbol, cfg.Lifecycle, buffer, calibrator, gate)

	d := &Detector{
		cfg:        cfg,
		buffer:     buffer,
		calibrator: calibrator,
		manager:    manager,
		machine:    storm.NewMachine(cfg.Machine),
		labeler:    labeler.NewLabeler(),
		gate:       gate,
		emitter:    emitter,
		reg:        reg,
		warm:       warm,
		clock:      time.Now,
	}
	if reg != nil {
		manager.OnRetrain(func(symbol, result string) {
			reg.Retrains.WithLabelValues(symbol, result).Inc()
		})
	}
	d.restoreWarmState()
	return d
}

// Manager exposes the lifecycle manager, e.g. for hit-rate feedback.
func (d *Detector) Manager() *model.Manager {
	return d.manager
}

// Step processes one feature vector through the full pipeline. The
// default outcome is silence: any uncertainty (no model, cold threshold,
// stale or masked data) withholds rather than emits.
func (d *Detector) Step(ctx context.Context, v features.FeatureVector) error {
	if err := d.buffer.Append(v); err != nil {
		return err // ErrOutOfOrder: caller bug, state untouched
	}
	if d.reg != nil {
		d.reg.VectorsProcessed.WithLabelValues(d.cfg.Symbol).Inc()
	}

	now := d.now(v)
	masked := d.gate.MaskedAt(v.TS) || d.gate.Stale(now, v.TS)
	if masked && d.reg != nil {
		d.reg.MaskedSteps.WithLabelValues(d.cfg.Symbol).Inc()
	}

	d.retrain(ctx, now)

	rec, err := d.manager.Score(v)
	if err != nil {
		if errors.Is(err, model.ErrModelUnavailable) {
			// No signal yet; keep the machine disarmed.
			d.step(storm.StepInput{TS: v.TS, Qualifies: false, Masked: masked}, v, rec, threshold.State{})
			return nil
		}
		return fmt.Errorf("score %s: %w", d.cfg.Symbol, err)
	}
	d.calibrator.Observe(rec.TS, rec.Score)
	if d.reg != nil {
		d.reg.ScoresComputed.WithLabelValues(d.cfg.Symbol).Inc()
		d.reg.ScoreHist.WithLabelValues(d.cfg.Symbol).Observe(rec.Score)
		if snap, err := d.manager.Active(); err == nil {
			d.reg.ModelAgeSeconds.WithLabelValues(d.cfg.Symbol).Set(snap.Age(now).Seconds())
		}
	}

	thr, err := d.calibrator.Threshold(v.TS)
	if err != nil {
		// Cold calibration: non-qualifying until warmed up.
		d.step(storm.StepInput{TS: v.TS, Qualifies: false, Masked: masked}, v, rec, threshold.State{})
		return nil
	}

	qualifies := rec.Score >= thr.Value && v.DataOK && !v.IndexDeviation && !masked
	d.step(storm.StepInput{TS: v.TS, Qualifies: qualifies, Masked: masked}, v, rec, thr)
	return nil
}

func (d *Detector) now(v features.FeatureVector) time.Time {
	if d.cfg.Replay {
		return v.TS
	}
	return d.clock()
}

func (d *Detector) retrain(ctx context.Context, now time.Time) {
	if d.cfg.Replay {
		if due, _ := d.manager.Due(now); due {
			if err := d.manager.RetrainNow(ctx, now); err != nil {
				log.Debug().Err(err).Str("symbol", d.cfg.Symbol).Msg("replay retrain skipped")
			}
		}
		return
	}
	d.manager.MaybeRetrain(ctx, now)
}

func (d *Detector) step(in storm.StepInput, v features.FeatureVector, rec model.ScoreRecord, thr threshold.State) {
	tr := d.machine.Step(in)
	if d.reg != nil {
		d.reg.PhaseGauge.WithLabelValues(d.cfg.Symbol).Set(float64(tr.To))
	}

	if tr.Confirmed {
		d.emit(v, rec, thr)
	}
	if tr.From != tr.To {
		d.saveWarmState(v.TS, thr)
	}
}

func (d *Detector) emit(v features.FeatureVector, rec model.ScoreRecord, thr threshold.State) {
	leader, state := d.labeler.Label(v)
	ev := alerts.Event{
		TS:                v.TS,
		Symbol:            v.Symbol,
		Storm:             true,
		Score:             rec.Score,
		ThresholdQuantile: thr.Quantile,
		ThresholdValue:    thr.Value,
		Leader:            leader,
		State:             state,
		PerpImpulse:       v.CVDPerp15m,
		FundingPctile30d:  v.FundingPctile30d,
		DOI1h:             v.DOI1h,
		DOI4h:             v.DOI4h,
		SpreadBps:         v.SpreadBps,
		DepthRatio:        v.DepthRatio,
		ModelID:           rec.ModelID,
	}
	if d.reg != nil {
		d.reg.AlertsEmitted.WithLabelValues(v.Symbol, string(leader)).Inc()
	}

	// The machine committed its transition above; emission failures are
	// reported, never rolled back into alerting state.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.emitter.Emit(ctx, ev); err != nil {
		if d.reg != nil {
			d.reg.EmissionFailures.Inc()
		}
		log.Error().Err(err).Str("symbol", v.Symbol).Time("ts", v.TS).Msg("alert emission failed")
	}
}

func (d *Detector) restoreWarmState() {
	if d.warm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, found, err := d.warm.Load(ctx, d.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", d.cfg.Symbol).Msg("warm state load failed, starting cold")
		return
	}
	if !found {
		return
	}
	var phase storm.Phase
	switch st.Phase {
	case storm.PhasePreAlert.String():
		phase = storm.PhasePreAlert
	case storm.PhaseConfirmed.String():
		phase = storm.PhaseConfirmed
	default:
		return
	}
	d.machine.Restore(phase, st.Count, st.PreAlertSince)
	log.Info().
		Str("symbol", d.cfg.Symbol).
		Str("phase", st.Phase).
		Int("count", st.Count).
		Msg("alerting state restored from warm cache")
}

func (d *Detector) saveWarmState(ts time.Time, thr threshold.State) {
	if d.warm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st := cache.WarmState{
		Symbol:         d.cfg.Symbol,
		Phase:          d.machine.Phase().String(),
		Count:          d.machine.Count(),
		PreAlertSince:  d.machine.PreAlertSince(),
		LastTS:         ts,
		ThresholdValue: thr.Value,
	}
	if snap, err := d.manager.Active(); err == nil {
		st.ModelID = snap.ID
	}
	if err := d.warm.Save(ctx, st); err != nil {
		log.Warn().Err(err).Str("symbol", d.cfg.Symbol).Msg("warm state save failed")
	}
}

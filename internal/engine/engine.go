package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/stormwatch/internal/alerts"
	"github.com/sawpanic/stormwatch/internal/cache"
	"github.com/sawpanic/stormwatch/internal/config"
	"github.com/sawpanic/stormwatch/internal/feed"
	"github.com/sawpanic/stormwatch/internal/features"
	"github.com/sawpanic/stormwatch/internal/gates"
	"github.com/sawpanic/stormwatch/internal/metrics"
	"github.com/sawpanic/stormwatch/internal/model"
	"github.com/sawpanic/stormwatch/internal/storm"
)

// Engine routes feature vectors to per-symbol detectors. Each symbol
// runs on its own goroutine with its own isolated state; an error in one
// symbol never halts the others.
type Engine struct {
	cfg     *config.Config
	gate    *gates.Gate
	emitter *alerts.Emitter
	reg     *metrics.Registry
	warm    *cache.Store
	replay  bool

	mu        sync.Mutex
	detectors map[string]*Detector
}

// New assembles the engine. warm may be nil; reg may be nil in tests.
func New(cfg *config.Config, gate *gates.Gate, emitter *alerts.Emitter, reg *metrics.Registry, warm *cache.Store, replay bool) *Engine {
	return &Engine{
		cfg:       cfg,
		gate:      gate,
		emitter:   emitter,
		reg:       reg,
		warm:      warm,
		replay:    replay,
		detectors: make(map[string]*Detector),
	}
}

// Detector returns the symbol's detector, creating it on first use.
func (e *Engine) Detector(symbol string) *Detector {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.detectors[symbol]; ok {
		return d
	}
	d := NewDetector(e.detectorConfig(symbol), e.gate, e.emitter, e.reg, e.warm)
	e.detectors[symbol] = d
	return d
}

func (e *Engine) detectorConfig(symbol string) DetectorConfig {
	tier := e.cfg.TierFor(symbol)
	ts := e.cfg.Tiers[tier]
	m := e.cfg.Model

	lifecycle := model.LifecycleConfig{
		TrainWindow:     m.TrainWindow(),
		RetrainInterval: m.RetrainInterval(),
		MinObservations: m.MinObservations,
		Cooldown:        time.Duration(m.CooldownMinutes) * time.Minute,
		Contamination:   ts.Contamination,
		Forest: model.ForestConfig{
			Trees:      m.Trees,
			SampleSize: m.SampleSize,
			Seed:       m.Seed,
		},
		ValidationWindow:         e.cfg.Threshold.ScoreBufferWindow(),
		MaxAlertRate:             m.MaxValidationRate,
		ThresholdQuantile:        ts.ThresholdQuantile,
		ValidateWithNewThreshold: m.ValidateWithNewThreshold,
		DriftDivergence:          m.DriftDivergence,
		DriftRateFactor:          m.DriftRateFactor,
		DriftRateWindow:          time.Duration(m.DriftRateWindowMinutes) * time.Minute,
		MinHitRate:               m.MinHitRate,
		SoftTimeout:              time.Duration(m.SoftTimeoutMinutes) * time.Minute,
		MaskStagger:              time.Duration(m.MaskStaggerMinutes) * time.Minute,
	}

	retention := lifecycle.TrainWindow
	if w := e.cfg.Threshold.ScoreBufferWindow(); w > retention {
		retention = w
	}

	return DetectorConfig{
		Symbol:    symbol,
		Tier:      string(tier),
		Lifecycle: lifecycle,
		Quantile:  ts.ThresholdQuantile,
		Buffer:    e.cfg.Threshold.ScoreBufferWindow(),
		MinScores: e.cfg.Threshold.MinScores,
		Machine: storm.Config{
			PreAlertPersistence:          ts.PreAlertPersistence,
			ConfirmBars:                  ts.ConfirmBars,
			BarInterval:                  time.Duration(e.cfg.Persistence.BarIntervalMinutes) * time.Minute,
			ExcludeMaskedFromPersistence: e.cfg.Persistence.ExcludeMasked(),
		},
		Retention: retention,
		Replay:    e.replay,
	}
}

// Process steps one vector synchronously on the caller's goroutine.
// Used by the replay driver and tests; Run is the concurrent path.
func (e *Engine) Process(ctx context.Context, v features.FeatureVector) error {
	return e.Detector(v.Symbol).Step(ctx, v)
}

// Run consumes the feed until it closes or the context is canceled.
// A dispatcher fans vectors out to one worker per symbol, preserving
// per-symbol delivery order while symbols progress in parallel.
func (e *Engine) Run(ctx context.Context, fd feed.Feed) error {
	g, ctx := errgroup.WithContext(ctx)
	channels := make(map[string]chan features.FeatureVector)

	g.Go(func() error {
		defer func() {
			for _, ch := range channels {
				close(ch)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case v, ok := <-fd.Vectors():
				if !ok {
					return fd.Err()
				}
				ch, exists := channels[v.Symbol]
				if !exists {
					ch = make(chan features.FeatureVector, 64)
					channels[v.Symbol] = ch
					e.startWorker(g, ctx, v.Symbol, ch)
				}
				select {
				case ch <- v:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("engine run: %w", err)
	}
	return nil
}

func (e *Engine) startWorker(g *errgroup.Group, ctx context.Context, symbol string, ch <-chan features.FeatureVector) {
	det := e.Detector(symbol)
	g.Go(func() error {
		for v := range ch {
			if err := det.Step(ctx, v); err != nil {
				// Per-symbol failures are isolated: log and keep going.
				log.Error().Err(err).Str("symbol", symbol).Time("ts", v.TS).Msg("step failed, vector dropped")
			}
		}
		return nil
	})
}

// Symbols returns the symbols with live detectors.
func (e *Engine) Symbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.detectors))
	for s := range e.detectors {
		out = append(out, s)
	}
	return out
}

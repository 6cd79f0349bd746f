package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrEmission wraps downstream I/O failures. The state machine has
// already committed its transition by the time emission is attempted;
// callers report this error and keep going.
var ErrEmission = errors.New("alert emission failed")

// Sink is one durable destination for alert events.
type Sink interface {
	Name() string
	Append(ctx context.Context, ev Event) error
	Close() error
}

// EmitterConfig bounds alert throughput and failure handling.
type EmitterConfig struct {
	// MaxPerHour caps emissions across all symbols; excess alerts are
	// dropped with a warning rather than queued.
	MaxPerHour int
	// Breaker settings for each sink; a tripped sink fails fast until
	// its timeout elapses.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultEmitterConfig matches the production alert budget.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		MaxPerHour:      60,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Emitter fans one confirmed alert out to every configured sink, behind
// a shared rate limit and per-sink circuit breakers.
type Emitter struct {
	cfg      EmitterConfig
	sinks    []Sink
	breakers []*gobreaker.CircuitBreaker
	limiter  *rate.Limiter
}

// NewEmitter wires sinks behind breakers and the shared alert budget.
func NewEmitter(cfg EmitterConfig, sinks ...Sink) *Emitter {
	e := &Emitter{
		cfg:     cfg,
		sinks:   sinks,
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(max(cfg.MaxPerHour, 1))), max(cfg.MaxPerHour, 1)),
	}
	for _, s := range sinks {
		e.breakers = append(e.breakers, gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    s.Name(),
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("sink", name).Str("from", from.String()).Str("to", to.String()).Msg("alert sink breaker state change")
			},
		}))
	}
	return e
}

// Emit appends the event to every sink. Sink failures are collected into
// one ErrEmission; in-memory alerting state is never rolled back.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	if !e.limiter.Allow() {
		log.Warn().Str("symbol", ev.Symbol).Time("ts", ev.TS).Msg("alert dropped: emission budget exhausted")
		return nil
	}

	var failed []error
	for i, s := range e.sinks {
		_, err := e.breakers[i].Execute(func() (interface{}, error) {
			return nil, s.Append(ctx, ev)
		})
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrEmission, errors.Join(failed...))
	}
	log.Info().
		Str("symbol", ev.Symbol).
		Time("ts", ev.TS).
		Float64("score", ev.Score).
		Str("leader", string(ev.Leader)).
		Str("state", string(ev.State)).
		Str("model_id", ev.ModelID).
		Msg("storm alert emitted")
	return nil
}

// Close closes every sink, returning the first error.
func (e *Emitter) Close() error {
	var first error
	for _, s := range e.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Package storm implements the per-symbol persistence state machine
// that turns a noisy threshold-crossing stream into a small number of
// discrete, non-duplicated, temporally valid storm confirmations.
package storm

import (
	"time"
)

// Phase is the per-symbol alerting state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePreAlert
	PhaseConfirmed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePreAlert:
		return "pre_alert"
	case PhaseConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Config controls confirmation strictness.
type Config struct {
	// PreAlertPersistence is the run of consecutive qualifying steps
	// required before confirmation, 2-4 depending on tier.
	PreAlertPersistence int
	// ConfirmBars is the number of closed coarser-cadence bars that must
	// elapse after entering pre-alert before confirmation is allowed.
	ConfirmBars int
	// BarInterval is the coarser cadence the confirm horizon is measured
	// in, e.g. 5 minutes over a 1-minute step stream.
	BarInterval time.Duration
	// ExcludeMaskedFromPersistence freezes the machine on masked steps
	// instead of treating them as disqualifying resets. Both behaviors
	// are legitimate; the choice materially changes alert timing.
	ExcludeMaskedFromPersistence bool
}

// DefaultConfig matches the mid-tier production settings.
func DefaultConfig() Config {
	return Config{
		PreAlertPersistence:          3,
		ConfirmBars:                  1,
		BarInterval:                  5 * time.Minute,
		ExcludeMaskedFromPersistence: true,
	}
}

// StepInput is one evaluation: did the score qualify, and was the step
// inside a mask window. Masked steps force qualifies=false upstream;
// the flag is still needed here to apply the persistence toggle.
type StepInput struct {
	TS        time.Time
	Qualifies bool
	Masked    bool
}

// Transition reports what one step did to the machine.
type Transition struct {
	From  Phase
	To    Phase
	Count int // consecutive qualifying count after the step
	// Confirmed is true exactly once per storm: on the PreAlert to
	// Confirmed edge. It never fires again until the machine has
	// returned to Idle and re-armed.
	Confirmed bool
}

// Machine is the state for one symbol. Mutated only by Step, from the
// symbol's single step goroutine.
type Machine struct {
	cfg           Config
	phase         Phase
	count         int
	preAlertSince time.Time
}

// NewMachine starts in Idle.
func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// Count returns the current consecutive qualifying count.
func (m *Machine) Count() int {
	return m.count
}

// PreAlertSince returns when the current qualifying run began, zero when
// idle.
func (m *Machine) PreAlertSince() time.Time {
	return m.preAlertSince
}

// Restore rehydrates a machine from warm state after a restart.
func (m *Machine) Restore(phase Phase, count int, preAlertSince time.Time) {
	m.phase = phase
	m.count = count
	m.preAlertSince = preAlertSince
}

// Step evaluates one observation. Steps must arrive in strictly
// increasing timestamp order; ordering is enforced upstream by the
// feature buffer.
func (m *Machine) Step(in StepInput) Transition {
	from := m.phase

	if in.Masked && m.cfg.ExcludeMaskedFromPersistence {
		// Masked steps neither advance nor reset the run.
		return Transition{From: from, To: m.phase, Count: m.count}
	}

	if !in.Qualifies {
		m.phase = PhaseIdle
		m.count = 0
		m.preAlertSince = time.Time{}
		return Transition{From: from, To: PhaseIdle}
	}

	switch m.phase {
	case PhaseIdle:
		m.phase = PhasePreAlert
		m.count = 1
		m.preAlertSince = in.TS
	case PhasePreAlert:
		m.count++
		if m.count >= m.cfg.PreAlertPersistence && m.horizonSatisfied(in.TS) {
			m.phase = PhaseConfirmed
			return Transition{From: from, To: PhaseConfirmed, Count: m.count, Confirmed: true}
		}
	case PhaseConfirmed:
		m.count++
	}
	return Transition{From: from, To: m.phase, Count: m.count}
}

// horizonSatisfied reports whether enough closed coarser bars have
// elapsed since entering pre-alert.
func (m *Machine) horizonSatisfied(ts time.Time) bool {
	if m.cfg.ConfirmBars <= 0 || m.cfg.BarInterval <= 0 {
		return true
	}
	closed := barIndex(ts, m.cfg.BarInterval) - barIndex(m.preAlertSince, m.cfg.BarInterval)
	return closed >= int64(m.cfg.ConfirmBars)
}

func barIndex(ts time.Time, interval time.Duration) int64 {
	return ts.UnixNano() / int64(interval)
}

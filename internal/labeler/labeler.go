// Package labeler classifies which market segment is leading a
// confirmed move, from a deterministic vote over the triggering
// feature vector. Pure functions, no state.
package labeler

import (
	"github.com/sawpanic/stormwatch/internal/features"
)

// Leader identifies the driving segment.
type Leader string

const (
	PerpLed       Leader = "perp_led"
	SpotLed       Leader = "spot_led"
	LeaderNeutral Leader = "neutral"
)

// State describes cross-segment agreement.
type State string

const (
	Confluence   State = "confluence"
	Divergence   State = "divergence"
	StateNeutral State = "neutral"
)

// Labeler holds the small-basis cutoff used by the confluence and
// divergence refinements.
type Labeler struct {
	// SmallBasisBps bounds "basis magnitude small" in basis points.
	SmallBasisBps float64
}

// NewLabeler returns a labeler with the production cutoff.
func NewLabeler() *Labeler {
	return &Labeler{SmallBasisBps: 5.0}
}

// Label tallies the segment votes for the vector accompanying a
// confirmed alert.
func (l *Labeler) Label(v features.FeatureVector) (Leader, State) {
	perp := 0
	if v.BasisNow > 0 {
		perp++
	}
	if v.FundingSlope60m > 0 {
		perp++
	}
	if v.DOI1h > 0 {
		perp++
	}
	if v.CVDDiff15m > 0 { // perp cumulative flow exceeds spot
		perp++
	}
	if v.DPerpShare60 > 0 {
		perp++
	}

	spot := 0
	if v.BasisNow < 0 {
		spot++
	}
	if v.FundingSlope60m <= 0 {
		spot++
	}
	if v.CVDDiff15m < 0 { // spot cumulative flow exceeds perp
		spot++
	}
	if v.DPerpShare60 < 0 {
		spot++
	}

	leader := LeaderNeutral
	switch {
	case perp-spot >= 2:
		leader = PerpLed
	case spot-perp >= 2:
		leader = SpotLed
	}
	return leader, l.state(v)
}

// state evaluates the confluence/divergence refinement independently of
// the leader margin.
func (l *Labeler) state(v features.FeatureVector) State {
	basisBps := v.BasisNow * 1e4
	if basisBps < 0 {
		basisBps = -basisBps
	}
	perpSign := sign(v.CVDPerp15m)
	spotSign := sign(v.CVDSpot15m)

	// Flows agree across segments and basis stays tight: both legs are
	// moving together.
	if perpSign != 0 && perpSign == spotSign && basisBps < l.SmallBasisBps {
		return Confluence
	}
	// Flows disagree, or the basis is widening without confirming flow
	// behind it.
	if perpSign != 0 && spotSign != 0 && perpSign != spotSign {
		return Divergence
	}
	if basisBps >= l.SmallBasisBps && sign(v.BasisNow) != sign(v.CVDDiff15m) {
		return Divergence
	}
	return StateNeutral
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

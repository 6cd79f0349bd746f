package labeler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/stormwatch/internal/features"
)

func TestLabel_LeaderVote(t *testing.T) {
	l := NewLabeler()

	tests := []struct {
		name   string
		vec    features.FeatureVector
		leader Leader
	}{
		{
			name: "perp led: rising basis, funding, OI and perp flow",
			vec: features.FeatureVector{
				BasisNow:        0.0008,
				FundingSlope60m: 0.0001,
				DOI1h:           0.02,
				CVDDiff15m:      1500,
				DPerpShare60:    0.03,
			},
			leader: PerpLed,
		},
		{
			name: "spot led: discount basis, flat funding, spot flow dominant",
			vec: features.FeatureVector{
				BasisNow:        -0.0004,
				FundingSlope60m: -0.0001,
				CVDDiff15m:      -900,
				DPerpShare60:    -0.02,
			},
			leader: SpotLed,
		},
		{
			name: "mixed signals stay neutral",
			vec: features.FeatureVector{
				BasisNow:        0.0003,
				FundingSlope60m: -0.0001,
				CVDDiff15m:      200,
				DPerpShare60:    -0.01,
			},
			leader: LeaderNeutral,
		},
		{
			name:   "zero vector stays neutral",
			vec:    features.FeatureVector{},
			leader: LeaderNeutral,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leader, _ := l.Label(tt.vec)
			assert.Equal(t, tt.leader, leader)
		})
	}
}

func TestLabel_State(t *testing.T) {
	l := NewLabeler()

	tests := []struct {
		name  string
		vec   features.FeatureVector
		state State
	}{
		{
			name: "confluence: flows agree, tight basis",
			vec: features.FeatureVector{
				BasisNow:   0.0002, // 2 bps
				CVDPerp15m: 1000,
				CVDSpot15m: 800,
			},
			state: Confluence,
		},
		{
			name: "divergence: flows oppose",
			vec: features.FeatureVector{
				BasisNow:   0.0001,
				CVDPerp15m: 1200,
				CVDSpot15m: -600,
			},
			state: Divergence,
		},
		{
			name: "divergence: wide basis without confirming flow",
			vec: features.FeatureVector{
				BasisNow:   0.0012, // 12 bps premium
				CVDDiff15m: -400,   // but flow favors spot
			},
			state: Divergence,
		},
		{
			name: "agreement with wide basis is not confluence",
			vec: features.FeatureVector{
				BasisNow:   0.0010, // 10 bps
				CVDPerp15m: 500,
				CVDSpot15m: 400,
				CVDDiff15m: 100,
			},
			state: StateNeutral,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, state := l.Label(tt.vec)
			assert.Equal(t, tt.state, state)
		})
	}
}

// Package alerts assembles confirmed storm alerts and appends them to
// one or more durable sinks.
package alerts

import (
	"time"

	"github.com/sawpanic/stormwatch/internal/labeler"
)

// Event is the terminal output record: one per confirmed storm
// transition. Immutable once emitted.
type Event struct {
	TS                time.Time      `json:"ts" db:"ts"`
	Symbol            string         `json:"symbol" db:"symbol"`
	Storm             bool           `json:"storm" db:"storm"`
	Score             float64        `json:"score" db:"score"`
	ThresholdQuantile float64        `json:"threshold_quantile" db:"threshold_quantile"`
	ThresholdValue    float64        `json:"threshold_value" db:"threshold_value"`
	Leader            labeler.Leader `json:"leader" db:"leader"`
	State             labeler.State  `json:"state" db:"state"`

	// Context fields carried from the triggering vector.
	PerpImpulse      float64 `json:"perp_impulse" db:"perp_impulse"`
	FundingPctile30d float64 `json:"funding_pctile_30d" db:"funding_pctile_30d"`
	DOI1h            float64 `json:"doi_1h" db:"doi_1h"`
	DOI4h            float64 `json:"doi_4h" db:"doi_4h"`
	SpreadBps        float64 `json:"spread_bps" db:"spread_bps"`
	DepthRatio       float64 `json:"depth_ratio" db:"depth_ratio"`
	ModelID          string  `json:"model_id" db:"model_id"`
}

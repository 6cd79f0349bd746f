// Package features defines the feature vector schema consumed by the
// anomaly engine and the per-symbol rolling window buffer that feeds
// model training and scoring.
package features

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"time"
)

// SchemaVersion is bumped whenever the model input column set changes.
// It is folded into the feature set hash so snapshots trained on a
// different schema are never compared as equivalent.
const SchemaVersion = "v1"

// FeatureVector is one fully-resolved observation for (symbol, ts),
// produced upstream by the feature engine. Immutable once constructed.
type FeatureVector struct {
	TS     time.Time `json:"ts"`
	Symbol string    `json:"symbol"`

	// Basis / funding
	BasisNow         float64 `json:"basis_now"`
	DBasis5m         float64 `json:"dbasis_5m"`
	DBasis15m        float64 `json:"dbasis_15m"`
	FundingSlope30m  float64 `json:"funding_slope_30m"`
	FundingSlope60m  float64 `json:"funding_slope_60m"`
	FundingSlope90m  float64 `json:"funding_slope_90m"`
	FundingPctile30d float64 `json:"funding_pctile_30d"`

	// Open interest / flow
	DOI1h        float64 `json:"doi_1h"`
	DOI4h        float64 `json:"doi_4h"`
	CVDPerp15m   float64 `json:"cvd_perp_15m"`
	CVDSpot15m   float64 `json:"cvd_spot_15m"`
	CVDDiff15m   float64 `json:"cvd_diff_15m"`
	PerpShare60m float64 `json:"perp_share_60m"`
	DPerpShare60 float64 `json:"dperp_share_60m"`

	// Liquidity / volatility
	SpreadBps  float64 `json:"spread_bps"`
	DepthRatio float64 `json:"depth_ratio"`
	RV15m      float64 `json:"rv_15m"`
	LiqLong15m float64 `json:"liq_long_15m"`
	LiqShort15 float64 `json:"liq_short_15m"`

	// Quality flags
	DataOK         bool `json:"data_ok"`
	IndexDeviation bool `json:"index_deviation_flag"`
}

// ModelColumns is the fixed, ordered set of columns fed to the anomaly
// model. Order matters: a fitted scaler and forest are only valid for
// vectors produced in this exact order.
var ModelColumns = []string{
	"basis_now",
	"dbasis_5m",
	"dbasis_15m",
	"funding_slope_30m",
	"funding_slope_60m",
	"funding_slope_90m",
	"doi_1h",
	"doi_4h",
	"cvd_diff_15m",
	"perp_share_60m",
	"dperp_share_60m",
	"spread_bps",
	"depth_ratio",
	"rv_15m",
}

// ModelFeatures returns the model input row in ModelColumns order.
// NaN and Inf values are mapped to zero so sparse upstream features
// never poison a fit or a score.
func (v FeatureVector) ModelFeatures() []float64 {
	row := []float64{
		v.BasisNow,
		v.DBasis5m,
		v.DBasis15m,
		v.FundingSlope30m,
		v.FundingSlope60m,
		v.FundingSlope90m,
		v.DOI1h,
		v.DOI4h,
		v.CVDDiff15m,
		v.PerpShare60m,
		v.DPerpShare60,
		v.SpreadBps,
		v.DepthRatio,
		v.RV15m,
	}
	for i, x := range row {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			row[i] = 0
		}
	}
	return row
}

// SetHash returns the stable hash identifying the model input schema.
// Snapshots carry this hash; a mismatch means the snapshot cannot score
// vectors produced by the current build.
func SetHash() string {
	h := sha256.Sum256([]byte(SchemaVersion + ":" + strings.Join(ModelColumns, ",")))
	return hex.EncodeToString(h[:8])
}

package model

import (
	"time"
)

// Snapshot bundles a fitted forest with the scaler it was fit alongside.
// The pair is immutable and always swapped as a unit, so a scorer can
// never observe a forest from one training run with a scaler from
// another.
type Snapshot struct {
	ID             string    `json:"model_id"`
	Symbol         string    `json:"symbol"`
	TrainedAt      time.Time `json:"trained_at"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	Contamination  float64   `json:"contamination"`
	FeatureSetHash string    `json:"feature_set_hash"`
	TrainSize      int       `json:"train_size"`

	scaler *RobustScaler
	forest *Forest
}

// Score applies the snapshot to one raw (unscaled) model feature row.
func (s *Snapshot) Score(raw []float64) float64 {
	return s.forest.Score(s.scaler.Transform(raw))
}

// Age returns how stale the snapshot is at the given instant.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.TrainedAt)
}

// ScoreRecord is the output of scoring one feature vector against the
// active snapshot.
type ScoreRecord struct {
	TS      time.Time `json:"ts"`
	Symbol  string    `json:"symbol"`
	Score   float64   `json:"score"`
	ModelID string    `json:"model_id"`
}

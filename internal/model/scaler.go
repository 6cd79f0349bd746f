package model

import (
	"errors"
	"math"
	"sort"
)

// RobustScaler centers each column on its median and scales by the
// interquartile range, so basis blowouts and liquidation spikes in the
// training window do not dominate the fit. Fit once, then read-only.
type RobustScaler struct {
	Center []float64
	Scale  []float64
}

// FitScaler computes per-column median and IQR over the training matrix.
func FitScaler(data [][]float64) (*RobustScaler, error) {
	if len(data) == 0 {
		return nil, errors.New("scaler: empty training data")
	}
	cols := len(data[0])
	s := &RobustScaler{
		Center: make([]float64, cols),
		Scale:  make([]float64, cols),
	}
	col := make([]float64, 0, len(data))
	for j := 0; j < cols; j++ {
		col = col[:0]
		for _, row := range data {
			x := row[j]
			if math.IsNaN(x) || math.IsInf(x, 0) {
				x = 0
			}
			col = append(col, x)
		}
		sort.Float64s(col)
		s.Center[j] = quantileSorted(col, 0.5)
		iqr := quantileSorted(col, 0.75) - quantileSorted(col, 0.25)
		if iqr <= 0 {
			iqr = 1
		}
		s.Scale[j] = iqr
	}
	return s, nil
}

// Transform maps one raw row into scaled space. The input is not mutated.
func (s *RobustScaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, x := range row {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			x = 0
		}
		out[j] = (x - s.Center[j]) / s.Scale[j]
	}
	return out
}

// TransformAll scales a full matrix.
func (s *RobustScaler) TransformAll(data [][]float64) [][]float64 {
	out := make([][]float64, len(data))
	for i, row := range data {
		out[i] = s.Transform(row)
	}
	return out
}

// quantileSorted interpolates the q-quantile of an ascending slice.
func quantileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	idx := q * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	w := idx - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}

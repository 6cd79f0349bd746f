package alerts

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// CSVSink appends alert rows to a writer, emitting the header once.
// Safe for concurrent appenders.
type CSVSink struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	wrote  bool
}

var csvHeader = []string{
	"ts", "symbol", "storm", "score", "threshold_quantile", "threshold_value",
	"leader", "state", "perp_impulse", "funding_pctile_30d", "doi_1h", "doi_4h",
	"spread_bps", "depth_ratio", "model_id",
}

// NewCSVSink wraps a writer. If the writer is also an io.Closer it is
// closed by Close.
func NewCSVSink(w io.Writer) *CSVSink {
	s := &CSVSink{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *CSVSink) Name() string { return "csv" }

// Append writes one row and flushes.
func (s *CSVSink) Append(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wrote {
		if err := s.w.Write(csvHeader); err != nil {
			return fmt.Errorf("csv header: %w", err)
		}
		s.wrote = true
	}
	row := []string{
		ev.TS.UTC().Format(time.RFC3339),
		ev.Symbol,
		strconv.FormatBool(ev.Storm),
		formatFloat(ev.Score),
		formatFloat(ev.ThresholdQuantile),
		formatFloat(ev.ThresholdValue),
		string(ev.Leader),
		string(ev.State),
		formatFloat(ev.PerpImpulse),
		formatFloat(ev.FundingPctile30d),
		formatFloat(ev.DOI1h),
		formatFloat(ev.DOI4h),
		formatFloat(ev.SpreadBps),
		formatFloat(ev.DepthRatio),
		ev.ModelID,
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("csv row: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', -1, 64)
}

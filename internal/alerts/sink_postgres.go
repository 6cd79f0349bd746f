package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresSink appends alerts to the storm_alerts table.
type PostgresSink struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresSink wraps an open sqlx handle.
func NewPostgresSink(db *sqlx.DB, timeout time.Duration) *PostgresSink {
	return &PostgresSink{db: db, timeout: timeout}
}

// OpenPostgresSink connects with the given DSN and verifies the
// connection before use.
func OpenPostgresSink(dsn string, timeout time.Duration) (*PostgresSink, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	return NewPostgresSink(db, timeout), nil
}

func (s *PostgresSink) Name() string { return "postgres" }

const insertAlert = `
	INSERT INTO storm_alerts
	(ts, symbol, storm, score, threshold_quantile, threshold_value, leader, state,
	 perp_impulse, funding_pctile_30d, doi_1h, doi_4h, spread_bps, depth_ratio, model_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (ts, symbol) DO NOTHING`

// Append inserts one alert. Duplicate (ts, symbol) pairs are ignored so
// replays never double-write.
func (s *PostgresSink) Append(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, insertAlert,
		ev.TS, ev.Symbol, ev.Storm, ev.Score, ev.ThresholdQuantile, ev.ThresholdValue,
		string(ev.Leader), string(ev.State),
		ev.PerpImpulse, ev.FundingPctile30d, ev.DOI1h, ev.DOI4h,
		ev.SpreadBps, ev.DepthRatio, ev.ModelID)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSink(t *testing.T) (*PostgresSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewPostgresSink(sqlx.NewDb(db, "postgres"), 5*time.Second), mock
}

func TestPostgresSink_Append(t *testing.T) {
	s, mock := newMockSink(t)

	ev := testEvent()
	mock.ExpectExec("INSERT INTO storm_alerts").
		WithArgs(ev.TS, ev.Symbol, ev.Storm, ev.Score, ev.ThresholdQuantile, ev.ThresholdValue,
			"perp_led", "divergence",
			ev.PerpImpulse, ev.FundingPctile30d, ev.DOI1h, ev.DOI4h,
			ev.SpreadBps, ev.DepthRatio, ev.ModelID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	require.NoError(t, s.Append(context.Background(), ev))
	require.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_DuplicateIsNoop(t *testing.T) {
	s, mock := newMockSink(t)

	// ON CONFLICT DO NOTHING surfaces as zero rows affected, not an error.
	mock.ExpectExec("INSERT INTO storm_alerts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, s.Append(context.Background(), testEvent()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_ExecError(t *testing.T) {
	s, mock := newMockSink(t)

	mock.ExpectExec("INSERT INTO storm_alerts").
		WillReturnError(errors.New("relation storm_alerts does not exist"))

	err := s.Append(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert alert")
}

package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends alerts to a Redis stream so downstream
// consumers (risk gates, notifiers) can tail them.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink wraps an existing client.
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// OpenRedisStreamSink dials redis and verifies the connection.
func OpenRedisStreamSink(addr, stream string, db int, maxLen int64) (*RedisStreamSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return NewRedisStreamSink(client, stream, maxLen), nil
}

func (s *RedisStreamSink) Name() string { return "redis" }

// Append XADDs the alert with approximate stream trimming.
func (s *RedisStreamSink) Append(ctx context.Context, ev Event) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"ts":                 ev.TS.UTC().Format(time.RFC3339),
			"symbol":             ev.Symbol,
			"storm":              ev.Storm,
			"score":              ev.Score,
			"threshold_quantile": ev.ThresholdQuantile,
			"threshold_value":    ev.ThresholdValue,
			"leader":             string(ev.Leader),
			"state":              string(ev.State),
			"perp_impulse":       ev.PerpImpulse,
			"funding_pctile_30d": ev.FundingPctile30d,
			"doi_1h":             ev.DOI1h,
			"doi_4h":             ev.DOI4h,
			"spread_bps":         ev.SpreadBps,
			"depth_ratio":        ev.DepthRatio,
			"model_id":           ev.ModelID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd alert: %w", err)
	}
	return nil
}

func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}

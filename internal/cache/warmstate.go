// Package cache persists small per-symbol warm state (alerting phase,
// last calibrated threshold) across restarts, so a bounce does not throw
// away an in-flight pre-alert run. Absence of cached state is never an
// error; the engine just warms up from scratch.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// WarmState is the per-symbol snapshot saved after each step that
// changes it.
type WarmState struct {
	Symbol         string    `json:"symbol"`
	Phase          string    `json:"phase"`
	Count          int       `json:"count"`
	PreAlertSince  time.Time `json:"pre_alert_since"`
	LastTS         time.Time `json:"last_ts"`
	ThresholdValue float64   `json:"threshold_value"`
	ModelID        string    `json:"model_id"`
}

// Store is a thin Redis-backed warm state store.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore wraps an existing client. TTL bounds how long stale warm
// state survives; past it a restart warms up cold, which is the safe
// default.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Open dials Redis and verifies the connection.
func Open(addr string, db int, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("warm state redis connect: %w", err)
	}
	return NewStore(client, ttl), nil
}

func key(symbol string) string {
	return "storm:warm:" + symbol
}

// Save writes the symbol's warm state.
func (s *Store) Save(ctx context.Context, st WarmState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal warm state: %w", err)
	}
	if err := s.client.Set(ctx, key(st.Symbol), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save warm state: %w", err)
	}
	return nil
}

// Load fetches the symbol's warm state. A miss returns found=false, not
// an error.
func (s *Store) Load(ctx context.Context, symbol string) (WarmState, bool, error) {
	raw, err := s.client.Get(ctx, key(symbol)).Result()
	if err != nil {
		if err == redis.Nil {
			return WarmState{}, false, nil
		}
		return WarmState{}, false, fmt.Errorf("load warm state: %w", err)
	}
	var st WarmState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return WarmState{}, false, fmt.Errorf("decode warm state: %w", err)
	}
	return st, true, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

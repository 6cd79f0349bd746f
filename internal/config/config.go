// Package config loads and validates the engine configuration.
// Malformed configuration is fatal at startup; everything downstream
// assumes a vetted config.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// TierName selects per-tier detection settings.
type TierName string

const (
	TierA TierName = "a" // majors
	TierB TierName = "b"
	TierC TierName = "c"
)

// TierSettings is the per-tier detection surface.
type TierSettings struct {
	Contamination       float64 `yaml:"contamination" default:"0.04" validate:"gt=0,lt=0.5"`
	ThresholdQuantile   float64 `yaml:"threshold_quantile" default:"0.98" validate:"gt=0.5,lt=1"`
	PreAlertPersistence int     `yaml:"pre_alert_persistence" default:"3" validate:"min=1,max=10"`
	ConfirmBars         int     `yaml:"confirm_bars" default:"1" validate:"min=0,max=12"`
}

// Universe maps symbols to tiers.
type Universe struct {
	TierA []string `yaml:"tier_a"`
	TierB []string `yaml:"tier_b"`
	TierC []string `yaml:"tier_c"`
}

// ModelConfig is the lifecycle surface.
type ModelConfig struct {
	TrainWindowDays      int     `yaml:"train_window_days" default:"30" validate:"min=14,max=45"`
	RetrainIntervalHours int     `yaml:"retrain_interval_hours" default:"8" validate:"min=6,max=12"`
	MinObservations      int     `yaml:"min_observations" default:"2000" validate:"min=50"`
	CooldownMinutes      int     `yaml:"cooldown_minutes" default:"60" validate:"min=1"`
	Trees                int     `yaml:"trees" default:"200" validate:"min=10"`
	SampleSize           int     `yaml:"sample_size" default:"256" validate:"min=16"`
	Seed                 int64   `yaml:"seed" default:"42"`
	MaxValidationRate    float64 `yaml:"max_validation_alert_rate" default:"0.10" validate:"gt=0,lte=1"`
	// ValidateWithNewThreshold switches the post-train sanity check to
	// the candidate's own quantile instead of the live threshold.
	ValidateWithNewThreshold bool    `yaml:"validate_with_new_threshold"`
	DriftDivergence          float64 `yaml:"drift_divergence" default:"1.5" validate:"gt=0"`
	DriftRateFactor          float64 `yaml:"drift_rate_factor" default:"2.0" validate:"gte=1"`
	DriftRateWindowMinutes   int     `yaml:"drift_rate_window_minutes" default:"240" validate:"min=10"`
	MinHitRate               float64 `yaml:"min_hit_rate" default:"0" validate:"gte=0,lte=1"`
	SoftTimeoutMinutes       int     `yaml:"soft_timeout_minutes" default:"5" validate:"min=1"`
	MaskStaggerMinutes       int     `yaml:"mask_stagger_minutes" default:"10" validate:"min=0"`
}

// ThresholdConfig is the calibrator surface.
type ThresholdConfig struct {
	ScoreBufferDays int `yaml:"score_buffer_days" default:"14" validate:"min=7,max=14"`
	MinScores       int `yaml:"min_scores" default:"500" validate:"min=10"`
}

// PersistenceConfig is the state machine surface.
type PersistenceConfig struct {
	BarIntervalMinutes int `yaml:"bar_interval_minutes" default:"5" validate:"min=1"`
	// ExcludeMaskedFromPersistence freezes persistence counting through
	// mask windows instead of resetting it. Pointer so an explicit false
	// survives defaulting.
	ExcludeMaskedFromPersistence *bool `yaml:"exclude_masked_from_persistence" default:"true"`
}

// ExcludeMasked resolves the toggle, defaulting to freeze-through-mask.
func (p PersistenceConfig) ExcludeMasked() bool {
	return p.ExcludeMaskedFromPersistence == nil || *p.ExcludeMaskedFromPersistence
}

// MaskRecurrence mirrors gates.Recurrence in config form.
type MaskRecurrence struct {
	Event         string `yaml:"event" validate:"required"`
	EveryHours    int    `yaml:"every_hours" validate:"min=1"`
	OffsetMinutes int    `yaml:"offset_minutes" validate:"min=0"`
	PadMinutes    int    `yaml:"pad_minutes" validate:"min=0"`
}

// MaskConfig is the gate surface.
type MaskConfig struct {
	Recurrences      []MaskRecurrence `yaml:"recurrences"`
	StalenessSeconds int              `yaml:"staleness_seconds" default:"120" validate:"min=0"`
	CalendarPath     string           `yaml:"calendar_path"`
}

// SinksConfig selects alert destinations. Empty settings disable a sink.
type SinksConfig struct {
	CSVPath     string `yaml:"csv_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisStream string `yaml:"redis_stream" default:"storm:alerts"`
	RedisDB     int    `yaml:"redis_db" default:"0"`
}

// AlertsConfig is the emitter surface.
type AlertsConfig struct {
	MaxPerHour      int         `yaml:"max_per_hour" default:"60" validate:"min=1"`
	BreakerFailures int         `yaml:"breaker_failures" default:"5" validate:"min=1"`
	BreakerTimeoutS int         `yaml:"breaker_timeout_seconds" default:"30" validate:"min=1"`
	Sinks           SinksConfig `yaml:"sinks"`
}

// WarmStateConfig enables the restart warm-state cache.
type WarmStateConfig struct {
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db" default:"1"`
	TTLMinutes int    `yaml:"ttl_minutes" default:"30" validate:"min=1"`
}

// FeedConfig selects the feature vector source for `run`.
type FeedConfig struct {
	WebsocketURL string `yaml:"websocket_url"`
}

// ServerConfig is the ops HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr" default:":9180"`
}

// Config is the full recognized option surface.
type Config struct {
	Universe    Universe                  `yaml:"universe"`
	Tiers       map[TierName]TierSettings `yaml:"tiers" validate:"dive"`
	Model       ModelConfig               `yaml:"model"`
	Threshold   ThresholdConfig           `yaml:"threshold"`
	Persistence PersistenceConfig         `yaml:"persistence"`
	Mask        MaskConfig                `yaml:"mask"`
	Alerts      AlertsConfig              `yaml:"alerts"`
	WarmState   WarmStateConfig           `yaml:"warm_state"`
	Feed        FeedConfig                `yaml:"feed"`
	Server      ServerConfig              `yaml:"server"`
}

// Load reads, defaults and validates a config file. Any failure is a
// startup-fatal configuration error.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.finish(); err != nil {
		// Built-in defaults must validate; anything else is a bug.
		panic(err)
	}
	return cfg
}

func (c *Config) finish() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}
	if c.Tiers == nil {
		c.Tiers = map[TierName]TierSettings{}
	}
	_, hadTierA := c.Tiers[TierA]
	for _, tier := range []TierName{TierA, TierB, TierC} {
		t, ok := c.Tiers[tier]
		if !ok {
			t = TierSettings{}
		}
		if err := defaults.Set(&t); err != nil {
			return fmt.Errorf("apply tier defaults: %w", err)
		}
		c.Tiers[tier] = t
	}
	// Top tier runs a slightly looser quantile unless configured.
	if !hadTierA {
		t := c.Tiers[TierA]
		t.ThresholdQuantile = 0.97
		c.Tiers[TierA] = t
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TierFor maps a symbol to its tier; unknown symbols land in tier C.
func (c *Config) TierFor(symbol string) TierName {
	for _, s := range c.Universe.TierA {
		if s == symbol {
			return TierA
		}
	}
	for _, s := range c.Universe.TierB {
		if s == symbol {
			return TierB
		}
	}
	return TierC
}

// Symbols returns the configured universe in tier order.
func (c *Config) Symbols() []string {
	out := append([]string(nil), c.Universe.TierA...)
	out = append(out, c.Universe.TierB...)
	return append(out, c.Universe.TierC...)
}

// TrainWindow returns the model fit window as a duration.
func (m ModelConfig) TrainWindow() time.Duration {
	return time.Duration(m.TrainWindowDays) * 24 * time.Hour
}

// RetrainInterval returns the scheduled cadence as a duration.
func (m ModelConfig) RetrainInterval() time.Duration {
	return time.Duration(m.RetrainIntervalHours) * time.Hour
}

// ScoreBufferWindow returns the calibration window as a duration.
func (t ThresholdConfig) ScoreBufferWindow() time.Duration {
	return time.Duration(t.ScoreBufferDays) * 24 * time.Hour
}

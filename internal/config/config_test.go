package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30, cfg.Model.TrainWindowDays)
	assert.Equal(t, 8, cfg.Model.RetrainIntervalHours)
	assert.Equal(t, 14, cfg.Threshold.ScoreBufferDays)
	assert.Equal(t, 120, cfg.Mask.StalenessSeconds)
	assert.True(t, cfg.Persistence.ExcludeMasked())

	// The top tier runs a looser quantile out of the box.
	assert.Equal(t, 0.97, cfg.Tiers[TierA].ThresholdQuantile)
	assert.Equal(t, 0.98, cfg.Tiers[TierB].ThresholdQuantile)
}

func TestLoad_OverridesAndDefaults(t *testing.T) {
	path := writeFile(t, "cfg.yaml", `
universe:
  tier_a: [BTCUSDT]
  tier_b: [SOLUSDT]
model:
  train_window_days: 21
tiers:
  a:
    threshold_quantile: 0.96
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 21, cfg.Model.TrainWindowDays)
	assert.Equal(t, 21*24*time.Hour, cfg.Model.TrainWindow())
	// Explicit tier A settings win over the built-in loosening.
	assert.Equal(t, 0.96, cfg.Tiers[TierA].ThresholdQuantile)
	// Unconfigured knobs still default.
	assert.Equal(t, 8, cfg.Model.RetrainIntervalHours)
	assert.Equal(t, 3, cfg.Tiers[TierB].PreAlertPersistence)
}

func TestLoad_ExplicitFalseToggleSurvivesDefaulting(t *testing.T) {
	path := writeFile(t, "cfg.yaml", `
persistence:
  exclude_masked_from_persistence: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Persistence.ExcludeMasked())
}

func TestLoad_RejectsOutOfRange(t *testing.T) {
	path := writeFile(t, "cfg.yaml", `
model:
  train_window_days: 90
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/stormwatch.yaml")
	assert.Error(t, err)
}

func TestTierFor(t *testing.T) {
	cfg := Default()
	cfg.Universe = Universe{
		TierA: []string{"BTCUSDT"},
		TierB: []string{"SOLUSDT"},
		TierC: []string{"LINKUSDT"},
	}

	assert.Equal(t, TierA, cfg.TierFor("BTCUSDT"))
	assert.Equal(t, TierB, cfg.TierFor("SOLUSDT"))
	assert.Equal(t, TierC, cfg.TierFor("LINKUSDT"))
	// Unknown symbols land in the strictest tier.
	assert.Equal(t, TierC, cfg.TierFor("NEWCOIN"))

	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT", "LINKUSDT"}, cfg.Symbols())
}

func TestLoadCalendar(t *testing.T) {
	path := writeFile(t, "calendar.yaml", `
windows:
  - event: cpi_release
    start: 2026-09-10T12:25:00Z
    end: 2026-09-10T12:45:00Z
`)
	windows, err := LoadCalendar(path)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, "cpi_release", windows[0].Event)
	assert.Equal(t, time.Date(2026, 9, 10, 12, 25, 0, 0, time.UTC), windows[0].Start)
}

func TestLoadCalendar_MissingIsEmpty(t *testing.T) {
	windows, err := LoadCalendar("")
	require.NoError(t, err)
	assert.Nil(t, windows)

	windows, err = LoadCalendar(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Nil(t, windows)
}

func TestLoadCalendar_RejectsInvertedWindow(t *testing.T) {
	path := writeFile(t, "calendar.yaml", `
windows:
  - event: bad
    start: 2026-09-10T13:00:00Z
    end: 2026-09-10T12:00:00Z
`)
	_, err := LoadCalendar(path)
	assert.Error(t, err)
}

func TestGateConfig_Conversion(t *testing.T) {
	m := MaskConfig{
		StalenessSeconds: 90,
		Recurrences: []MaskRecurrence{
			{Event: "funding", EveryHours: 8, PadMinutes: 10},
		},
	}
	gc := m.GateConfig()
	assert.Equal(t, 90*time.Second, gc.Staleness)
	require.Len(t, gc.Recurrences, 1)
	assert.Equal(t, 8*time.Hour, gc.Recurrences[0].Every)
	assert.Equal(t, 10*time.Minute, gc.Recurrences[0].Pad)

	// No recurrences configured falls back to the funding default.
	gc = MaskConfig{StalenessSeconds: 60}.GateConfig()
	assert.NotEmpty(t, gc.Recurrences)
}

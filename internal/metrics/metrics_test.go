package metrics

import (
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findMetric(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestRegistry_CountersGather(t *testing.T) {
	r := NewRegistry()

	r.VectorsProcessed.WithLabelValues("BTCUSDT").Inc()
	r.VectorsProcessed.WithLabelValues("BTCUSDT").Inc()
	r.AlertsEmitted.WithLabelValues("BTCUSDT", "perp_led").Inc()
	r.Retrains.WithLabelValues("BTCUSDT", "activated").Inc()
	r.PhaseGauge.WithLabelValues("BTCUSDT").Set(2)

	families, err := r.Gather().Gather()
	require.NoError(t, err)

	vectors := findMetric(t, families, "stormwatch_vectors_processed_total")
	require.NotNil(t, vectors)
	assert.Equal(t, 2.0, vectors.GetMetric()[0].GetCounter().GetValue())

	alerts := findMetric(t, families, "stormwatch_alerts_emitted_total")
	require.NotNil(t, alerts)
	m := alerts.GetMetric()[0]
	assert.Equal(t, 1.0, m.GetCounter().GetValue())
	labels := map[string]string{}
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, "perp_led", labels["leader"])

	phase := findMetric(t, families, "stormwatch_persistence_phase")
	require.NotNil(t, phase)
	assert.Equal(t, 2.0, phase.GetMetric()[0].GetGauge().GetValue())
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.MaskedSteps.WithLabelValues("ETHUSDT").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "stormwatch_masked_steps_total")
}

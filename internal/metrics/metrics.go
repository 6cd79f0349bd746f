// Package metrics holds the Prometheus registry for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every engine metric behind one Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	VectorsProcessed *prometheus.CounterVec
	ScoresComputed   *prometheus.CounterVec
	AlertsEmitted    *prometheus.CounterVec
	Retrains         *prometheus.CounterVec
	EmissionFailures prometheus.Counter
	MaskedSteps      *prometheus.CounterVec
	ModelAgeSeconds  *prometheus.GaugeVec
	PhaseGauge       *prometheus.GaugeVec
	ScoreHist        *prometheus.HistogramVec
}

// NewRegistry creates and registers all engine metrics.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		VectorsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stormwatch_vectors_processed_total",
			Help: "Feature vectors accepted per symbol",
		}, []string{"symbol"}),
		ScoresComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stormwatch_scores_computed_total",
			Help: "Anomaly scores computed per symbol",
		}, []string{"symbol"}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stormwatch_alerts_emitted_total",
			Help: "Confirmed storm alerts emitted by symbol and leader label",
		}, []string{"symbol", "leader"}),
		Retrains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stormwatch_retrains_total",
			Help: "Model retrain attempts by result",
		}, []string{"symbol", "result"}),
		EmissionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stormwatch_emission_failures_total",
			Help: "Alert sink append failures",
		}),
		MaskedSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stormwatch_masked_steps_total",
			Help: "Steps suppressed by the mask gate",
		}, []string{"symbol"}),
		ModelAgeSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stormwatch_model_age_seconds",
			Help: "Age of the active model snapshot",
		}, []string{"symbol"}),
		PhaseGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stormwatch_persistence_phase",
			Help: "Persistence state machine phase (0 idle, 1 pre-alert, 2 confirmed)",
		}, []string{"symbol"}),
		ScoreHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stormwatch_anomaly_score",
			Help:    "Distribution of computed anomaly scores",
			Buckets: prometheus.LinearBuckets(0.0, 0.05, 20),
		}, []string{"symbol"}),
	}

	r.reg.MustRegister(
		r.VectorsProcessed, r.ScoresComputed, r.AlertsEmitted, r.Retrains,
		r.EmissionFailures, r.MaskedSteps, r.ModelAgeSeconds, r.PhaseGauge, r.ScoreHist,
	)
	return r
}

// Handler exposes the registry for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gather exposes the underlying gatherer for tests.
func (r *Registry) Gather() prometheus.Gatherer {
	return r.reg
}

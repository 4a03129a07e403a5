package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors.
type Metrics struct {
	// Reinitializations counts orchestrator passes by outcome (ready|degraded).
	Reinitializations *prometheus.CounterVec
	// ReinitDuration measures a full orchestrator pass.
	ReinitDuration prometheus.Histogram
	// ProviderStatus reports the number of providers per status.
	ProviderStatus *prometheus.GaugeVec
	// ToolsLoaded is the size of the committed tool registry.
	ToolsLoaded prometheus.Gauge
	// ActiveSessions tracks streaming sessions in flight.
	ActiveSessions prometheus.Gauge
	// Sessions counts finished streaming sessions by outcome (success|failure|cancelled).
	Sessions *prometheus.CounterVec
	// Requests counts routed requests by kind and outcome.
	Requests *prometheus.CounterVec
	// ModelDuration measures strategy runs by strategy kind.
	ModelDuration *prometheus.HistogramVec
}

// NewMetrics registers every collector with reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Reinitializations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dodai_reinitializations_total",
			Help: "Runtime re-initializations by outcome.",
		}, []string{"outcome"}),
		ReinitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dodai_reinitialization_duration_seconds",
			Help:    "Duration of runtime re-initializations.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		ProviderStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dodai_tool_providers",
			Help: "Configured tool providers by connection status.",
		}, []string{"status"}),
		ToolsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dodai_tools_loaded",
			Help: "Tools in the committed registry.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dodai_active_sessions",
			Help: "Streaming sessions currently running.",
		}),
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dodai_sessions_total",
			Help: "Finished streaming sessions by outcome.",
		}, []string{"outcome"}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dodai_requests_total",
			Help: "Routed requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ModelDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dodai_strategy_run_duration_seconds",
			Help:    "Duration of strategy runs.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"strategy"}),
	}
}

// SetProviderStatus replaces the per-status gauge values.
func (m *Metrics) SetProviderStatus(counts map[string]int, statuses ...string) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		m.ProviderStatus.WithLabelValues(s).Set(float64(counts[s]))
	}
}

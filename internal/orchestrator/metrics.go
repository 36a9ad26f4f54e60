package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SessionsTotal  *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	PhaseDuration  *prometheus.HistogramVec
	FallbacksTotal prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		SessionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_sessions_total",
			Help: "Coordination sessions by strategy and terminal status.",
		}, []string{"strategy", "status"}),
		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_sessions_active",
			Help: "Sessions currently in flight.",
		}),
		PhaseDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_phase_duration_seconds",
			Help:    "Duration of coordination phases.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"phase"}),
		FallbacksTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_agent_fallbacks_total",
			Help: "Agents excluded from synthesis after timing out.",
		}),
	}
}

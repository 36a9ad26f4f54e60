package crisis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AlertsTotal           prometheus.Counter
	ActiveAlerts          prometheus.Gauge
	DeadlineExceededTotal prometheus.Counter
	UndeliveredTotal      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		AlertsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "crisis_alerts_total",
			Help: "Total number of crisis alerts raised.",
		}),
		ActiveAlerts: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "crisis_alerts_active",
			Help: "Number of alerts not yet resolved or escalated.",
		}),
		DeadlineExceededTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "crisis_alert_deadline_exceeded_total",
			Help: "Alerts left active past the configured deadline.",
		}),
		UndeliveredTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "crisis_alerts_undeliverable_total",
			Help: "Alerts that could not be delivered to any channel.",
		}),
	}
}

package bus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — Prometheus-метрики шины.
type Metrics struct {
	// Traffic: публикации и доставки
	PublishedTotal prometheus.Counter
	ReceivedTotal  prometheus.Counter

	// Errors: классификация отказов
	ErrorsTotal *prometheus.CounterVec

	// Насколько заполняются пачки при флаше
	FlushBatchSize prometheus.Histogram

	// Latency: receiveTime - message.Timestamp
	DeliveryLatency prometheus.Histogram

	// Saturation: заполненность очереди батчинга (backpressure)
	QueueFill prometheus.Gauge

	// Состояние подписчика по паттерну (0=disconnected, 1=connecting, 2=connected)
	SubscriberState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		PublishedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "coordination_bus_published_total",
			Help: "Total number of messages published to the bus.",
		}),
		ReceivedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "coordination_bus_received_total",
			Help: "Total number of messages delivered to handlers.",
		}),
		ErrorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "coordination_bus_errors_total",
			Help: "Total number of bus errors by type.",
		}, []string{"type"}), // типы: publish, decode, decrypt, handler, health
		FlushBatchSize: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "coordination_bus_flush_batch_size",
			Help:    "Number of messages per pipelined flush.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		DeliveryLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "coordination_bus_delivery_latency_seconds",
			Help:    "Observed latency between message timestamp and receipt.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		QueueFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "coordination_bus_queue_utilization",
			Help: "Current number of messages in the publish queue.",
		}),
		SubscriberState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordination_bus_subscriber_state",
			Help: "Subscriber connection state (0=disconnected, 1=connecting, 2=connected).",
		}, []string{"pattern"}),
	}
}

// PerformanceMetrics — снапшот для внешнего мониторинга через GetPerformanceMetrics().
type PerformanceMetrics struct {
	MessagesPublished int64         `json:"messages_published"`
	MessagesReceived  int64         `json:"messages_received"`
	TotalLatency      time.Duration `json:"total_latency"`
	AvgLatency        time.Duration `json:"avg_latency"`
	ErrorCount        int64         `json:"error_count"`
	LastHealthCheck   time.Time     `json:"last_health_check"`
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	QueueDepth        prometheus.Gauge
	InflightCalls     prometheus.Gauge
	TurnsTotal        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	CreditsDeducted   prometheus.Counter
	FirstChunkLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Turns currently queued across all users.",
		}),
		InflightCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_provider_calls",
			Help:      "Provider streams currently open.",
		}),
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Processed turns by outcome.",
		}, []string{"outcome"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and kind.",
		}, []string{"provider", "kind"}),
		CreditsDeducted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_deducted_total",
			Help:      "Total credits deducted for completed turns.",
		}),
		FirstChunkLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Latency to first assistant text chunk in milliseconds.",
			Buckets:   []float64{100, 250, 500, 800, 1200, 2000, 4000, 8000},
		}),
	}
}

func (m *Metrics) ObserveFirstChunkLatency(d time.Duration) {
	m.FirstChunkLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

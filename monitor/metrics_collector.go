package monitor

import (
	"net/http"
	"time"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
	"github.com/glimte/mmate-notify/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace for all publisher metrics
const namespace = "mmate_notify"

// PublisherMetrics exports publisher and connection metrics to Prometheus.
// It is both a messaging.MetricsCollector and a connection state listener.
type PublisherMetrics struct {
	registry *prometheus.Registry

	published         *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	batchSize         prometheus.Histogram
	flushDuration     prometheus.Histogram
	pending           prometheus.Gauge
	connected         prometheus.Gauge
	reconnectAttempts prometheus.Counter
	disconnects       prometheus.Counter
}

var (
	_ messaging.MetricsCollector       = (*PublisherMetrics)(nil)
	_ rabbitmq.ConnectionStateListener = (*PublisherMetrics)(nil)
)

// NewPublisherMetrics registers the publisher metrics on a fresh registry
// together with the Go runtime and process collectors
func NewPublisherMetrics() *PublisherMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := newPublisherMetrics(registry)
	m.registry = registry
	return m
}

func newPublisherMetrics(reg prometheus.Registerer) *PublisherMetrics {
	factory := promauto.With(reg)

	return &PublisherMetrics{
		published: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Total number of messages handed to the broker",
			},
			[]string{"routing_key"},
		),
		dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Total number of messages dropped without being sent",
			},
			[]string{"reason"},
		),
		batchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Number of messages drained by each flush",
				Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 500, 1000},
			},
		),
		flushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flush_duration_seconds",
				Help:      "Time spent publishing one batch in seconds",
				// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		pending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_messages",
				Help:      "Messages waiting in the batch queue",
			},
		),
		connected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broker_connected",
				Help:      "Broker connection state (0=disconnected, 1=connected)",
			},
		),
		reconnectAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_attempts_total",
				Help:      "Total number of broker reconnect attempts",
			},
		),
		disconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "disconnects_total",
				Help:      "Total number of broker disconnects",
			},
		),
	}
}

// Registry returns the registry the metrics are registered on
func (m *PublisherMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *PublisherMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MessagePublished implements messaging.MetricsCollector
func (m *PublisherMetrics) MessagePublished(routingKey string) {
	m.published.WithLabelValues(routingKey).Inc()
}

// MessageDropped implements messaging.MetricsCollector
func (m *PublisherMetrics) MessageDropped(routingKey string, reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

// BatchFlushed implements messaging.MetricsCollector
func (m *PublisherMetrics) BatchFlushed(size int, duration time.Duration) {
	m.batchSize.Observe(float64(size))
	m.flushDuration.Observe(duration.Seconds())
}

// PendingMessages implements messaging.MetricsCollector
func (m *PublisherMetrics) PendingMessages(count int) {
	m.pending.Set(float64(count))
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (m *PublisherMetrics) OnConnected() {
	m.connected.Set(1)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (m *PublisherMetrics) OnDisconnected(err error) {
	m.connected.Set(0)
	m.disconnects.Inc()
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (m *PublisherMetrics) OnReconnecting(attempt int) {
	m.reconnectAttempts.Inc()
}

// Package metrics exposes Prometheus instruments for the hub.
package metrics

import (
	"time"

	"github.com/a-essam23/go-taskhub/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Config struct {
	Namespace string
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
	Buckets  []float64
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

type Metrics struct {
	connections     prometheus.Gauge
	framesTotal     *prometheus.CounterVec
	frameDuration   *prometheus.HistogramVec
	gatewayDuration *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
}

var _ transport.Observer = (*Metrics)(nil)

func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "taskhub",
		Registry:  prometheus.DefaultRegisterer,
		Buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "connections",
			Help:      "Number of live websocket connections",
		}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "frames_total",
			Help:      "Inbound frames handled, by type and result code",
		}, []string{"type", "code"}),
		frameDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "frame_duration_seconds",
			Help:      "Time from dequeue to completion of an inbound frame",
			Buckets:   cfg.Buckets,
		}, []string{"type"}),
		gatewayDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Persistence gateway call latency",
			Buckets:   cfg.Buckets,
		}, []string{"op", "result"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "notifications_total",
			Help:      "Notifications produced, by type and delivery path",
		}, []string{"type", "delivery"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "outbound_frames_dropped_total",
			Help:      "Outbound frames dropped because a peer's queue was full",
		}, []string{"policy"}),
		transportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "transport_errors_total",
			Help:      "Websocket read, write and ping failures",
		}, []string{"kind"}),
	}
}

func (m *Metrics) ConnectionOpened() { m.connections.Inc() }
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

// FrameHandled records one inbound frame. code is "ok" or an error code.
func (m *Metrics) FrameHandled(frameType, code string, elapsed time.Duration) {
	m.framesTotal.WithLabelValues(frameType, code).Inc()
	m.frameDuration.WithLabelValues(frameType).Observe(elapsed.Seconds())
}

func (m *Metrics) GatewayCall(op string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayDuration.WithLabelValues(op, result).Observe(elapsed.Seconds())
}

// Notification records a notification delivered "live" or "queued".
func (m *Metrics) Notification(notificationType, delivery string) {
	m.notifications.WithLabelValues(notificationType, delivery).Inc()
}

func (m *Metrics) FrameDropped(policy transport.OverflowPolicy) {
	m.framesDropped.WithLabelValues(string(policy)).Inc()
}

func (m *Metrics) TransportError(kind string) {
	m.transportErrors.WithLabelValues(kind).Inc()
}

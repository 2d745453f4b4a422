package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PublisherMetrics tracks the MQTT status publisher. All methods are safe on
// a nil receiver so the client can run without a registry.
type PublisherMetrics struct {
	ConnectionState prometheus.Gauge
	LastConnected   prometheus.Gauge
	Published       prometheus.Counter
	Failures        prometheus.Counter
	Reconnects      prometheus.Counter
	PayloadBytes    prometheus.Histogram
	PublishSeconds  prometheus.Histogram
}

// NewPublisherMetrics creates and registers the publisher metrics
func NewPublisherMetrics(registry *prometheus.Registry) (*PublisherMetrics, error) {
	const subsystem = "mqtt"
	m := &PublisherMetrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "connected",
			Help: "1 while the status publisher holds a broker connection",
		}),
		LastConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "last_connect_time_seconds",
			Help: "Unix time of the last successful broker connection",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "messages_delivered_total",
			Help: "Status messages acknowledged by the broker",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "errors_total",
			Help: "Failed publishes and lost connections",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "reconnect_attempts_total",
			Help: "Broker reconnection attempts",
		}),
		PayloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "message_size_bytes",
			Help:    "Size of published status payloads",
			Buckets: prometheus.ExponentialBuckets(BucketStart64B, BucketFactor2, BucketCount10),
		}),
		PublishSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "publish_latency_seconds",
			Help:    "Time from publish to broker acknowledgement",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PublisherMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionState, m.LastConnected, m.Published, m.Failures,
		m.Reconnects, m.PayloadBytes, m.PublishSeconds,
	}
}

// Describe implements the prometheus.Collector interface
func (m *PublisherMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface
func (m *PublisherMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// SetConnected records a connection state change
func (m *PublisherMetrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if !connected {
		m.ConnectionState.Set(0)
		return
	}
	m.ConnectionState.Set(1)
	m.LastConnected.SetToCurrentTime()
}

// Delivered counts an acknowledged publish of size bytes
func (m *PublisherMetrics) Delivered(size int) {
	if m == nil {
		return
	}
	m.Published.Inc()
	m.PayloadBytes.Observe(float64(size))
}

// Failed counts a publish or connection failure
func (m *PublisherMetrics) Failed() {
	if m == nil {
		return
	}
	m.Failures.Inc()
}

// Reconnecting counts a reconnection attempt
func (m *PublisherMetrics) Reconnecting() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// PublishTimer starts timing a publish; call ObserveDuration on completion
func (m *PublisherMetrics) PublishTimer() *prometheus.Timer {
	if m == nil {
		return prometheus.NewTimer(nil)
	}
	return prometheus.NewTimer(m.PublishSeconds)
}

// Package observability exposes the pipeline's Prometheus metrics.
package observability

import (
	"fmt"
	stdlog "log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/iqstream/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry *prometheus.Registry
	MQTT     *metrics.PublisherMetrics
	Pipeline *metrics.PipelineMetrics
}

// NewMetrics creates a private registry with the runtime collectors and the
// status publisher metrics. Pipeline metrics are attached once the pipeline exists.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mqttMetrics, err := metrics.NewPublisherMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		MQTT:     mqttMetrics,
	}, nil
}

// AttachPipeline registers the pipeline collector over src
func (m *Metrics) AttachPipeline(src metrics.PipelineSources) error {
	p, err := metrics.NewPipelineMetrics(m.registry, src)
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	m.Pipeline = p
	return nil
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      stdlog.New(os.Stderr, "metrics handler: ", stdlog.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", m.Handler())
}

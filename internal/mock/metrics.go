package mock

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeMatched     = "matched"
	outcomeUnmatched   = "unmatched"
	outcomePassthrough = "passthrough"
	outcomeError       = "error"
)

// metrics are registered on a registry owned by one server so concurrent scenarios never share counters.
type metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	tunnels  prometheus.Gauge
	rules    prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mock_requests_total",
				Help: "Total number of intercepted requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mock_request_duration_seconds",
				Help:    "Time spent answering intercepted requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		tunnels: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mock_tls_tunnels_active",
				Help: "Number of intercepted TLS tunnels currently open",
			},
		),
		rules: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mock_rules_registered",
				Help: "Number of registered mock rules",
			},
		),
	}
}

// Metrics exposes the server's own registry.
func (s *Server) Metrics() prometheus.Gatherer {
	return s.metrics.registry
}

// WriteMetrics dumps the current metrics in text exposition format.
func (s *Server) WriteMetrics(path string) error {
	if err := prometheus.WriteToTextfile(path, s.metrics.registry); err != nil {
		return fmt.Errorf("failed to write mock metrics: %w", err)
	}
	return nil
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InferenceMetrics tracks calls to the upstream inference services.
// It satisfies inference.Metrics.
type InferenceMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewInferenceMetrics creates and registers the inference metrics
func NewInferenceMetrics(registry *prometheus.Registry) (*InferenceMetrics, error) {
	m := &InferenceMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_requests_total",
				Help: "Total number of inference requests by plane and upstream status",
			},
			[]string{"plane", "status"}, // status: HTTP code, network_error, read_error, malformed
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inference_request_duration_seconds",
				Help:    "Latency of inference requests",
				Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
			},
			[]string{"plane"},
		),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements the Collector interface
func (m *InferenceMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.RequestsTotal.Describe(ch)
	m.RequestDuration.Describe(ch)
}

// Collect implements the Collector interface
func (m *InferenceMetrics) Collect(ch chan<- prometheus.Metric) {
	m.RequestsTotal.Collect(ch)
	m.RequestDuration.Collect(ch)
}

// RecordInference records one upstream call
func (m *InferenceMetrics) RecordInference(plane, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(plane, status).Inc()
	m.RequestDuration.WithLabelValues(plane).Observe(duration.Seconds())
}

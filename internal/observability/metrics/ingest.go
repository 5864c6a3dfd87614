package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics tracks the scan ingestion saga. It satisfies ingest.Metrics.
type IngestMetrics struct {
	analysesTotal    *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	stepFailures     *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
}

// NewIngestMetrics creates and registers the ingestion metrics
func NewIngestMetrics(registry *prometheus.Registry) (*IngestMetrics, error) {
	m := &IngestMetrics{
		analysesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_analyses_total",
				Help: "Total number of scan analyses by plane and outcome",
			},
			[]string{"plane", "outcome"}, // outcome: success, invalid, not_found, analysis_failed, error
		),
		analysisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_analysis_duration_seconds",
				Help:    "End to end time of a scan analysis",
				Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12), // 10ms to ~40s
			},
			[]string{"plane"},
		),
		stepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_step_failures_total",
				Help: "Total number of failed saga steps",
			},
			[]string{"plane", "step"}, // step: create_scan, store_image, analyze, store_report
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_retries_total",
				Help: "Total number of analysis retries by outcome",
			},
			[]string{"outcome"}, // outcome: success, already_stored, conflict, error
		),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements the Collector interface
func (m *IngestMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.analysesTotal.Describe(ch)
	m.analysisDuration.Describe(ch)
	m.stepFailures.Describe(ch)
	m.retriesTotal.Describe(ch)
}

// Collect implements the Collector interface
func (m *IngestMetrics) Collect(ch chan<- prometheus.Metric) {
	m.analysesTotal.Collect(ch)
	m.analysisDuration.Collect(ch)
	m.stepFailures.Collect(ch)
	m.retriesTotal.Collect(ch)
}

// RecordAnalysis records one finished analysis
func (m *IngestMetrics) RecordAnalysis(plane, outcome string, duration time.Duration) {
	m.analysesTotal.WithLabelValues(plane, outcome).Inc()
	m.analysisDuration.WithLabelValues(plane).Observe(duration.Seconds())
}

// RecordStepFailure counts a failed saga step
func (m *IngestMetrics) RecordStepFailure(plane, step string) {
	m.stepFailures.WithLabelValues(plane, step).Inc()
}

// RecordRetry counts a retry request by outcome
func (m *IngestMetrics) RecordRetry(outcome string) {
	m.retriesTotal.WithLabelValues(outcome).Inc()
}

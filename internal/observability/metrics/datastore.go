package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for datastore operations.
// It satisfies datastore.MetricsRecorder.
type DatastoreMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationErrors   *prometheus.CounterVec
	rollbacksTotal    *prometheus.CounterVec

	connectionsOpen  prometheus.Gauge
	connectionsInUse prometheus.Gauge
	connectionsIdle  prometheus.Gauge
	waitCount        prometheus.Gauge

	collectors []prometheus.Collector
}

// NewDatastoreMetrics creates and registers new datastore metrics
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DatastoreMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_operations_total",
			Help: "Total number of datastore operations",
		},
		[]string{"operation", "status"}, // status: success, not_found, error
	)

	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_operation_duration_seconds",
			Help:    "Time taken for datastore operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15), // 1ms to ~32s
		},
		[]string{"operation"},
	)

	m.operationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_operation_errors_total",
			Help: "Total number of failed datastore operations",
		},
		[]string{"operation"},
	)

	m.rollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_transaction_rollbacks_total",
			Help: "Total number of rolled back transactions",
		},
		[]string{"operation"},
	)

	m.connectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_connections_open",
		Help: "Number of established database connections",
	})
	m.connectionsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_connections_in_use",
		Help: "Number of database connections currently in use",
	})
	m.connectionsIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_connections_idle",
		Help: "Number of idle database connections",
	})
	m.waitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_connection_wait_count",
		Help: "Total number of connections waited for",
	})

	m.collectors = []prometheus.Collector{
		m.operationsTotal,
		m.operationDuration,
		m.operationErrors,
		m.rollbacksTotal,
		m.connectionsOpen,
		m.connectionsInUse,
		m.connectionsIdle,
		m.waitCount,
	}
}

// Describe implements the Collector interface
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordOperation records the outcome and duration of one datastore call
func (m *DatastoreMetrics) RecordOperation(operation, status string, duration time.Duration) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if status == StatusError {
		m.operationErrors.WithLabelValues(operation).Inc()
	}
}

// RecordTransactionRollback counts a rolled back transaction
func (m *DatastoreMetrics) RecordTransactionRollback(operation string) {
	m.rollbacksTotal.WithLabelValues(operation).Inc()
}

// UpdateConnectionStats copies connection pool statistics into the gauges
func (m *DatastoreMetrics) UpdateConnectionStats(stats sql.DBStats) {
	m.connectionsOpen.Set(float64(stats.OpenConnections))
	m.connectionsInUse.Set(float64(stats.InUse))
	m.connectionsIdle.Set(float64(stats.Idle))
	m.waitCount.Set(float64(stats.WaitCount))
}

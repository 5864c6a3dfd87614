package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Publish results recorded by MQTTMetrics.
const (
	PublishDelivered    = "delivered"
	PublishFailed       = "failed"
	PublishNotConnected = "not_connected"
)

// MQTTMetrics tracks the broker connection and report event publishing.
type MQTTMetrics struct {
	Connected        prometheus.Gauge
	ConnectionEvents *prometheus.CounterVec
	Publishes        *prometheus.CounterVec
	PublishDuration  prometheus.Histogram
	PayloadBytes     prometheus.Histogram
}

// NewMQTTMetrics creates and registers the MQTT metrics
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_connected",
			Help: "1 while the report event broker connection is up",
		}),
		ConnectionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqtt_connection_events_total",
				Help: "Broker connection state changes",
			},
			[]string{"event"}, // connected, lost, reconnecting, connect_failed
		),
		Publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mqtt_report_events_total",
				Help: "Report events handed to the broker by result",
			},
			[]string{"result"},
		),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqtt_publish_duration_seconds",
			Help:    "Time until the broker acknowledged a report event",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
		}),
		PayloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqtt_report_event_bytes",
			Help:    "Size of published report event payloads",
			Buckets: prometheus.ExponentialBuckets(BucketStart64B, BucketFactor2, BucketCount10),
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements the Collector interface
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Connected.Describe(ch)
	m.ConnectionEvents.Describe(ch)
	m.Publishes.Describe(ch)
	m.PublishDuration.Describe(ch)
	m.PayloadBytes.Describe(ch)
}

// Collect implements the Collector interface
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Connected.Collect(ch)
	m.ConnectionEvents.Collect(ch)
	m.Publishes.Collect(ch)
	m.PublishDuration.Collect(ch)
	m.PayloadBytes.Collect(ch)
}

// RecordConnectionEvent counts event; connected and lost also move the gauge.
func (m *MQTTMetrics) RecordConnectionEvent(event string) {
	m.ConnectionEvents.WithLabelValues(event).Inc()
	switch event {
	case "connected":
		m.Connected.Set(1)
	case "lost", "disconnected":
		m.Connected.Set(0)
	}
}

// RecordPublish records one report event publish attempt.
func (m *MQTTMetrics) RecordPublish(result string, payloadBytes int, duration time.Duration) {
	m.Publishes.WithLabelValues(result).Inc()
	if result != PublishDelivered {
		return
	}
	m.PublishDuration.Observe(duration.Seconds())
	m.PayloadBytes.Observe(float64(payloadBytes))
}

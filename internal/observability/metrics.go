// Package observability exposes the Prometheus collectors of FetalScan on a
// private listener. Sentry error reporting lives in the errors package.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fetalscan/fetalscan/internal/logger"
	"github.com/fetalscan/fetalscan/internal/observability/metrics"
)

// Metrics bundles the collectors handed to each component. Every instance
// has its own registry.
type Metrics struct {
	registry     *prometheus.Registry
	HTTP         *metrics.HTTPMetrics
	Ingest       *metrics.IngestMetrics
	Inference    *metrics.InferenceMetrics
	Datastore    *metrics.DatastoreMetrics
	MQTT         *metrics.MQTTMetrics
	Notification *metrics.NotificationMetrics
}

// NewMetrics registers the runtime collectors and every component collector
// on a fresh registry.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{registry: reg}
	var err error
	build := func(name string, fn func() error) {
		if err != nil {
			return
		}
		if ferr := fn(); ferr != nil {
			err = fmt.Errorf("register %s metrics: %w", name, ferr)
		}
	}
	build("http", func() (e error) { m.HTTP, e = metrics.NewHTTPMetrics(reg); return })
	build("ingest", func() (e error) { m.Ingest, e = metrics.NewIngestMetrics(reg); return })
	build("inference", func() (e error) { m.Inference, e = metrics.NewInferenceMetrics(reg); return })
	build("datastore", func() (e error) { m.Datastore, e = metrics.NewDatastoreMetrics(reg); return })
	build("mqtt", func() (e error) { m.MQTT, e = metrics.NewMQTTMetrics(reg); return })
	build("notification", func() (e error) { m.Notification, e = metrics.NewNotificationMetrics(reg); return })
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      promErrorLog{logger.Global().Module("metrics")},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// promErrorLog satisfies promhttp.Logger
type promErrorLog struct{ log logger.Logger }

func (p promErrorLog) Println(v ...any) {
	p.log.Error("metrics gathering failed", logger.String("detail", fmt.Sprint(v...)))
}

package serve

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/afero"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/datastore"
	"github.com/fetalscan/fetalscan/internal/httpclient"
	"github.com/fetalscan/fetalscan/internal/imagestore"
	"github.com/fetalscan/fetalscan/internal/inference"
	"github.com/fetalscan/fetalscan/internal/ingest"
	"github.com/fetalscan/fetalscan/internal/logger"
	"github.com/fetalscan/fetalscan/internal/mqtt"
	"github.com/fetalscan/fetalscan/internal/observability"
)

// instrumented is implemented by every datastore backend
type instrumented interface {
	SetMetrics(m datastore.MetricsRecorder)
	Stats() sql.DBStats
}

// Services holds the components shared by the serve and retry commands.
type Services struct {
	Settings     *conf.Settings
	Metrics      *observability.Metrics
	Store        datastore.Interface
	Images       *imagestore.Store
	Gateway      *inference.Gateway
	Orchestrator *ingest.Orchestrator

	client *httpclient.Client
	mqtt   *mqtt.Client
	log    logger.Logger
}

// NewServices opens the datastore and wires the analysis pipeline. Close
// releases everything it opened.
func NewServices(ctx context.Context, settings *conf.Settings) (*Services, error) {
	s := &Services{Settings: settings, log: logger.Global().Module("serve")}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	s.Metrics = metrics

	store, err := datastore.New(settings, logger.Global().Module("datastore"))
	if err != nil {
		return nil, err
	}
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	s.Store = store
	if ds, ok := store.(instrumented); ok {
		ds.SetMetrics(metrics.Datastore)
	}

	images, err := imagestore.New(afero.NewOsFs(), settings.Storage.Dir, logger.Global().Module("imagestore"))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Images = images

	s.client = httpclient.New(&httpclient.Config{
		DefaultTimeout: settings.Inference.Timeout,
		UserAgent:      settings.Inference.UserAgent,
	})
	gateway, err := inference.New(settings.Inference, s.client,
		inference.WithMetrics(metrics.Inference),
		inference.WithLogger(logger.Global().Module("inference")))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Gateway = gateway

	opts := []ingest.Option{
		ingest.WithMetrics(metrics.Ingest),
		ingest.WithLogger(logger.Global().Module("ingest")),
		ingest.WithUploadLimit(settings.WebServer.UploadLimit),
		ingest.WithAnalysisLease(settings.Inference.AnalysisLease),
	}
	if settings.MQTT.Enabled {
		publisher, err := s.connectMQTT(ctx)
		if err != nil {
			s.Close()
			return nil, err
		}
		opts = append(opts, ingest.WithPublisher(publisher))
	}
	s.Orchestrator = ingest.New(store, images, gateway, opts...)
	return s, nil
}

// connectMQTT connects the report publisher. A broker that is down at startup
// is logged only; analyses still succeed without events.
func (s *Services) connectMQTT(ctx context.Context) (*mqtt.Publisher, error) {
	client, err := mqtt.NewClient(mqtt.ConfigFromSettings(s.Settings.MQTT), s.Metrics.MQTT,
		mqtt.WithClientLogger(logger.Global().Module("mqtt")))
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		s.log.Warn("MQTT broker unavailable, report events will not be published",
			logger.String("broker", s.Settings.MQTT.Broker),
			logger.Error(err))
	}
	s.mqtt = client
	return mqtt.NewPublisher(client, s.Settings.MQTT.Topic), nil
}

// PoolStats returns connection pool statistics when the backend exposes them.
func (s *Services) PoolStats() (sql.DBStats, bool) {
	ds, ok := s.Store.(instrumented)
	if !ok {
		return sql.DBStats{}, false
	}
	return ds.Stats(), true
}

// Close disconnects MQTT, closes the HTTP client and the datastore.
func (s *Services) Close() {
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			s.log.Warn("failed to close datastore", logger.Error(err))
		}
	}
}

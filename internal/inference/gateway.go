// Package inference sends scan images to the external inference services and
// turns their plane-specific responses into a NormalizedReport.
package inference

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/httpclient"
	"github.com/fetalscan/fetalscan/internal/logger"
)

const (
	// maxResponseBytes bounds how much of a response body is read
	maxResponseBytes = 1 << 20
	// snippetBytes is how much of a failed response body is logged
	snippetBytes = 512
)

// Image is the file sent to an inference service.
type Image struct {
	Name        string
	ContentType string
	Data        io.Reader
}

// Outcome is a successful analysis.
type Outcome struct {
	Result   Result
	Report   NormalizedReport
	Duration time.Duration
}

// Analyzer is implemented by Gateway; the ingestion saga depends on this interface.
type Analyzer interface {
	Analyze(ctx context.Context, plane Plane, img Image, gestationalAge int) (*Outcome, error)
}

// Metrics receives one observation per upstream call.
type Metrics interface {
	RecordInference(plane, status string, duration time.Duration)
}

// Gateway calls the inference service configured for each plane.
type Gateway struct {
	client    *httpclient.Client
	endpoints map[Plane]string
	log       logger.Logger
	metrics   Metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records upstream calls on m.
func WithMetrics(m Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger replaces the default inference module logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// New creates a gateway for the endpoints in settings. A nil client gets one built from settings.
func New(settings conf.InferenceSettings, client *httpclient.Client, opts ...Option) (*Gateway, error) {
	endpoints := map[Plane]string{
		PlaneTransThalamic:    settings.BrainURL,
		PlaneTransCerebellum:  settings.CerebellumURL,
		PlaneTransVentricular: settings.VentricularURL,
	}
	for plane, url := range endpoints {
		if url == "" {
			return nil, errors.Newf("no inference endpoint configured for %s", plane).
				Component("inference").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}

	if client == nil {
		client = httpclient.New(&httpclient.Config{
			DefaultTimeout: settings.Timeout,
			UserAgent:      settings.UserAgent,
		})
	}

	g := &Gateway{
		client:    client,
		endpoints: endpoints,
		log:       logger.Global().Module("inference"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Endpoint returns the URL configured for plane.
func (g *Gateway) Endpoint(plane Plane) string {
	return g.endpoints[plane]
}

// Analyze posts img and gestationalAge to the service for plane and decodes
// its response. Every failure is returned wrapped in ErrAnalysisFailed.
func (g *Gateway) Analyze(ctx context.Context, plane Plane, img Image, gestationalAge int) (*Outcome, error) {
	url, ok := g.endpoints[plane]
	if !ok {
		return nil, g.failure(plane, errors.Newf("unsupported plane %q", plane).Build(), 0, "")
	}

	log := g.log.WithContext(ctx).With(logger.String("plane", string(plane)))
	start := time.Now()

	resp, err := g.client.PostMultipart(ctx, url,
		map[string]string{"gestationalAge": strconv.Itoa(gestationalAge)},
		httpclient.FormFile{Field: "image", FileName: img.Name, ContentType: img.ContentType, Data: img.Data})
	if err != nil {
		g.record(plane, "network_error", time.Since(start))
		log.Error("inference request failed", logger.String("url", url), logger.Error(err))
		return nil, g.failure(plane, err, 0, "")
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Debug("failed to close response body", logger.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	duration := time.Since(start)
	if err != nil {
		g.record(plane, "read_error", duration)
		log.Error("failed to read inference response", logger.Error(err))
		return nil, g.failure(plane, err, resp.StatusCode, "")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.record(plane, strconv.Itoa(resp.StatusCode), duration)
		log.Error("inference service returned an error status",
			logger.Int("status", resp.StatusCode),
			logger.String("body", snippet(body)))
		return nil, g.failure(plane, fmt.Errorf("unexpected status %d", resp.StatusCode), resp.StatusCode, snippet(body))
	}

	result, err := DecodeResult(plane, body)
	if err != nil {
		g.record(plane, "malformed", duration)
		log.Error("inference response rejected",
			logger.Int("status", resp.StatusCode),
			logger.String("body", snippet(body)),
			logger.Error(err))
		return nil, g.failure(plane, err, resp.StatusCode, snippet(body))
	}

	g.record(plane, strconv.Itoa(resp.StatusCode), duration)

	report := result.Normalize()
	report.ProcessingTime = duration.Seconds()
	log.Debug("inference completed",
		logger.Duration("duration", duration),
		logger.Bool("is_normal", report.IsNormal),
		logger.Int("abnormalities", report.NumAbnormalities))

	return &Outcome{Result: result, Report: report, Duration: duration}, nil
}

// failure wraps cause in ErrAnalysisFailed with the upstream details as context
func (g *Gateway) failure(plane Plane, cause error, status int, body string) error {
	b := errors.New(fmt.Errorf("%w: %w", ErrAnalysisFailed, cause)).
		Component("inference").
		Category(errors.CategoryInference).
		Context("plane", string(plane))
	if status != 0 {
		b = b.Context("upstream_status", status)
	}
	if body != "" {
		b = b.Context("upstream_body", body)
	}
	return b.Build()
}

func (g *Gateway) record(plane Plane, status string, d time.Duration) {
	if g.metrics != nil {
		g.metrics.RecordInference(string(plane), status, d)
	}
}

func snippet(body []byte) string {
	if len(body) > snippetBytes {
		return string(body[:snippetBytes]) + "..."
	}
	return string(body)
}

var _ Analyzer = (*Gateway)(nil)

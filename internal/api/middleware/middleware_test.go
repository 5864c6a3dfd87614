package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
	"github.com/fetalscan/fetalscan/internal/observability/metrics"
)

func newHTTPMetrics(t *testing.T) (*metrics.HTTPMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.NewHTTPMetrics(reg)
	require.NoError(t, err)
	return m, reg
}

// series returns the label sets and values of a counter family
func series(t *testing.T, reg *prometheus.Registry, name string) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			out[labelKey(metric)] = metric.GetCounter().GetValue()
		}
	}
	return out
}

func labelKey(metric *dto.Metric) string {
	parts := make([]string, 0, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		parts = append(parts, lp.GetName()+"="+lp.GetValue())
	}
	return strings.Join(parts, ",")
}

func TestTelemetryRecordsRoutePattern(t *testing.T) {
	m, reg := newHTTPMetrics(t)
	e := echo.New()
	e.Use(NewTelemetry(m).Middleware())
	e.GET("/api/scans/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/fail", func(c echo.Context) error {
		return errors.Newf("boom").Category(errors.CategoryDatabase).Build()
	})

	for _, target := range []string{"/api/scans/1", "/api/scans/2", "/api/fail", "/nowhere"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, http.NoBody))
	}

	requests := series(t, reg, "http_requests_total")
	assert.InDelta(t, 2, requests["method=GET,path=/api/scans/:id,status_code=200"], 0)
	assert.InDelta(t, 1, requests["method=GET,path=/api/fail,status_code=500"], 0)

	errs := series(t, reg, "http_request_errors_total")
	assert.InDelta(t, 1, errs["error_type=database,method=GET,path=/api/fail"], 0)
	assert.Len(t, errs, 2, "the unmatched route is an http error")
}

func TestTelemetryWithoutMetricsIsPassthrough(t *testing.T) {
	e := echo.New()
	e.Use(NewTelemetry(nil).Middleware())
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUploadLimiterPerClient(t *testing.T) {
	l := NewUploadLimiter(60, 2, nil)
	now := time.Date(2025, 1, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")
	assert.True(t, l.Allow("10.0.0.2"), "other clients have their own bucket")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"), "one token per second refills")
}

func TestUploadLimiterSweepsIdleClients(t *testing.T) {
	l := NewUploadLimiter(0, 0, nil)
	now := time.Date(2025, 1, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("10.0.0.1")
	now = now.Add(11 * time.Minute)
	l.Allow("10.0.0.2")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "10.0.0.1")
	assert.Contains(t, l.clients, "10.0.0.2")
}

func TestUploadLimiterMiddleware(t *testing.T) {
	m, reg := newHTTPMetrics(t)
	l := NewUploadLimiter(1, 1, m)

	e := echo.New()
	e.POST("/api/analyze", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, l.Middleware())

	first := httptest.NewRecorder()
	e.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/analyze", http.NoBody))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	e.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/analyze", http.NoBody))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.JSONEq(t, `{"success":false,"error":"Too many uploads, please wait before trying again"}`, second.Body.String())

	assert.InDelta(t, 1, series(t, reg, "http_rate_limited_total")["path=/api/analyze"], 0)
}

func TestRequestLoggerWritesRecords(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewSlogLogger(&buf, logger.LogLevelInfo, time.UTC)

	e := echo.New()
	e.Use(NewRequestLogger(log, "/api/health"))
	e.GET("/api/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/api/scans/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/api/missing", func(c echo.Context) error { return echo.ErrNotFound })
	e.GET("/api/broken", func(c echo.Context) error { return echo.ErrInternalServerError })

	for _, target := range []string{"/api/health", "/api/scans/7", "/api/missing", "/api/broken"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, http.NoBody))
	}
	require.NoError(t, log.Flush())

	out, err := io.ReadAll(&buf)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 3, "health checks are not logged")
	assert.Contains(t, lines[0], `"route":"/api/scans/:id"`)
	assert.Contains(t, lines[0], "INFO")
	assert.Contains(t, lines[1], "WARN")
	assert.Contains(t, lines[2], "ERROR")
}

func TestBodyLimitRejectsLargeBodies(t *testing.T) {
	e := echo.New()
	e.Use(NewBodyLimit("1K"))
	e.POST("/", func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSecureHeaders(t *testing.T) {
	e := echo.New()
	e.Use(NewSecureHeaders(DefaultSecurityConfig()))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "same-origin", rec.Header().Get("Referrer-Policy"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "img-src 'self'")
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"), "HSTS is TLS only")
}

func TestCorrelationIDReachesRequestContext(t *testing.T) {
	e := echo.New()
	e.Use(NewCorrelation())
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, logger.CorrelationID(c.Request().Context()))
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	generated := rec.Header().Get(echo.HeaderXRequestID)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set(echo.HeaderXRequestID, "upstream-42")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-42", rec.Body.String())
}

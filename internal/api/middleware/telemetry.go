package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/observability/metrics"
)

// Telemetry records request counts, latencies and error categories.
type Telemetry struct {
	httpMetrics *metrics.HTTPMetrics
}

// NewTelemetry returns a Telemetry recording into m; nil disables recording.
func NewTelemetry(m *metrics.HTTPMetrics) *Telemetry {
	return &Telemetry{httpMetrics: m}
}

// Middleware returns the echo middleware function.
func (t *Telemetry) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if t.httpMetrics == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			// route pattern keeps label cardinality bounded
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
				t.httpMetrics.RecordHTTPRequestError(method, path, errorType(err))
			}
			if status == 0 {
				status = http.StatusOK
			}
			t.httpMetrics.RecordHTTPRequest(method, path, status, time.Since(start), c.Response().Size)
			return err
		}
	}
}

func errorType(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return "http"
	}
	return string(errors.CategoryOf(err))
}

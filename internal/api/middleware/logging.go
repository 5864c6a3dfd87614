// Package middleware holds the echo middleware of the FetalScan API.
package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fetalscan/fetalscan/internal/logger"
)

// NewRequestLogger writes one record per request to log. Server errors are
// logged at error level and client errors at warn.
func NewRequestLogger(log logger.Logger, skip ...string) echo.MiddlewareFunc {
	skipped := make(map[string]bool, len(skip))
	for _, route := range skip {
		skipped[route] = true
	}

	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return log == nil || skipped[c.Path()]
		},
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		LogRoutePath: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.String("route", v.RoutePath),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}

			reqLog := log.WithContext(c.Request().Context())
			switch {
			case v.Status >= http.StatusInternalServerError:
				reqLog.Error("request failed", fields...)
			case v.Status >= http.StatusBadRequest:
				reqLog.Warn("request rejected", fields...)
			default:
				reqLog.Info("request", fields...)
			}
			return nil
		},
	})
}

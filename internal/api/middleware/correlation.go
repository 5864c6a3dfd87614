package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fetalscan/fetalscan/internal/logger"
)

// NewCorrelation gives every request an X-Request-ID (kept when the client
// sends one) and stores it in the request context, so loggers built with
// WithContext tag their records with it.
func NewCorrelation() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logger.WithCorrelationID(req.Context(), id)))
		},
	})
}

package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SecurityConfig controls the cross-origin and response header policy of the API.
type SecurityConfig struct {
	// AllowedOrigins must be explicit; session cookies travel with credentials
	AllowedOrigins []string

	// HSTSMaxAge is in seconds and only sent over TLS
	HSTSMaxAge int

	// ContentSecurityPolicy covers the stored images served under /storage
	ContentSecurityPolicy string
}

// DefaultSecurityConfig allows the local frontend dev server.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		AllowedOrigins:        []string{"http://localhost:3000"},
		HSTSMaxAge:            365 * 24 * 60 * 60,
		ContentSecurityPolicy: "default-src 'none'; img-src 'self'; frame-ancestors 'self'",
	}
}

// NewCORS lets the configured frontends call the API with their session cookie.
func NewCORS(config SecurityConfig) echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     config.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAccept, echo.HeaderXRequestedWith},
		AllowCredentials: true,
		MaxAge:           600,
	})
}

// NewSecureHeaders adds the standard hardening headers to every response.
func NewSecureHeaders(config SecurityConfig) echo.MiddlewareFunc {
	return middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "SAMEORIGIN",
		ReferrerPolicy:        "same-origin",
		HSTSMaxAge:            config.HSTSMaxAge,
		ContentSecurityPolicy: config.ContentSecurityPolicy,
	})
}

// NewBodyLimit rejects request bodies above limit ("12M") with 413.
func NewBodyLimit(limit string) echo.MiddlewareFunc {
	return middleware.BodyLimit(limit)
}

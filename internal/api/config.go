// Package api provides the FetalScan HTTP server and its JSON endpoints.
package api

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// GetLogger returns the api package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// Default constants for the HTTP server.
const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 2 * time.Minute // analysis waits on the inference services
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	// multipart overhead allowed on top of the image size limit
	bodyLimitSlack = 2 << 20
)

// Config holds the HTTP server configuration derived from conf.Settings.
type Config struct {
	Host string
	Port string

	AllowedOrigins []string
	SecureCookie   bool
	RequireAuth    bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	UploadLimit int64
	RateLimit   conf.RateLimitSettings

	Debug bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            conf.DefaultPort,
		AllowedOrigins:  []string{"http://localhost:3000"},
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		UploadLimit:     conf.DefaultUploadLimit,
		RateLimit: conf.RateLimitSettings{
			Enabled:           true,
			RequestsPerMinute: 30,
			Burst:             10,
		},
	}
}

// ConfigFromSettings creates a Config from the application settings.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	if settings == nil {
		return cfg
	}
	if settings.WebServer.Port != "" {
		cfg.Port = settings.WebServer.Port
	}
	if len(settings.WebServer.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = settings.WebServer.AllowedOrigins
	}
	if settings.WebServer.UploadLimit > 0 {
		cfg.UploadLimit = settings.WebServer.UploadLimit
	}
	if settings.WebServer.RequestTimeout > 0 {
		cfg.ReadTimeout = settings.WebServer.RequestTimeout
	}
	cfg.RateLimit = settings.WebServer.RateLimit
	cfg.SecureCookie = settings.Security.SecureCookie
	cfg.RequireAuth = settings.Security.RequireAuth
	cfg.Debug = settings.Debug
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if c.UploadLimit <= 0 {
		return fmt.Errorf("upload limit must be positive")
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// Address returns the host:port the server binds to.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// BodyLimit returns the echo body limit string for the upload limit.
func (c *Config) BodyLimit() string {
	return strconv.FormatInt((c.UploadLimit+bodyLimitSlack)>>10, 10) + "K"
}

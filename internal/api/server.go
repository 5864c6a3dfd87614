package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	echo_log "github.com/labstack/gommon/log"

	mw "github.com/fetalscan/fetalscan/internal/api/middleware"
	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/datastore"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// Server is the FetalScan HTTP server: an echo instance with the middleware
// stack and the API controller mounted.
type Server struct {
	echo       *echo.Echo
	config     *Config
	controller *Controller
	log        logger.Logger
}

// New creates the HTTP server. The options configure the API controller.
func New(settings *conf.Settings, ds datastore.Interface, opts ...Option) (*Server, error) {
	config := ConfigFromSettings(settings)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	log := GetLogger()
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	echoLevel := echo_log.WARN
	if config.Debug {
		echoLevel = echo_log.DEBUG
	}
	e.Logger = logger.NewEchoLoggerAdapter(log.Module("echo"), echoLevel)
	e.Server.ReadTimeout = config.ReadTimeout
	e.Server.WriteTimeout = config.WriteTimeout
	e.Server.IdleTimeout = config.IdleTimeout

	s := &Server{echo: e, config: config, log: log}

	// controller options may replace the logger; the middleware uses the final one
	controller, err := NewController(e, ds, settings, append([]Option{WithLogger(log)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize API: %w", err)
	}
	s.controller = controller
	s.log = controller.log
	s.setupMiddleware()

	s.log.Info("HTTP server initialized",
		logger.String("address", config.Address()),
		logger.Bool("require_auth", config.RequireAuth),
		logger.String("body_limit", config.BodyLimit()))
	return s, nil
}

// setupMiddleware configures the echo middleware stack.
func (s *Server) setupMiddleware() {
	securityConfig := mw.DefaultSecurityConfig()
	securityConfig.AllowedOrigins = s.config.AllowedOrigins

	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewCorrelation())
	s.echo.Use(mw.NewRequestLogger(s.log.Module("http"), "/api/health"))
	s.echo.Use(mw.NewTelemetry(s.controller.httpMetrics()).Middleware())
	s.echo.Use(mw.NewCORS(securityConfig))
	s.echo.Use(mw.NewSecureHeaders(securityConfig))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit()))
}

// Serve handles requests on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", logger.String("address", ln.Addr().String()))
		errCh <- s.echo.Server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Start listens on the configured address and calls Serve.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Shutdown gracefully stops the server within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.controller.Shutdown()
	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Controller returns the API controller.
func (s *Server) Controller() *Controller { return s.controller }

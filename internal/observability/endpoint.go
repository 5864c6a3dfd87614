package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/logger"
)

const endpointShutdownTimeout = 5 * time.Second

// Endpoint serves /metrics, and /debug/pprof in debug mode, apart from the public API.
type Endpoint struct {
	server *http.Server
	addr   string
	log    logger.Logger
}

// NewEndpoint fails when observability is disabled in settings.
func NewEndpoint(settings *conf.Settings, m *Metrics) (*Endpoint, error) {
	if !settings.Observability.Enabled {
		return nil, fmt.Errorf("observability not enabled in settings")
	}
	if m == nil {
		return nil, fmt.Errorf("metrics are required")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	if settings.Debug {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return &Endpoint{
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		addr:   settings.Observability.Listen,
		log:    logger.Global().Module("metrics"),
	}, nil
}

// Start listens on the configured address and serves until ctx is done.
func (e *Endpoint) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", e.addr)
	if err != nil {
		return fmt.Errorf("metrics endpoint listen on %s: %w", e.addr, err)
	}
	return e.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down.
func (e *Endpoint) Serve(ctx context.Context, ln net.Listener) error {
	served := make(chan error, 1)
	go func() {
		e.log.Info("metrics endpoint listening", logger.String("address", ln.Addr().String()))
		served <- e.server.Serve(ln)
	}()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endpointShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.log.Error("metrics endpoint shutdown failed", logger.Error(err))
		return err
	}
	e.log.Info("metrics endpoint stopped")
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

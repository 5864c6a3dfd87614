package api

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"

	mw "github.com/fetalscan/fetalscan/internal/api/middleware"
	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/datastore"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/imagestore"
	"github.com/fetalscan/fetalscan/internal/inference"
	"github.com/fetalscan/fetalscan/internal/ingest"
	"github.com/fetalscan/fetalscan/internal/logger"
	"github.com/fetalscan/fetalscan/internal/observability"
	"github.com/fetalscan/fetalscan/internal/observability/metrics"
	"github.com/fetalscan/fetalscan/internal/security"
)

const (
	detailsCacheTTL     = 5 * time.Minute
	detailsCacheCleanup = 10 * time.Minute
)

// Ingestor runs the analysis saga; *ingest.Orchestrator implements it.
type Ingestor interface {
	Analyze(ctx context.Context, req ingest.Request) (*ingest.Result, error)
	RetryAnalysis(ctx context.Context, scanID uint) (*ingest.Result, error)
}

// PasswordMailer delivers password reset links; *notification.Mailer implements it.
type PasswordMailer interface {
	Enabled() bool
	SendPasswordReset(ctx context.Context, to, username, token string) error
}

// Controller manages the API routes and handlers
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	DS       datastore.Interface
	Settings *conf.Settings

	config   *Config
	ingest   Ingestor
	images   *imagestore.Store
	sessions *security.Manager
	mailer   PasswordMailer
	metrics  *observability.Metrics

	// marshalled scan-history details keyed by scan ID, dropped on writes
	detailsCache  *cache.Cache
	uploadLimiter *mw.UploadLimiter

	log       logger.Logger
	startTime time.Time
	now       func() time.Time
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// WithIngestor sets the analysis saga.
func WithIngestor(i Ingestor) Option {
	return func(c *Controller) { c.ingest = i }
}

// WithImageStore sets the image store served under /storage.
func WithImageStore(s *imagestore.Store) Option {
	return func(c *Controller) { c.images = s }
}

// WithSessions sets the session manager; by default one is built from the security settings.
func WithSessions(m *security.Manager) Option {
	return func(c *Controller) { c.sessions = m }
}

// WithMailer sets the password reset mailer.
func WithMailer(m PasswordMailer) Option {
	return func(c *Controller) { c.mailer = m }
}

// WithMetrics sets the shared metrics instance.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger replaces the api module logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates the API controller and registers its routes on e.
func NewController(e *echo.Echo, ds datastore.Interface, settings *conf.Settings, opts ...Option) (*Controller, error) {
	if ds == nil {
		return nil, configError("datastore is required")
	}
	if settings == nil {
		return nil, configError("settings are required")
	}

	c := &Controller{
		Echo:         e,
		DS:           ds,
		Settings:     settings,
		config:       ConfigFromSettings(settings),
		detailsCache: cache.New(detailsCacheTTL, detailsCacheCleanup),
		log:          GetLogger(),
		startTime:    time.Now(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.ingest == nil {
		return nil, configError("ingestor is required")
	}
	if c.sessions == nil {
		sessions, err := security.NewManager(settings.Security)
		if err != nil {
			return nil, err
		}
		c.sessions = sessions
	}

	c.uploadLimiter = mw.NewUploadLimiter(c.config.RateLimit.RequestsPerMinute, c.config.RateLimit.Burst, c.httpMetrics())

	e.HTTPErrorHandler = c.httpErrorHandler
	c.initRoutes()
	return c, nil
}

// initRoutes registers all API endpoints
func (c *Controller) initRoutes() {
	c.Group = c.Echo.Group("/api")
	g := c.Group

	g.GET("/health", c.HealthCheck)

	// sessions
	g.POST("/signup", c.Signup)
	g.POST("/login", c.Login)
	g.POST("/logout", c.Logout)
	g.GET("/auth-status", c.AuthStatus)
	g.GET("/user", c.CurrentUser, c.sessions.RequireSession(true))
	g.POST("/forgot-password", c.ForgotPassword)
	g.POST("/reset-password/:token", c.ResetPassword)

	auth := c.sessions.RequireSession(c.config.RequireAuth)

	upload := []echo.MiddlewareFunc{auth}
	if c.config.RateLimit.Enabled {
		upload = append(upload, c.uploadLimiter.Middleware())
	}
	g.POST("/analyze", c.analyzeHandler(inference.PlaneTransThalamic), upload...)
	g.POST("/analyze-brain", c.analyzeHandler(inference.PlaneTransThalamic), upload...)
	g.POST("/analyze-cerebellum", c.analyzeHandler(inference.PlaneTransCerebellum), upload...)
	g.POST("/analyze-ventricular", c.analyzeHandler(inference.PlaneTransVentricular), upload...)

	g.GET("/patients", c.ListPatients, auth)
	g.POST("/patients", c.CreatePatient, auth)
	g.GET("/patients/:id", c.GetPatient, auth)
	g.PUT("/patients/:id/status", c.UpdatePatientStatus, auth)
	g.GET("/patients/:id/scans", c.GetPatientScans, auth)
	g.GET("/patient-scans/:id", c.GetPatientScans, auth)

	g.GET("/scans/:id", c.GetScan, auth)
	g.PUT("/scans/:id/notes", c.UpdateScanNotes, auth)
	g.POST("/scans/:id/retry-analysis", c.RetryAnalysis, upload...)

	g.GET("/scan-history/history", c.GetHistory, auth)
	g.GET("/scan-history/search", c.SearchHistory, auth)
	g.GET("/scan-history/details/:scanId", c.GetHistoryDetails, auth)

	if c.images != nil {
		c.registerStorage(auth)
	}
}

func (c *Controller) httpMetrics() *metrics.HTTPMetrics {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.HTTP
}

// Shutdown releases controller resources.
func (c *Controller) Shutdown() {
	c.detailsCache.Flush()
	c.log.Debug("API controller shut down")
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("api").
		Category(errors.CategoryConfiguration).
		Build()
}

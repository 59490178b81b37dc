// Package http serves medagent research runs over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/medagent/internal/cache"
	"github.com/fyrsmithlabs/medagent/internal/gateway"
	"github.com/fyrsmithlabs/medagent/internal/logging"
	"github.com/fyrsmithlabs/medagent/internal/orchestrator"
	"github.com/fyrsmithlabs/medagent/internal/sanitize"
)

// Researcher runs research queries.
type Researcher interface {
	Run(ctx context.Context, query string, maxIterations int, deadline time.Duration) (*orchestrator.Result, error)
}

// Catalog describes the registered sources and their cache.
type Catalog interface {
	Sources() []gateway.SourceInfo
	CacheStats(ctx context.Context) cache.Stats
}

// Server provides HTTP endpoints for medagent.
type Server struct {
	echo       *echo.Echo
	researcher Researcher
	catalog    Catalog
	logger     *zap.Logger
	config     *Config
	metrics    *apiMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string

	// DefaultIterations and DefaultDeadline apply when a request leaves
	// them unset. MaxDeadline caps deadline_seconds.
	DefaultIterations int
	DefaultDeadline   time.Duration
	MaxDeadline       time.Duration

	// Meter overrides the global meter for API metrics.
	Meter metric.Meter
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.DefaultIterations <= 0 {
		c.DefaultIterations = 3
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 5 * time.Minute
	}
	if c.MaxDeadline <= 0 {
		c.MaxDeadline = 30 * time.Minute
	}
}

// maxIterationsPerRequest bounds max_iterations on requests.
const maxIterationsPerRequest = 10

// NewServer creates a new HTTP server.
func NewServer(researcher Researcher, catalog Catalog, logger *zap.Logger, cfg *Config) (*Server, error) {
	if researcher == nil {
		return nil, fmt.Errorf("researcher cannot be nil")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics := newAPIMetrics(cfg.Meter, logger)
	e.Use(metrics.middleware)
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				// Commit the error response so the logged status is final.
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return nil
		}
	})

	s := &Server{
		echo:       e,
		researcher: researcher,
		catalog:    catalog,
		logger:     logger,
		config:     cfg,
		metrics:    metrics,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/research", s.handleResearch)
	v1.GET("/sources", s.handleSources)
}

// Echo exposes the router for additional routes and tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

func (s *Server) handleResearch(c echo.Context) error {
	ctx := c.Request().Context()

	query, iterations, deadline, err := s.researchParams(c)
	if err != nil {
		s.metrics.recordRun(ctx, outcomeRejected, 0, 0)
		return err
	}

	result, err := s.researcher.Run(ctx, query, iterations, deadline)
	switch {
	case errors.Is(err, orchestrator.ErrEmptyQuery), errors.Is(err, orchestrator.ErrInvalidIterations):
		s.metrics.recordRun(ctx, outcomeRejected, 0, 0)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		s.metrics.recordRun(ctx, outcomeFailed, 0, 0)
		s.logger.Error("research run failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "research run failed")
	}

	s.metrics.recordRun(ctx, string(result.Terminated), result.IterationCount, deadline)
	return c.JSON(http.StatusOK, result)
}

// researchParams validates the request and resolves defaults. Errors are
// echo.HTTPErrors ready to return.
func (s *Server) researchParams(c echo.Context) (query string, iterations int, deadline time.Duration, err error) {
	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid research request", zap.Error(err))
		return "", 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	query, err = sanitize.Query(req.Query)
	switch {
	case errors.Is(err, sanitize.ErrEmptyQuery):
		return "", 0, 0, echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	case err != nil:
		return "", 0, 0, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.MaxIterations < 0 || req.MaxIterations > maxIterationsPerRequest {
		return "", 0, 0, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("max_iterations must be between 1 and %d", maxIterationsPerRequest))
	}
	if req.DeadlineSeconds < 0 {
		return "", 0, 0, echo.NewHTTPError(http.StatusBadRequest, "deadline_seconds must not be negative")
	}

	iterations = req.MaxIterations
	if iterations == 0 {
		iterations = s.config.DefaultIterations
	}
	deadline = s.config.DefaultDeadline
	if req.DeadlineSeconds > 0 {
		deadline = time.Duration(req.DeadlineSeconds) * time.Second
	}
	return query, iterations, min(deadline, s.config.MaxDeadline), nil
}

func (s *Server) handleSources(c echo.Context) error {
	stats := s.catalog.CacheStats(c.Request().Context())
	return c.JSON(http.StatusOK, SourcesResponse{
		Sources: s.catalog.Sources(),
		Cache:   CacheStatus{Stats: stats, HitRatio: stats.HitRatio()},
	})
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.Addr()))
	return s.echo.Start(s.Addr())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

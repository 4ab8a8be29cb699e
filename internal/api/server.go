// Package api serves the health, metrics and resource endpoints of a
// running application, and streams resource state changes over websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"evalgo.org/apphost/internal/config"
	"evalgo.org/apphost/models"
	"evalgo.org/apphost/pkg/health"
)

// Application is the part of a running application the API exposes.
// *hosting.Application implements it.
type Application interface {
	Name() string
	Snapshot() []models.ResourceSnapshot
	Health() *health.Registry
	Watch(ctx context.Context) <-chan models.ResourceEvent
}

// Server is the apphost HTTP API.
type Server struct {
	echo     *echo.Echo
	app      Application
	config   *config.Config
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *logrus.Entry
	gatherer prometheus.Gatherer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server for app. Metrics are served from gatherer, or the
// default prometheus registry when nil.
func New(cfg *config.Config, app Application, logger *logrus.Entry, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger = logger.WithField("component", "api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug
	e.HTTPErrorHandler = HTTPErrorHandler

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:     e,
		app:      app,
		config:   cfg,
		hub:      NewHub(logger),
		logger:   logger,
		gatherer: gatherer,
		cancel:   cancel,
	}

	s.upgrader = s.newUpgrader()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()
	go func() {
		defer s.wg.Done()
		s.hub.Publish(app.Watch(ctx))
	}()

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestID())
	s.echo.Use(RequestLogger(s.logger))
	s.echo.Use(middleware.Recover())
	s.echo.Use(SecurityHeaders)

	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.Security.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodHead},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	if s.config.Security.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.config.Security.RateLimit),
		)))
	}
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/alive", s.alive)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1", ValidateAcceptHeader)
	v1.GET("/resources", s.listResources)
	v1.GET("/resources/:name", s.getResource, ValidateResourceName)

	s.echo.GET("/ws/resources", s.streamResources)
	s.echo.GET("/ws/stats", s.websocketStats)
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	addr := s.config.Server.Addr()
	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	s.logger.WithField("address", "http://"+addr).Info("Starting API server")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the listener, disconnects websocket clients and stops
// watching the application.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	err := s.echo.Shutdown(ctx)
	s.cancel()
	s.hub.Stop()
	s.wg.Wait()

	if err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	return nil
}

// ServeHTTP makes Server an http.Handler for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

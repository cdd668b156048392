// Package api exposes a peer's coordinator over HTTP: status, the
// enable/disable toggle, the shared result, live reconfiguration and a
// server-sent event stream of results and leadership changes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pollsync/pkg/api/middleware"
	"pollsync/pkg/auth"
	"pollsync/pkg/coordinator"
	"pollsync/pkg/resilience"
)

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	coord     *coordinator.Coordinator
	breaker   *resilience.CircuitBreaker
	validator *middleware.Validator
	logger    *zap.Logger
	started   time.Time

	// keepalive period for event streams
	eventPing time.Duration
}

// Config holds API server configuration.
type Config struct {
	Port        string
	Coordinator *coordinator.Coordinator
	// Breaker is reported by /health when set.
	Breaker   *resilience.CircuitBreaker
	Auth      middleware.AuthConfig
	RateLimit middleware.RateLimiterConfig
	Validator middleware.ValidatorConfig
	Tracing   bool
	Logger    *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	router := gin.New()

	// order matters
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	if cfg.Tracing {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.MetricsMiddleware(cfg.Coordinator.IsLeader))
	router.Use(requestLogger(cfg.Logger))
	router.Use(middleware.NewRateLimiter(cfg.RateLimit).Middleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))

	validatorCfg := cfg.Validator
	if len(validatorCfg.AllowedSchemes) == 0 {
		validatorCfg = middleware.DefaultValidatorConfig()
	}

	s := &Server{
		router:    router,
		coord:     cfg.Coordinator,
		breaker:   cfg.Breaker,
		validator: middleware.NewValidator(validatorCfg),
		logger:    cfg.Logger,
		started:   time.Now(),
		eventPing: 15 * time.Second,
	}

	s.registerRoutes(cfg.Auth)

	s.httpServer = &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// no WriteTimeout: event streams are long-lived
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(authCfg middleware.AuthConfig) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	operator := func(h gin.HandlerFunc) []gin.HandlerFunc { return []gin.HandlerFunc{h} }
	if authCfg.Enabled() {
		v1.Use(middleware.AuthMiddleware(authCfg))
		requireOperator := middleware.RequireRole(auth.RoleOperator)
		operator = func(h gin.HandlerFunc) []gin.HandlerFunc {
			return []gin.HandlerFunc{requireOperator, h}
		}
	}

	v1.GET("/peer", s.getPeer)

	polling := v1.Group("/polling")
	{
		polling.GET("/result", s.getResult)
		polling.GET("/events", s.streamEvents)
		polling.POST("/enable", operator(s.enablePolling)...)
		polling.POST("/disable", operator(s.disablePolling)...)
		polling.PATCH("/config", operator(s.updateConfig)...)
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
		)
	}
}

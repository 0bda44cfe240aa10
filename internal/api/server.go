// Package api exposes the engine control surface over HTTP: signal
// intake and cancel, halt/resume, breaker reset, and read-only views of
// account, positions, lifecycles, and provider health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/model"
)

// EngineAPI is the slice of the trading engine the server drives.
type EngineAPI interface {
	SubmitSignal(sig model.Signal) error
	CancelSignal(signalID string) error
	Halt(reason string)
	Resume(ctx context.Context) error
	Halted() bool
	Lifecycle(signalID string) (model.LifecycleRecord, bool)
	Lifecycles() []model.LifecycleRecord
	ActiveCount() int
}

// RiskAPI is the read-and-reset surface of the risk manager.
type RiskAPI interface {
	Account() model.Account
	Positions() []model.Position
	Breaker() model.CircuitBreakerState
	ResetBreaker()
	Limits() model.RiskLimits
}

// ProviderHealthAPI reports AI failover chain state. Nil when analysis
// is disabled.
type ProviderHealthAPI interface {
	Health() []model.ProviderHealth
}

// Server is the HTTP control server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	engine     EngineAPI
	risk       RiskAPI
	providers  ProviderHealthAPI
	cfg        config.ServerConfig
	mode       string
	logger     zerolog.Logger
	startedAt  time.Time
}

func NewServer(cfg config.ServerConfig, mode string, engine EngineAPI, riskMgr RiskAPI, providers ProviderHealthAPI, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:    router,
		engine:    engine,
		risk:      riskMgr,
		providers: providers,
		cfg:       cfg,
		mode:      mode,
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: time.Now().UTC(),
	}

	router.Use(s.requestLogger())
	router.Use(cors.New(s.corsConfig()))
	s.setupRoutes()
	return s
}

func (s *Server) corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}

	origins := strings.TrimSpace(s.cfg.AllowedOrigins)
	if origins == "" || origins == "*" {
		corsConfig.AllowAllOrigins = true
		return corsConfig
	}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			corsConfig.AllowOrigins = append(corsConfig.AllowOrigins, o)
		}
	}
	return corsConfig
}

// requestLogger writes one structured line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handlePositions)
		api.GET("/limits", s.handleLimits)

		api.GET("/signals", s.handleListSignals)
		api.POST("/signals", s.handleSubmitSignal)
		api.GET("/signals/:id", s.handleGetSignal)
		api.POST("/signals/:id/cancel", s.handleCancelSignal)

		api.GET("/circuit", s.handleCircuit)
		api.POST("/circuit/reset", s.handleCircuitReset)

		api.GET("/providers", s.handleProviders)

		api.POST("/halt", s.handleHalt)
		api.POST("/resume", s.handleResume)
	}
}

// Start blocks on ListenAndServe until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	readTimeout := time.Duration(s.cfg.ReadTimeout) * time.Second
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("control server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

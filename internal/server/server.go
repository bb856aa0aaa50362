package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orbitpay/sentra/internal/config"
	"github.com/orbitpay/sentra/internal/security"
	"github.com/orbitpay/sentra/internal/security/alerts"
	"github.com/orbitpay/sentra/internal/security/behavior"
	"github.com/orbitpay/sentra/internal/security/events"
	"github.com/orbitpay/sentra/internal/security/risk"
	"github.com/orbitpay/sentra/pkg/models"
)

// Server exposes the analysis pipeline over HTTP.
type Server struct {
	httpServer   *http.Server
	orchestrator *security.Orchestrator
	store        *events.Store
	alerts       *alerts.Manager
	risk         *risk.Aggregator
	profiles     *behavior.ProfileStore
	logger       *zap.Logger
}

// New builds the HTTP server with routes and middleware attached.
func New(
	cfg config.ServerConfig,
	orchestrator *security.Orchestrator,
	store *events.Store,
	alertManager *alerts.Manager,
	riskAggregator *risk.Aggregator,
	profiles *behavior.ProfileStore,
	logger *zap.Logger,
) *Server {
	s := &Server{
		orchestrator: orchestrator,
		store:        store,
		alerts:       alertManager,
		risk:         riskAggregator,
		profiles:     profiles,
		logger:       logger,
	}

	registerValidators()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s.routes(router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/events", s.handleProcessEvent)
		v1.GET("/events", s.handleQueryEvents)

		v1.GET("/alerts", s.handleActiveAlerts)
		v1.GET("/alerts/critical", s.handleCriticalAlerts)
		v1.GET("/alerts/:id", s.handleGetAlert)
		v1.POST("/alerts/:id/acknowledge", s.handleAcknowledgeAlert)
		v1.POST("/alerts/:id/resolve", s.handleResolveAlert)

		v1.GET("/users/:id/risk", s.handleUserRisk)
		v1.POST("/users/:id/risk/refresh", s.handleRefreshRisk)
		v1.GET("/users/:id/profile", s.handleUserProfile)
		v1.POST("/users/:id/profile/invalidate", s.handleInvalidateProfile)
	}
}

// registerValidators attaches custom rules to gin's validator engine.
func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	// Already registered rules are overwritten, so repeat calls are safe.
	v.RegisterValidation("eventtype", func(fl validator.FieldLevel) bool {
		return models.ValidEventType(models.EventType(fl.Field().String()))
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

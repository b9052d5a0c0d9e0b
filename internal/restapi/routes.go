// Package restapi implements the REST control surface of spec.md §6.2: a
// minimal set of session lifecycle endpoints wrapping
// internal/execution.Controller.
//
// Grounded on internal/api/handlers/routes.go (route-group shape, one
// handler-closure-per-endpoint) and internal/api/middleware/security.go
// (rate limiting), internal/gateway/server.go (CORS/recovery middleware
// stack).
package restapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/execution"
	"github.com/pumpsentry/core/pkg/metrics"
)

// Server wraps the Execution Controller behind the REST surface spec.md
// §6.2 names.
type Server struct {
	controller *execution.Controller
	logger     *zap.Logger
	engine     *gin.Engine
}

// NewServer builds a gin engine with the spec's three endpoints mounted,
// plus the recovery/CORS/rate-limit middleware stack the teacher applies
// to every HTTP surface, and the /health and /metrics endpoints
// internal/trading/app/app.go exposes on every HTTP surface it builds.
func NewServer(controller *execution.Controller, logger *zap.Logger, sink *metrics.Sink) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(rateLimitMiddleware(logger))

	s := &Server{controller: controller, logger: logger, engine: engine}
	s.routes(sink)
	return s
}

// Engine exposes the underlying gin engine so a process entrypoint can
// mount it behind an http.Server and register the bridge's /ws route
// alongside it.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes(sink *metrics.Sink) {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(sink.Registry(), promhttp.HandlerOpts{})))

	sessions := s.engine.Group("/sessions")
	{
		sessions.POST("/start", s.startSession)
		sessions.POST("/stop", s.stopSession)
		sessions.GET("/execution-status", s.executionStatus)
	}
}

// startSession handles POST /sessions/start (spec.md §6.2).
func (s *Server) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mode, err := parseMode(req.SessionType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID, err := s.controller.StartSession(c.Request.Context(), execution.StartRequest{
		Mode:            mode,
		Symbols:         req.Symbols,
		StrategyConfigs: req.strategyConfigs(),
		Config:          req.Config.toDomain(),
		Idempotent:      req.Idempotent,
	})
	if err != nil {
		if errors.Is(err, execution.ErrSessionExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "SessionExists"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
}

// stopSession handles POST /sessions/stop (spec.md §6.2). session_id in
// the body is accepted but not required to disambiguate which session to
// stop — spec.md §3 pins exactly one session per process, so there is
// never more than one candidate.
func (s *Server) stopSession(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id,omitempty"`
	}
	_ = c.ShouldBindJSON(&req) // body is optional

	if err := s.controller.StopSession(c.Request.Context()); err != nil {
		if errors.Is(err, execution.ErrNoActiveSession) {
			c.JSON(http.StatusConflict, gin.H{"error": "NoActiveSession"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// executionStatus handles GET /sessions/execution-status (spec.md §6.2).
func (s *Server) executionStatus(c *gin.Context) {
	snapshot := s.controller.Status()
	c.JSON(http.StatusOK, gin.H{
		"controller_state": snapshot.ControllerState,
		"session":          snapshot.Session,
	})
}

// rateLimitMiddleware applies a flat per-IP rate limit, grounded on
// internal/api/middleware/security.go's SecurityMiddleware.RateLimiter.
func rateLimitMiddleware(logger *zap.Logger) gin.HandlerFunc {
	rate := limiter.Rate{Period: time.Minute, Limit: 300}
	instance := limiter.New(memory.NewStore(), rate)

	return func(c *gin.Context) {
		ctx, err := instance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Error("rate limiter lookup failed", zap.Error(err))
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(ctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(ctx.Remaining, 10))
		if ctx.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

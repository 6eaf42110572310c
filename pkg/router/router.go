// Package router assembles the Gin engine, middleware chain and routes.
package router

import (
	"time"

	"character-playground/backend/internal/ws"
	"character-playground/backend/pkg/config"
	"character-playground/backend/pkg/di"
	"character-playground/backend/pkg/errors"
	"character-playground/backend/pkg/logger"
	"character-playground/backend/pkg/middleware"
	"character-playground/backend/pkg/observability"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Track server start time for uptime calculations
var startTime = time.Now()

// Router is the main router for the application
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
	Hub       *ws.Hub
	Config    *config.Config
}

// New creates a new router with the given container
func New(container *di.Container) *Router {
	logger.SetGlobal(container.Logger)

	cfg := container.Config

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(cfg.Security.TrustedProxies)

	// Logger middleware first so every request is captured
	engine.Use(logger.Middleware(container.Logger))

	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())

	// Per-second burst guard in front of everything. The per-day model
	// quota is enforced inside the chat handler.
	rateLimiter := middleware.NewRateLimiter(container.Logger, middleware.RateLimiterOptions{
		Limit:          rate.Limit(cfg.Security.RateLimit),
		Burst:          cfg.Security.RateLimitBurst,
		ExpiryDuration: time.Hour,
	})
	engine.Use(rateLimiter.Middleware())

	if container.PresenceHub != nil {
		go container.PresenceHub.Run()
	}

	return &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
		Hub:       container.PresenceHub,
		Config:    cfg,
	}
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() {
	r.Engine.Use(corsMiddleware(r.Config))

	apiRoutes := r.Engine.Group("/api")
	{
		apiRoutes.POST("/chat", r.Container.ChatHandler.Handle)
		apiRoutes.GET("/models", r.Container.ModelsHandler.Handle)
	}

	r.setupHealthRoutes()

	if r.Config.Metrics.Enabled {
		r.Engine.GET("/metrics", observability.MetricsHandler())
	}

	if r.Hub != nil {
		r.Engine.GET(r.Config.Presence.Path, func(c *gin.Context) {
			ws.ServeWs(r.Hub, c)
		})
	}
}

// corsMiddleware reflects allowed origins and handles preflight.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowAll := len(cfg.Security.AllowedOrigins) == 1 && cfg.Security.AllowedOrigins[0] == "*"

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		switch {
		case allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && originAllowed(origin, cfg.Security.AllowedOrigins):
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Accept-Encoding, Authorization, Origin, Upgrade, Connection, Cache-Control")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == origin || a == "*" {
			return true
		}
	}
	return false
}

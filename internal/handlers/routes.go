package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/session"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/sirupsen/logrus"
)

// Dependencies are the components the HTTP surface serves. Records and
// Presence are optional.
type Dependencies struct {
	Config   *config.Config
	Log      *logrus.Logger
	Registry *registry.Registry
	Store    *session.Store
	Router   *signaling.Router
	Metrics  *metrics.Metrics
	Records  CallRecords
	Presence PresenceLookup
}

// NewEngine builds the gin engine with every route.
func NewEngine(deps Dependencies) *gin.Engine {
	cfg := deps.Config

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(deps.Log))

	// Global CORS middleware (runs before routing)
	engine.Use(OriginFilter(cfg.AllowedOrigins, deps.Log))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"endpoints": deps.Registry.Len(),
			"sessions":  deps.Store.Live(),
		})
	})
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := engine.Group("/api")
	{
		if !cfg.IsProduction() {
			api.POST("/auth/login", Login(cfg.JWTSecret))
		}

		authed := api.Group("", middleware.JWTAuth(cfg.JWTSecret, true))
		authed.GET("/calls/:sessionId", GetCall(deps.Store, deps.Records))
		authed.GET("/endpoints/:endpointId/calls", GetCallHistory(deps.Records))

		api.GET("/endpoints/:endpointId/presence", GetPresence(deps.Registry, deps.Presence))
	}

	ws := engine.Group("/ws", middleware.JWTAuth(cfg.JWTSecret, cfg.RequireAuth))
	{
		ws.GET("/signal", HandleSignaling(deps.Router, cfg.Signaling.MaxMessageBytes, deps.Log))
	}

	return engine
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	entry := log.WithField("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
			"client":   c.ClientIP(),
		}).Debug("Request served")
	}
}

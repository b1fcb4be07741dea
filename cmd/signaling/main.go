package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/handlers"
	"github.com/mossy-p/call-signaling/internal/logging"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/redis"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/session"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	log, logCloser, err := logging.New(cfg.Log, cfg.IsProduction())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}
	defer logCloser.Close()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := registry.New()
	store := session.NewStore(reg, session.Config{
		RingTimeout:          cfg.Signaling.RingTimeout,
		Retention:            cfg.Signaling.SessionRetention,
		MaxPendingCandidates: cfg.Signaling.MaxPendingCandidates,
	}, session.WithLogger(log.WithField("component", "store")))
	m := metrics.New(reg.Len, store.Live)

	routerOpts := []signaling.Option{
		signaling.WithMetrics(m),
		signaling.WithLogger(log.WithField("component", "router")),
		signaling.WithConfig(signaling.Config{
			MessagesPerSecond: cfg.Signaling.MessagesPerSecond,
			MessageBurst:      cfg.Signaling.MessageBurst,
			PresenceRefresh:   cfg.Redis.PresenceTTL / 2,
		}),
	}
	deps := handlers.Dependencies{
		Config:   cfg,
		Log:      log,
		Registry: reg,
		Store:    store,
		Metrics:  m,
	}

	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := redis.Connect(ctx, cfg.Redis)
		cancel()
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		log.WithField("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Info("Redis connection established")

		routerOpts = append(routerOpts, signaling.WithDirectory(rdb))
		deps.Records = rdb
		deps.Presence = rdb
	}

	deps.Router = signaling.NewRouter(reg, store, routerOpts...)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.NewEngine(deps),
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":         cfg.Port,
			"environment":  cfg.Environment,
			"require_auth": cfg.RequireAuth,
		}).Info("Starting call signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server shutdown failed")
	}
}

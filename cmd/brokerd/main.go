package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/imhypeboy/haksamate-live/internal/broker"
	"github.com/imhypeboy/haksamate-live/internal/config"
	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/internal/history"
	"github.com/imhypeboy/haksamate-live/internal/identity"
	"github.com/imhypeboy/haksamate-live/internal/presence"
	"github.com/imhypeboy/haksamate-live/internal/registry"
	"github.com/imhypeboy/haksamate-live/pkg/database"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log)
	logger := log.L()
	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("starting broker")

	// Storage. The memory store keeps dev and test runs database-free;
	// any configured driver gets the gorm-backed stores instead.
	var (
		regStore  registry.Store
		histStore history.Store
	)
	if cfg.Database.Driver == "memory" {
		mem := history.NewMemoryStore()
		regStore = mem
		histStore = mem
		logger.Info().Msg("using in-memory store")
	} else {
		db, err := database.New(&cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := db.AutoMigrate(&domain.RoomModel{}, &domain.MessageModel{}); err != nil {
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
		regStore = registry.NewGormStore(db)
		histStore = history.NewGormStore(db)
		logger.Info().Str("driver", cfg.Database.Driver).Msg("connected to database")
	}

	var cache *registry.Cache
	if cfg.Redis.Enabled {
		cache, err = registry.NewCache(cfg.Redis.CacheConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer cache.Close()
		logger.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")
	}

	reg := registry.New(regStore, cache)

	var idp identity.Provider
	if cfg.Auth.JWTSecret != "" {
		idp = identity.NewJWTProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		logger.Warn().Msg("no jwt secret configured, running with insecure identity")
		idp = identity.InsecureProvider{}
	}

	tracker := presence.NewTracker(cfg.Presence, clockwork.NewRealClock())

	hub := broker.NewHub(cfg.WebSocket)
	go hub.Run()

	svc := broker.NewService(hub, reg, histStore, tracker, idp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker.Start(ctx)
	defer tracker.Stop()
	svc.Start(ctx)
	defer svc.Stop()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(log.GinMiddleware(logger))

	wsHandler := broker.NewWSHandler(hub, svc, cfg.WebSocket)
	httpHandler := broker.NewHTTPHandler(reg, histStore, tracker, svc, wsHandler)
	httpHandler.RegisterRoutes(r)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("broker listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("broker stopped")
}

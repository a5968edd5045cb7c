package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chorus/presence-service/cache"
	"chorus/presence-service/cluster"
	"chorus/presence-service/config"
	"chorus/presence-service/db"
	"chorus/presence-service/handlers"
	"chorus/presence-service/history"
	"chorus/presence-service/metrics"
	"chorus/presence-service/middleware"
	"chorus/presence-service/pubsub"
	"chorus/presence-service/services"
	"chorus/presence-service/session"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	logger := utils.NewLogger(cfg.LogLevel).With("service", "presence-service", "node_id", cfg.NodeID)
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	ctx := context.Background()

	// Redis backs the cache tier and cluster ownership regardless of drivers
	redisClient, err := cache.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisDB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", "error", err)
	}
	defer redisClient.Close()

	// Durable store
	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("Using in-memory store; presence history is lost on restart")
		st = store.NewMemoryStore()
	default:
		database, err := db.Connect(cfg)
		if err != nil {
			logger.Fatal("Failed to connect to database", "error", err)
		}
		st = store.NewPostgresStore(database)
	}

	// Pub/sub bus
	var bus pubsub.Bus
	switch cfg.BusDriver {
	case "nats":
		nc, err := pubsub.ConnectNATS(cfg.NATSURL, "presence-"+cfg.NodeID, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", "error", err)
		}
		bus = pubsub.NewNATSBus(nc, logger)
	case "local":
		bus = pubsub.NewLocalBus(logger)
	default:
		bus = pubsub.NewRedisBus(redisClient, logger)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// History stream, mirrored to Kafka when brokers are configured
	var emitter history.Emitter
	if k := history.NewKafkaEmitter(cfg.KafkaBrokersList(), cfg.HistoryKafkaTopic); k != nil {
		emitter = k
		logger.Info("Mirroring presence history to Kafka", "topic", cfg.HistoryKafkaTopic)
	}
	recorder := history.NewRecorder(st, emitter, cfg.HistoryBuffer, logger, m)
	recorder.Start()

	presenceCache := cache.NewRedisCache(redisClient, nil)

	actorCfg := session.Config{
		PresenceTTL:    cfg.PresenceTTL,
		IdleThreshold:  cfg.IdleThreshold,
		OfflineTimeout: cfg.OfflineTimeout,
		CheckInterval:  cfg.IdleCheckInterval,
	}
	actorDeps := session.Deps{
		Cache:   presenceCache,
		Store:   st,
		Bus:     bus,
		History: recorder,
		Logger:  logger.With("component", "session"),
		Metrics: m,
	}

	registry := cluster.NewRegistry(cluster.Options{
		NodeID:    cfg.NodeID,
		NodeAddr:  cfg.NodeAddr,
		LeaseTTL:  cfg.OwnerLeaseTTL,
		NodeTTL:   cfg.NodeTTL,
		Ownership: cluster.NewRedisOwnership(redisClient, cfg.OwnerLeaseTTL, cfg.NodeTTL),
		Forwarder: cluster.NewHTTPForwarder(cfg.InternalToken),
		Spawn: func(ctx context.Context, userID string, lease session.LeaseFunc) *session.Actor {
			d := actorDeps
			d.Lease = lease
			return session.Start(ctx, userID, actorCfg, d)
		},
		Logger:  logger,
		Metrics: m,
	})
	if err := registry.Start(ctx); err != nil {
		logger.Fatal("Failed to start registry", "error", err)
	}

	presenceService := services.NewPresenceService(services.Config{
		PresenceTTL:    cfg.PresenceTTL,
		OfflineTimeout: cfg.OfflineTimeout,
		SweepInterval:  cfg.SweepInterval,
		TypingTTL:      cfg.TypingTTL,
	}, services.Deps{
		Registry: registry,
		Cache:    presenceCache,
		Store:    st,
		Bus:      bus,
		Logger:   logger,
		Metrics:  m,
	})
	presenceService.Start()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.Register(router, handlers.RouteConfig{
		NodeID:        cfg.NodeID,
		JWTSecret:     cfg.JWTSecret,
		InternalToken: cfg.InternalToken,
	}, presenceService, registry, logger)

	// Websocket subscribers hold their connection open, so no write timeout
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("Starting Presence Service", "port", cfg.Port, "store", cfg.StoreDriver, "bus", cfg.BusDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Stop order: no new sweeps, then actors (releasing their leases), then
	// the history queue they feed, then the bus.
	presenceService.Stop()
	registry.Stop()
	recorder.Stop()
	if err := bus.Close(); err != nil {
		logger.Error("Failed to close bus", "error", err)
	}

	logger.Info("Server exited")
}

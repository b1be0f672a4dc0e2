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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chorus/presence-service/config"
	"chorus/presence-service/db"
	"chorus/presence-service/handlers"
	"chorus/presence-service/middleware"
	"chorus/presence-service/services"
	"chorus/presence-service/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	logger := utils.NewLogger(cfg.LogLevel).With("service", "presence-service", "node_id", cfg.NodeID)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStart()

	// Connect to Redis and the database
	redisClient, err := services.NewRedisClient(startCtx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", "error", err)
	}
	database, err := db.Connect(startCtx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	// Node-local record cache and its invalidation bus
	cache := services.NewRecordCache(cfg.LocalCacheSize, cfg.LocalCacheTTL)
	var bus services.InvalidationBus
	switch cfg.InvalidationTransport {
	case "nats":
		nc, err := services.ConnectNATS(startCtx, cfg.NATSURL, "presence-"+cfg.NodeID, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", "error", err)
		}
		defer nc.Close()
		bus = services.NewNATSInvalidationBus(nc, logger)
	default:
		bus = services.NewRedisInvalidationBus(redisClient, logger)
	}
	invalidator := services.NewCacheInvalidator(bus, cache, metrics, logger)

	// Initialize services
	store := services.NewStore(redisClient, cfg.StoreTimeout)
	connections := services.NewConnectionRegistry()
	events := services.NewPresenceEventBus(redisClient, logger)

	presenceRepo := db.NewPresenceRepository(database)

	presenceService := services.NewPresenceService(services.PresenceDeps{
		Store:       store,
		Registry:    connections,
		Repository:  presenceRepo,
		Friends:     db.NewFriendshipRepository(database),
		Cache:       cache,
		Invalidator: invalidator,
		Events:      events,
		Metrics:     metrics,
		Logger:      logger,
	}, services.PresenceConfig{
		HeartbeatTTL:   cfg.HeartbeatTTL,
		RecheckDelay:   cfg.RecheckDelay,
		OfflineLockTTL: cfg.OfflineLockTTL,
		StoreTimeout:   cfg.StoreTimeout,
		MaxBatchSize:   cfg.MaxBatchSize,
	})
	typingService := services.NewTypingService(store, cfg.TypingTTL, logger)

	dispatcher := services.NewDispatcher(logger)
	services.NewLifecycle(presenceService, typingService, connections, store, metrics, logger).Register(dispatcher)

	reconciler := services.NewReconciler(store, presenceService, presenceRepo, metrics, services.ReconcilerConfig{
		Interval:        cfg.ReconcileInterval,
		Jitter:          cfg.ReconcileJitter,
		OfflineLockTTL:  cfg.OfflineLockTTL,
		SafetyMargin:    cfg.LockSafetyMargin,
		Concurrency:     cfg.ReconcileConcurrency,
		DurablePageSize: cfg.ReconcilePageSize,
	}, logger)

	// Start background workers
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	if err := invalidator.Start(runCtx); err != nil {
		logger.Fatal("Failed to start cache invalidation", "error", err)
	}
	if err := events.Start(runCtx, dispatcher); err != nil {
		logger.Fatal("Failed to start presence events", "error", err)
	}
	reconciler.Start(runCtx)

	// Initialize handlers
	presenceHandler := handlers.NewPresenceHandler(presenceService, logger)
	typingHandler := handlers.NewTypingHandler(typingService, logger)
	wsHandler := handlers.NewWebSocketHandler(dispatcher, presenceService, typingService, cfg.AllowedOrigins, logger)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	router.GET("/health", handlers.HealthCheck(redisClient, cfg.NodeID))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	auth := middleware.Auth(middleware.NewJWTVerifier(cfg.JWTSecret))
	router.GET("/ws", auth, wsHandler.Serve)

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(auth)
	{
		presence := v1.Group("/presence")
		{
			presence.POST("/heartbeat", presenceHandler.Heartbeat)
			presence.PUT("/subscriptions", presenceHandler.SyncSubscriptions)
			presence.GET("/subscriptions", presenceHandler.GetSubscriptions)
			presence.POST("/batch", presenceHandler.BatchPresence)
			presence.PUT("/privacy", presenceHandler.SetPrivacy)
			presence.PUT("/status", presenceHandler.SetStatus)
			presence.GET("/online", presenceHandler.GetOnlineUsers)
		}

		conversations := v1.Group("/conversations")
		{
			conversations.POST("/:id/typing", typingHandler.StartTyping)
			conversations.DELETE("/:id/typing", typingHandler.StopTyping)
			conversations.GET("/:id/typing", typingHandler.GetTyping)
			conversations.DELETE("/:id/typing/all", typingHandler.ClearTyping)
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting Presence Service", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown does not track hijacked websocket connections.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	connections.CloseAll()

	reconciler.Stop()
	presenceService.Close()
	events.Stop()
	if err := invalidator.Close(); err != nil {
		logger.Error("Failed to close invalidation bus", "error", err)
	}
	stopRun()

	if err := redisClient.Close(); err != nil {
		logger.Error("Failed to close Redis connection", "error", err)
	}
	if err := db.Close(database); err != nil {
		logger.Error("Failed to close database", "error", err)
	}

	logger.Info("Server exited")
}

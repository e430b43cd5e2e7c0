package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradefeed/internal/cache"
	"tradefeed/internal/config"
	"tradefeed/internal/lifecycle"
	"tradefeed/internal/metrics"
	"tradefeed/internal/models"
	"tradefeed/internal/pubsub"
	"tradefeed/internal/quotes"
	"tradefeed/internal/subscription"
	"tradefeed/internal/token"
	"tradefeed/internal/ws"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	startTime = time.Now()
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting Trade Feed Service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	// Set log level
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	// Initialize Redis
	logger.Info("Connecting to Redis...")
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis: ", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected successfully")

	// Initialize cache and pub/sub
	quoteCache := cache.NewQuoteCache(redisClient, logger)
	publisher := pubsub.NewPublisher(redisClient, cfg.Redis.PubSubChannel, logger)

	// Initialize quote reconciler
	reconciler := quotes.NewReconciler(quoteCache, publisher, cfg.Cache.QuoteTTL, logger)

	// Initialize session store and token broker
	store := lifecycle.NewSessionStore()
	broker := token.NewBroker(cfg, store.Get, logger)

	// Initialize connection manager and subscription registry
	manager := ws.NewManager(cfg.Websocket, logger)
	registry := subscription.NewRegistry(manager, reconciler, logger)

	// Initialize lifecycle coordinator
	coordinator := lifecycle.NewCoordinator(cfg, store, broker, manager, registry, logger)

	// Start HTTP server for health checks and metrics
	go startHTTPServer(cfg, logger, manager, registry, reconciler)

	// Establish the session from the configured credentials
	if err := coordinator.Login(ctx, models.Session{
		AccessToken: cfg.API.AccessToken,
		TokenType:   cfg.API.TokenType,
	}); err != nil {
		logger.WithError(err).Fatal("Failed to establish session")
	}

	if cfg.API.WatchlistID != "" {
		if err := coordinator.EnterTradingView(ctx, cfg.API.WatchlistID); err != nil {
			logger.WithError(err).Error("Failed to enter trading view")
		}
	}

	logger.Infof("Trade Feed Service v%s started successfully", version)
	logger.Infof("HTTP server listening on :%d", cfg.Server.HTTPPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal")

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coordinator.Logout(shutdownCtx)

	logger.Info("Shutdown complete")
}

func startHTTPServer(
	cfg *config.Config,
	logger *logrus.Logger,
	manager *ws.Manager,
	registry *subscription.Registry,
	reconciler *quotes.Reconciler,
) {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"healthy":true,"version":"%s","uptime_seconds":%d,"connection":"%s","subscriptions":%d,"quote_updates_per_second":%.2f}`,
			version, int64(time.Since(startTime).Seconds()), manager.State(), len(registry.Channels()),
			metrics.GetQuoteUpdatesPerSecond())
	})

	// Latest quotes snapshot
	mux.HandleFunc("/api/v1/quotes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reconciler.Quotes()); err != nil {
			logger.WithError(err).Warn("Failed to encode quotes response")
		}
	})

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	logger.Infof("HTTP server starting on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("HTTP server failed: ", err)
	}
}

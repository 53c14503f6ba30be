package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"retail-notifications-api/internal/cache"
	"retail-notifications-api/internal/cart"
	"retail-notifications-api/internal/commerce"
	"retail-notifications-api/internal/config"
	"retail-notifications-api/internal/database"
	"retail-notifications-api/internal/events"
	"retail-notifications-api/internal/features"
	"retail-notifications-api/internal/handler"
	"retail-notifications-api/internal/locks"
	"retail-notifications-api/internal/messaging"
	"retail-notifications-api/internal/middleware"
	"retail-notifications-api/internal/orderstatus"
	"retail-notifications-api/internal/scheduler"
	"retail-notifications-api/internal/tracing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file")
	tracingEndpoint := flag.String("tracing-endpoint", "", "Jaeger collector endpoint (disables tracing when empty)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize tracing
	tracer, err := tracing.InitTracing(tracing.Config{
		Enabled:     *tracingEndpoint != "",
		Endpoint:    *tracingEndpoint,
		ServiceName: "retail-notifications-api",
		Environment: getEnvOr("ENVIRONMENT", "development"),
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	_ = tracer
	defer tracing.Shutdown(context.Background())

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Coordination store: redis when configured, in-process otherwise.
	var locker locks.Locker
	var store cache.Cache
	if cfg.Redis.Addr != "" {
		redisLocker, err := locks.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect lock store: %v", err)
		}
		defer redisLocker.Close()
		locker = redisLocker

		redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect cache: %v", err)
		}
		defer redisCache.Close()
		store = redisCache
	} else {
		log.Println("No REDIS_ADDR configured, using in-process locks and cache")
		locker = locks.NewMemoryLocker()
		store = cache.NewInMemoryCache()
	}

	// Outbound clients
	timeout := time.Duration(cfg.Platform.TimeoutSeconds) * time.Second
	commerceClient := commerce.NewHTTPClient(cfg.Platform.CommerceToken, timeout)
	broadcast := messaging.NewHTTPBroadcastSender(cfg.Platform.FlowsBaseURL, cfg.Platform.ServiceToken, timeout)
	actions := messaging.NewHTTPCodeActionRunner(cfg.Platform.CodeActionsBaseURL, cfg.Platform.ServiceToken, timeout)
	agents := messaging.NewHTTPAgentWebhookInvoker(cfg.Platform.AgentsBaseURL, cfg.Platform.ServiceToken, timeout)

	flags := features.NewManager()
	features.RegisterDefaults(flags)
	defer flags.Shutdown()

	eventManager := events.NewManager(flags.IsEnabled(features.FeatureEventHooksEnabled))
	eventManager.SubscribeLogging()
	defer eventManager.Shutdown()

	// Pipeline services. The scheduler's handler is the cart service's
	// evaluation entry point, so the scheduler is attached after both exist.
	cartService := cart.NewService(cart.Deps{
		DB:               db,
		Locker:           locker,
		Commerce:         commerceClient,
		Cache:            store,
		Broadcast:        broadcast,
		Actions:          actions,
		Agents:           agents,
		Events:           eventManager,
		DefaultCountdown: time.Duration(cfg.Notifications.DefaultCountdownMinutes) * time.Minute,
	})
	jobScheduler := scheduler.NewMemoryScheduler(cartService.Evaluate)
	defer jobScheduler.Stop()
	cartService.SetScheduler(jobScheduler)

	orderService := orderstatus.NewService(db, commerceClient, store, broadcast)

	// Initialize handlers
	h := handler.NewHandlerWithOptions(db, cartService, orderService, handler.NewHandlerOptions{
		MaxBodySize:      cfg.Security.MaxRequestBodySize,
		BlockedAgentUUID: cfg.Notifications.BlockedAgentUUID,
		Features:         flags,
	})

	// Initialize rate limiter
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
	defer rateLimiter.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware())

	if cfg.RateLimit.Enabled {
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Security.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Routes
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/cart", h.CartNotification)
		r.Post("/order-status", h.OrderStatus)
	})

	r.Get("/health", h.Health)

	// Start server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Starting HTTP server on %s", addr)
	log.Printf("Database: %s", cfg.Database.Path)
	log.Printf("Rate limit: %d requests per %d seconds", cfg.RateLimit.Rate, cfg.RateLimit.Window)

	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down server...")
		if err := server.Close(); err != nil {
			log.Printf("Error closing server: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

func getEnvOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

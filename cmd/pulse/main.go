package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jmallet/pulse/internal/api"
	"github.com/jmallet/pulse/internal/auth"
	"github.com/jmallet/pulse/internal/circuitbreaker"
	"github.com/jmallet/pulse/internal/config"
	"github.com/jmallet/pulse/internal/delivery"
	"github.com/jmallet/pulse/internal/metrics"
	"github.com/jmallet/pulse/internal/notification"
	"github.com/jmallet/pulse/internal/observ"
	"github.com/jmallet/pulse/internal/redis"
	"github.com/jmallet/pulse/internal/registry"
	"github.com/jmallet/pulse/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pulse",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := store.NewDB(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	notificationStore := store.NewPostgres(database, logger)

	// Redis backs tenant rate limiting and idempotent submission. The
	// service degrades to neither rather than refusing to start.
	var (
		idempotencyService *redis.IdempotencyService
		rateLimiter        *redis.RateLimiter
	)
	if cfg.RedisEnabled {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and tenant rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			idempotencyService = redis.NewIdempotencyService(redisClient, logger)
			rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.TenantRateLimit,
				Window: cfg.TenantRateWindow,
			})
		}
	}

	resolver := auth.NewJWTResolver(cfg.JWTSecret, logger)

	reg := registry.New(resolver, registry.Config{
		MaxSessionsPerUser:   cfg.MaxSessionsPerUser,
		MaxSessionsPerTenant: cfg.MaxSessionsPerTenant,
		FrameLimit:           cfg.FrameRateLimit,
		FrameWindow:          cfg.FrameRateWindow,
		RateLimitCooldown:    cfg.FrameRateCooldown,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
	}, logger)

	background, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	go reg.Run(background)

	// The in-app channel pushes through the registry. Email and webhook
	// run as log adapters behind circuit breakers until real providers
	// are plugged in.
	inApp := delivery.NewInAppAdapter(reg, logger)
	email := circuitbreaker.Protect(
		delivery.NewLogAdapter(notification.ChannelEmail, logger),
		circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger),
		logger,
	)
	webhook := circuitbreaker.Protect(
		delivery.NewLogAdapter(notification.ChannelWebhook, logger),
		circuitbreaker.New(circuitbreaker.DefaultConfig("webhook"), logger),
		logger,
	)

	coordinator := delivery.New(notificationStore, delivery.Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
	}, logger, inApp, email, webhook)

	go coordinator.Run(background)

	logger.Info("background loops started",
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Duration("heartbeat_interval", cfg.HeartbeatInterval),
	)

	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, coordinator, idempotencyService)
	} else {
		handler = api.NewHandler(logger, coordinator)
	}
	streamHandler := api.NewStreamHandler(reg, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		// The stream stays open for the session's lifetime, so the
		// request timeout applies only to the plain API routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TenantKeyFunc))

			r.Post("/notifications", handler.CreateNotification)
			r.Get("/notifications/{id}", handler.GetNotification)
			r.Post("/notifications/{id}/read", handler.MarkRead)
			r.Post("/notifications/{id}/clicks", handler.TrackClick)

			r.Post("/stream/{session_id}/frames", streamHandler.Frames)
		})

		r.Get("/stream", streamHandler.Stream)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop the poll and heartbeat loops, then drain requests.
		cancelBackground()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

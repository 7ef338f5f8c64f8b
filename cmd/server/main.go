package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roomchat/internal/chat"
	"roomchat/internal/config"
	"roomchat/internal/db"
	"roomchat/internal/logging"
	myMiddleware "roomchat/internal/middleware"
	"roomchat/internal/notify"
	"roomchat/internal/user"
)

func main() {
	// 1. Config & logging
	cfg := config.Load()
	logger := logging.New(cfg.IsDevelopment(), cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Database
	database, err := db.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer database.Close()
	logger.Info().Msg("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	logger.Info().Msg("database schema initialized")

	store := chat.NewRepository(database.Conn)
	// Nobody is connected yet; clear presence left by a previous process.
	reset, err := store.ResetPresence(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("reset member presence")
	}
	logger.Info().Int64("members", reset).Msg("member presence reset")

	// 3. Redis is optional: without it personal events stay on this instance
	// and pushes are only logged.
	redisClient, err := connectRedis(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	if redisClient != nil {
		defer redisClient.Close()
		logger.Info().Msg("connected to Redis")
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, running single-instance")
	}

	// 4. Users
	userService := user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret)
	userHandler := user.NewHandler(userService, logger)

	// 5. Chat
	var sink notify.Sink = notify.NewLogSink(logger)
	if redisClient != nil {
		sink = notify.NewRedisSink(redisClient)
	}
	dispatcher := notify.NewDispatcher(sink, cfg.PushWorkers, cfg.PushBuffer, logger)
	dispatcher.Start()

	hub := chat.NewHub(redisClient, logger)
	tracker := chat.NewReadTracker(store, cfg.JoinReadWindow, logger)
	gateway := chat.NewGateway(store, tracker, hub, dispatcher, chat.GatewayConfig{
		QueueSize:      cfg.RoomQueueSize,
		MaxMessageSize: cfg.MaxMessageSize,
		RatePerSecond:  cfg.RateLimitPerSecond,
		RateBurst:      cfg.RateLimitBurst,
	}, logger)
	chatHandler := chat.NewHandler(store, gateway, cfg.HistoryLimit, cfg.AllowedOrigins, logger)

	go hub.Run()
	go hub.SubscribeToRedis(ctx)

	// 6. Routes
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(myMiddleware.Logger(logger))
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Conn.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		chatHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("starting chat server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server...")
	shutdown(cfg.ShutdownTimeout, logger, srv, gateway, hub, dispatcher)
	logger.Info().Msg("server stopped")
}

func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	var opts *redis.Options
	switch {
	case cfg.RedisURL != "":
		parsed, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		opts = parsed
	case cfg.RedisAddr != "":
		opts = &redis.Options{Addr: cfg.RedisAddr}
	default:
		return nil, nil
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// shutdown stops intake first, then lets room workers finish and marks the
// members still connected offline, then closes sockets and flushes queued
// pushes.
func shutdown(timeout time.Duration, logger zerolog.Logger, srv *http.Server, gateway *chat.Gateway, hub *chat.Hub, dispatcher *notify.Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := gateway.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("gateway shutdown")
	}
	if err := hub.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("hub shutdown")
	}
	if err := dispatcher.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("push dispatcher shutdown")
	}
}

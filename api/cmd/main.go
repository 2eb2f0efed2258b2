package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baechuer/confbook/internal/audit"
	"github.com/baechuer/confbook/internal/config"
	"github.com/baechuer/confbook/internal/infrastructure/postgres"
	"github.com/baechuer/confbook/internal/infrastructure/rabbitmq"
	"github.com/baechuer/confbook/internal/infrastructure/redis"
	"github.com/baechuer/confbook/internal/pkg/logger"
	"github.com/baechuer/confbook/internal/service"
	"github.com/baechuer/confbook/internal/transport/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "confbook").
		Str("env", cfg.AppEnv).
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	repo := postgres.New(dbPool, cfg.ConfirmationWindow)

	// ---- Redis ----
	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.CacheConferenceTTL)
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()

		// Best-effort ping; the cache is an accelerator, not a dependency
		if err := cache.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	// ---- RabbitMQ ----
	bus, err := rabbitmq.NewBus(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbitmq connect failed")
	}
	defer bus.Close()
	log.Info().Msg("rabbitmq connected")

	// ---- Application service ----
	aud := audit.New(logger.Logger)
	svc := service.NewBookingService(repo, cache, bus, aud)
	h := rest.NewHandler(svc)
	health := rest.NewHealthHandler(repo, cache)

	// ---- Router ----
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Handler:          h,
		Health:           health,
		Cache:            cache,
		RateLimitEnabled: cfg.RLEnabled,
		RateLimitMax:     cfg.RLLimit,
		RateLimitWindow:  cfg.RLWindow,
	})

	// ---- Timer consumer (expired confirmations + conference starts) ----
	// Declares the broker topology, so it starts before the outbox relay.
	consumer := rabbitmq.NewConsumer(cfg.RabbitURL, repo, bus, aud)
	if err := consumer.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("timer consumer start failed")
	}

	// ---- Outbox relay (delayed timer events) ----
	if cfg.OutboxEnabled {
		repo.StartOutboxRelay(rootCtx, cfg.RabbitURL, cfg.OutboxInterval, aud)
		log.Info().Msg("outbox relay started")
	}

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}

// Command server runs the chat backend HTTP service.
//
// Startup order: env + config, logging, tracing, storage (SQLite + Redis),
// protection layer (breakers, session manager, deduplicator, rate limiter),
// upstream model client, router, then the HTTP server with graceful shutdown.
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
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/streamguard/go-chat-backend/internal/breaker"
	"github.com/streamguard/go-chat-backend/internal/config"
	"github.com/streamguard/go-chat-backend/internal/dedup"
	httpapi "github.com/streamguard/go-chat-backend/internal/http"
	"github.com/streamguard/go-chat-backend/internal/observability"
	"github.com/streamguard/go-chat-backend/internal/ratelimit"
	"github.com/streamguard/go-chat-backend/internal/repo"
	"github.com/streamguard/go-chat-backend/internal/session"
	"github.com/streamguard/go-chat-backend/internal/store"
	"github.com/streamguard/go-chat-backend/internal/sysutil"
	"github.com/streamguard/go-chat-backend/internal/upstream"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	// SQLite
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("sqlite open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("auto-migrate failed")
	}

	// Redis
	rds, err := store.OpenRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis open failed")
	}
	defer func() { _ = rds.Close() }()

	// Protection layer: one breaker per external dependency.
	redisBrk := breaker.New(breaker.Options{
		Name:             "redis",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Timeout:          cfg.Breaker.RecoveryTimeout,
		HalfOpenMax:      cfg.Breaker.HalfOpenMax,
	})
	upstreamBrk := breaker.New(breaker.Options{
		Name:             "upstream",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Timeout:          cfg.Breaker.RecoveryTimeout,
		HalfOpenMax:      cfg.Breaker.HalfOpenMax,
	})

	sessions := session.NewManager(rds, cfg.SessionTTL)
	deduper := dedup.New(rds, cfg.DedupLockTTL, cfg.IdempotencyTTL)
	limiter := ratelimit.New(rds, redisBrk,
		ratelimit.Config{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window,
		},
		ratelimit.LockoutConfig{
			Threshold: cfg.RateLimit.LockoutAttempts,
			Duration:  cfg.RateLimit.LockoutDuration,
		})

	completer := upstream.New(upstream.Config{
		APIKey:            cfg.Upstream.APIKey,
		BaseURL:           cfg.Upstream.BaseURL,
		Model:             cfg.Upstream.Model,
		MaxRetries:        cfg.Upstream.MaxRetries,
		RequestsPerSecond: cfg.Upstream.RPS,
		Temperature:       cfg.Upstream.Temperature,
		Breaker:           upstreamBrk,
	})

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:       db,
		Sessions: sessions,
		Dedup:    deduper,
		Limiter:  limiter,
		Upstream: completer,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("server stopped")
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenboard/asyncevents/internal/app/migrate"
	httpx "github.com/lumenboard/asyncevents/internal/http"
	"github.com/lumenboard/asyncevents/internal/metrics"
	"github.com/lumenboard/asyncevents/internal/repository/postgres"
	"github.com/lumenboard/asyncevents/internal/service/auth"
	"github.com/lumenboard/asyncevents/internal/service/events"
	"github.com/lumenboard/asyncevents/internal/stream"
	"github.com/lumenboard/asyncevents/internal/ws"
	"github.com/lumenboard/asyncevents/pkg/config"
	"github.com/lumenboard/asyncevents/pkg/logger"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("async-events-api", logger.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	metrics.Init()

	store, err := stream.New(cfg)
	if err != nil {
		log.Error("failed to connect to stream store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	repo := postgres.New(pool)
	hub := ws.NewHub()

	authSvc, err := auth.New(repo, log, cfg)
	if err != nil {
		log.Error("failed to configure auth service", "error", err)
		os.Exit(1)
	}
	eventsSvc, err := events.New(store, log, cfg)
	if err != nil {
		log.Error("failed to configure events service", "error", err)
		os.Exit(1)
	}

	if cfg.Transport != config.TransportPolling {
		listener := events.NewListener(eventsSvc, hub, cfg.Transport, log)
		go listener.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	build := httpx.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate}
	router := httpx.NewRouter(log, authSvc, eventsSvc, hub, limiter, cfg, build, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting",
			"addr", cfg.Addr,
			"transport", cfg.Transport,
			"version", Version,
			"commit", Commit,
		)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

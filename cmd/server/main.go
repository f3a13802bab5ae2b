// Package main is the entrypoint for the PredictQ API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/predictq/internal/api"
	"github.com/kiranshivaraju/predictq/internal/api/handler"
	mw "github.com/kiranshivaraju/predictq/internal/api/middleware"
	"github.com/kiranshivaraju/predictq/internal/api/response"
	"github.com/kiranshivaraju/predictq/internal/batch"
	"github.com/kiranshivaraju/predictq/internal/breaker"
	"github.com/kiranshivaraju/predictq/internal/cache"
	"github.com/kiranshivaraju/predictq/internal/config"
	"github.com/kiranshivaraju/predictq/internal/predictor"
	"github.com/kiranshivaraju/predictq/internal/store"
	"github.com/kiranshivaraju/predictq/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Batch.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create prediction backend client and circuit breaker
	backend := predictor.NewHTTPClient(cfg.Predictor)
	brk := breaker.New(cfg.Breaker)
	slog.Info("prediction backend configured", "backend", backend.Name(), "base_url", cfg.Predictor.BaseURL)

	// 6. Create store, scheduler, and batch service
	pgStore := store.NewPostgresStore(pool)

	scheduler := batch.NewScheduler(pgStore, backend, brk, redisCache, cfg.Batch)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	svc := batch.NewService(pgStore, redisCache, scheduler)

	// 7. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:      healthHandler(pgStore, redisCache, backend),
		CreateBatchHandler: handler.NewCreateBatchHandler(svc),
		StartBatchHandler:  handler.NewStartBatchHandler(svc),
		CancelBatchHandler: handler.NewCancelBatchHandler(svc),
		GetBatchHandler:    handler.NewGetBatchHandler(svc),
		ListBatchesHandler: handler.NewListBatchesHandler(svc),
		ModelInfoHandler:   handler.NewModelInfoHandler(backend),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database, cache, and prediction backend connectivity.
func healthHandler(s store.Store, c cache.Cache, p models.Predictor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"backend":  "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := p.HealthCheck(r.Context()); err != nil {
			checks["backend"] = "degraded"
		}

		degraded := false
		for _, v := range checks {
			if v != "ok" {
				degraded = true
				break
			}
		}
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

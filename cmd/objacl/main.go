package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/objacl/objacl/internal/acl"
	"github.com/objacl/objacl/internal/app"
	"github.com/objacl/objacl/internal/audit"
	"github.com/objacl/objacl/internal/observability"
	"github.com/objacl/objacl/internal/platform/cache"
	"github.com/objacl/objacl/internal/platform/db"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, running uncached", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := audit.NewLogger(pool)

	aclRepo := acl.NewRepository(pool)
	aclCache := acl.NewCache(redisClient, cfg.CacheTTL)
	aclService := acl.NewService(aclRepo, aclCache, logger, auditLogger)
	evaluator := acl.NewEvaluator(aclService, logger, auditLogger, metrics)
	aclMiddleware := acl.Middleware{Evaluator: evaluator, Logger: logger}
	aclHandler := acl.NewHandler(logger, aclService, evaluator)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		ACLHandler:    aclHandler,
		ACLMiddleware: aclMiddleware,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
	}
	logger.Info("server stopped")
}

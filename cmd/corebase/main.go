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

	"github.com/tesfayekb/core-base/internal/app"
	"github.com/tesfayekb/core-base/internal/audit"
	"github.com/tesfayekb/core-base/internal/authz"
	"github.com/tesfayekb/core-base/internal/grants"
	"github.com/tesfayekb/core-base/internal/invalidate"
	"github.com/tesfayekb/core-base/internal/observability"
	"github.com/tesfayekb/core-base/internal/platform/cache"
	"github.com/tesfayekb/core-base/internal/platform/db"
	"github.com/tesfayekb/core-base/internal/resolve"
	"github.com/tesfayekb/core-base/internal/tenant"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	metrics := observability.NewMetrics()
	emitter := audit.NewRecorder(dbpool, logger)

	var resolutionCache resolve.Cache
	switch cfg.CacheBackend {
	case "redis":
		redisClient, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		resolutionCache = resolve.NewRedisCache(redisClient, cfg.CacheTTL, logger)
	default:
		resolutionCache = resolve.NewMemoryCache(cfg.CacheMaxEntries, cfg.CacheTTL)
	}

	repo := grants.NewRepository(dbpool)
	coordinator := invalidate.NewCoordinator(resolutionCache, repo, emitter,
		invalidate.NewMetrics(metrics.Registerer()), logger)
	resolver := resolve.NewResolver(resolve.Config{
		Source:             repo,
		Cache:              resolutionCache,
		Emitter:            emitter,
		Metrics:            resolve.NewMetrics(metrics.Registerer()),
		Logger:             logger,
		SensitiveResources: cfg.SensitiveResourceList(),
	})
	grantsService := grants.NewService(repo, coordinator, logger)
	tenantStore := tenant.NewStore(dbpool, coordinator)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		AuthzHandler:  authz.NewHandler(logger, resolver),
		GrantsHandler: grants.NewHandler(logger, grantsService),
		TenantHandler: tenant.NewHandler(logger, tenantStore),
		Require:       authz.Middleware{Resolver: resolver, Logger: logger},
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

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

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/tesfayekb/core-base/internal/app"
	"github.com/tesfayekb/core-base/internal/audit"
	"github.com/tesfayekb/core-base/internal/grants"
	"github.com/tesfayekb/core-base/internal/invalidate"
	"github.com/tesfayekb/core-base/internal/platform/cache"
	"github.com/tesfayekb/core-base/internal/platform/db"
	"github.com/tesfayekb/core-base/internal/resolve"
	"github.com/tesfayekb/core-base/internal/tenant"
	"github.com/tesfayekb/core-base/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The worker evicts through the shared redis cache; per-process memory
	// caches in the API replicas cannot be reached from here, which is why
	// expiry-sensitive deployments run the redis backend.
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

	resolutionCache := resolve.NewRedisCache(redisClient, cfg.CacheTTL, logger)
	repo := grants.NewRepository(pool)
	emitter := audit.NewRecorder(pool, logger)
	coordinator := invalidate.NewCoordinator(resolutionCache, repo, emitter, nil, logger)
	tenantStore := tenant.NewStore(pool, coordinator)
	sweeper := jobs.NewGrantSweeper(tenantStore, repo, coordinator, logger)

	sweepTask, err := jobs.NewGrantSweepTask(jobs.GrantSweepPayload{Lookback: 2 * cfg.GrantSweepInterval})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	inspector := asynq.NewInspector(redisOpts)
	router := chi.NewRouter()
	router.Route("/jobs", jobs.NewHandler(inspector, logger).MountRoutes)
	healthServer := &http.Server{Addr: cfg.WorkerAddr, Handler: router}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker health server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthServer.Shutdown(shutdownCtx)
	}()

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskGrantSweep, Handler: sweeper.HandleTask},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every " + cfg.GrantSweepInterval.String(), Task: sweepTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

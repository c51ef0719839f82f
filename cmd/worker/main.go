package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/trustcore/internal/app"
	"github.com/odyssey-erp/trustcore/internal/audit"
	jobmetrics "github.com/odyssey-erp/trustcore/internal/jobs"
	"github.com/odyssey-erp/trustcore/internal/platform/cache"
	"github.com/odyssey-erp/trustcore/internal/platform/db"
	"github.com/odyssey-erp/trustcore/internal/rbac"
	"github.com/odyssey-erp/trustcore/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ApplicationName: "trustcore-worker"})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	core, err := app.NewCore(ctx, cfg, logger, app.CoreDeps{
		RBACStore:       rbac.NewRepository(pool),
		AuditStore:      audit.NewRepository(pool),
		PermissionCache: rbac.NewRedisCache(redisClient, cfg.RBACCacheTTL),
	})
	if err != nil {
		logger.Error("init core", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)
	integrityJob := jobs.NewIntegrityCheckJob(core.Integrity, logger, metrics)
	scanJob := jobs.NewSecurityScanJob(core.Analyzer, logger, metrics)
	retentionJob := jobs.NewRetentionJob(core.Timeline, cfg.AuditRetention, logger, metrics)

	integrityTask, err := jobs.NewIntegrityCheckTask(jobs.IntegrityCheckPayload{})
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	scanTask, err := jobs.NewSecurityScanTask(jobs.SecurityScanPayload{})
	if err != nil {
		logger.Error("build security scan task", slog.Any("error", err))
		os.Exit(1)
	}
	retentionTask, err := jobs.NewRetentionTask(jobs.RetentionPayload{})
	if err != nil {
		logger.Error("build retention task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditIntegrityCheck, Handler: integrityJob.Handle},
			{Type: jobs.TaskSecurityScan, Handler: scanJob.Handle},
			{Type: jobs.TaskAuditRetention, Handler: retentionJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AuditIntegritySchedule, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.SecurityScanSchedule, Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.AuditRetentionSchedule, Task: retentionTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("starting worker")
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

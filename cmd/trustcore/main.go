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

	"github.com/odyssey-erp/trustcore/internal/app"
	"github.com/odyssey-erp/trustcore/internal/audit"
	audithttp "github.com/odyssey-erp/trustcore/internal/audit/http"
	"github.com/odyssey-erp/trustcore/internal/observability"
	"github.com/odyssey-erp/trustcore/internal/platform/cache"
	"github.com/odyssey-erp/trustcore/internal/platform/db"
	"github.com/odyssey-erp/trustcore/internal/rbac"
	securityhttp "github.com/odyssey-erp/trustcore/internal/security/http"
	"github.com/odyssey-erp/trustcore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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
	slog.SetDefault(logger)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ApplicationName: "trustcore"})
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

	permCache := rbac.NewRedisCache(redisClient, cfg.RBACCacheTTL)
	auditRepo := audit.NewRepository(pool)
	core, err := app.NewCore(ctx, cfg, logger, app.CoreDeps{
		RBACStore:       rbac.NewRepository(pool),
		AuditStore:      auditRepo,
		PermissionCache: permCache,
	})
	if err != nil {
		logger.Error("init core", slog.Any("error", err))
		os.Exit(1)
	}
	if err := permCache.ListenForInvalidation(ctx, core.RBAC.Reload); err != nil {
		logger.Warn("rbac invalidation listener", slog.Any("error", err))
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		RBACHandler:     rbac.NewHandler(logger, core.RBAC, core.Authorizer, core.Guard),
		AuditHandler:    audithttp.NewHandler(logger, core.Timeline, core.Integrity, auditRepo, core.Recorder, core.Guard),
		SecurityHandler: securityhttp.NewHandler(logger, core.Analyzer, core.Guard),
		JobHandler:      jobs.NewHandler(inspector, logger),
		RBACMiddleware:  core.Guard,
		Metrics:         observability.NewMetrics(),
		Readiness: map[string]app.ReadinessCheck{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

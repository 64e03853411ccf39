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

	"github.com/hibiken/asynq"

	"github.com/temple-erp/temple-erp/internal/ap"
	"github.com/temple-erp/temple-erp/internal/app"
	"github.com/temple-erp/temple-erp/internal/integration"
	jobmetrics "github.com/temple-erp/temple-erp/internal/jobs"
	"github.com/temple-erp/temple-erp/internal/observability"
	"github.com/temple-erp/temple-erp/internal/platform/db"
	"github.com/temple-erp/temple-erp/internal/shared"
	"github.com/temple-erp/temple-erp/internal/supplier"
	"github.com/temple-erp/temple-erp/jobs"
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

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{AppName: "temple-worker", MaxConns: int32(cfg.MigrationConcurrency + 2)})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	queue, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer queue.Close()

	auditLogger := shared.NewAuditLogger(pool)
	ledgerClient := integration.NewLedgerClient(cfg.AccountingURL, cfg.AccountingToken, cfg.AccountingTimeout)
	payables := ap.NewService(ap.NewRepository(pool), supplier.NewService(supplier.NewRepository(pool), auditLogger), logger, cfg.PayablesConfig())
	payables.SetAccounting(integration.NewHooks(ledgerClient, cfg.Accounts()))
	payables.SetAudit(auditLogger)
	payables.SetNotifier(jobs.NewNotifier(queue, cfg.NotifyEmail, logger, jobMetrics))
	payables.SetMetrics(metrics)

	migrationJob := jobs.NewMigrationRetryJob(payables, logger, jobMetrics)
	cleanupJob := &jobs.IdempotencyCleanupJob{
		Store:     shared.NewIdempotencyStore(pool),
		Retention: cfg.IdempotencyRetention,
		Logger:    logger,
		Metrics:   jobMetrics,
	}

	retryTask, err := jobs.NewMigrationRetryTask(time.Now().UTC())
	if err != nil {
		logger.Error("build migration retry task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Mailer:      jobs.LogMailer{Logger: logger},
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskMigrationRetry, Handler: migrationJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.MigrationRetryCron, Task: retryTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 3 * * *", Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

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

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/temple-erp/temple-erp/cmd/temple/cli"
	"github.com/temple-erp/temple-erp/internal/ap"
	"github.com/temple-erp/temple-erp/internal/app"
	"github.com/temple-erp/temple-erp/internal/delivery"
	"github.com/temple-erp/temple-erp/internal/integration"
	"github.com/temple-erp/temple-erp/internal/inventory"
	jobmetrics "github.com/temple-erp/temple-erp/internal/jobs"
	"github.com/temple-erp/temple-erp/internal/observability"
	"github.com/temple-erp/temple-erp/internal/platform/cache"
	"github.com/temple-erp/temple-erp/internal/platform/db"
	"github.com/temple-erp/temple-erp/internal/procurement"
	"github.com/temple-erp/temple-erp/internal/rbac"
	"github.com/temple-erp/temple-erp/internal/sales"
	"github.com/temple-erp/temple-erp/internal/shared"
	"github.com/temple-erp/temple-erp/internal/supplier"
	"github.com/temple-erp/temple-erp/jobs"
)

const usage = `usage: temple [serve|migrate|session <user-id> <role>|trigger <job>|queue]`

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

	command := "serve"
	var args []string
	if len(os.Args) > 1 {
		command, args = os.Args[1], os.Args[2:]
	}

	switch command {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = migrate(ctx, cfg, logger)
	case "session":
		err = issueSession(ctx, cfg, args)
	case "trigger", "queue":
		err = manageJobs(ctx, cfg, command, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(command, slog.Any("error", err))
		os.Exit(1)
	}
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{AppName: "temple-migrate", MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := db.ApplySchema(ctx, pool); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}

func issueSession(ctx context.Context, cfg *app.Config, args []string) error {
	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer client.Close()
	token, err := cli.IssueSession(ctx, shared.NewSessionStore(client, cfg.SessionTTL), args)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func manageJobs(ctx context.Context, cfg *app.Config, command string, args []string) error {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer jobsCLI.Close()
	if command == "queue" {
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
		return nil
	}
	if len(args) != 1 {
		return errors.New(usage)
	}
	info, err := jobsCLI.Trigger(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s id=%s\n", info.Type, info.ID)
	return nil
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{AppName: "temple-api"})
	if err != nil {
		return err
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		return err
	}
	defer queue.Close()
	notifier := jobs.NewNotifier(queue, cfg.NotifyEmail, logger, jobMetrics)

	sessions := shared.NewSessionStore(redisClient, cfg.SessionTTL)
	locker := shared.NewLocker(redisClient, cfg.LockTTL)
	rbacMiddleware := rbac.Middleware{Resolver: sessions, Logger: logger}

	auditLogger := shared.NewAuditLogger(dbpool)
	approvalRecorder := shared.NewApprovalRecorder(dbpool, logger)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	ledgerClient := integration.NewLedgerClient(cfg.AccountingURL, cfg.AccountingToken, cfg.AccountingTimeout)
	hooks := integration.NewHooks(ledgerClient, cfg.Accounts())
	if err := ledgerClient.Ping(ctx); err != nil {
		logger.Warn("accounting unreachable, invoices will queue for migration retry", slog.Any("error", err))
	}

	supplierService := supplier.NewService(supplier.NewRepository(dbpool), auditLogger)
	inventoryService := inventory.NewService(inventory.NewRepository(dbpool), auditLogger, cfg.InventoryConfig())

	payables := ap.NewService(ap.NewRepository(dbpool), supplierService, logger, cfg.PayablesConfig())
	payables.SetAccounting(hooks)
	payables.SetIdempotency(idempotencyStore)
	payables.SetApprovals(approvalRecorder)
	payables.SetAudit(auditLogger)
	payables.SetNotifier(notifier)
	payables.SetMetrics(metrics)

	procurementService := procurement.NewService(procurement.NewRepository(dbpool), payables, inventoryService, supplierService, logger)
	procurementService.SetApprovals(approvalRecorder)
	procurementService.SetAudit(auditLogger)
	procurementService.SetNotifier(notifier)
	procurementService.SetMetrics(metrics)

	salesService := sales.NewService(sales.NewRepository(dbpool), auditLogger)
	salesService.SetMetrics(metrics)

	deliveryService := delivery.NewService(delivery.NewRepository(dbpool), salesService, inventoryService, logger)
	deliveryService.SetAudit(auditLogger)
	deliveryService.SetNotifier(notifier)
	deliveryService.SetMetrics(metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		RBACMiddleware:     rbacMiddleware,
		Sessions:           sessions,
		ProcurementHandler: procurement.NewHandler(logger, procurementService, locker, rbacMiddleware),
		PayablesHandler:    ap.NewHandler(logger, payables, locker, rbacMiddleware),
		SupplierHandler:    supplier.NewHandler(logger, supplierService, rbacMiddleware),
		InventoryHandler:   inventory.NewHandler(logger, inventoryService, rbacMiddleware),
		SalesHandler:       sales.NewHandler(logger, salesService, locker, rbacMiddleware),
		DeliveryHandler:    delivery.NewHandler(logger, deliveryService, locker, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		Readiness:          readiness(dbpool, redisClient),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func readiness(pool *pgxpool.Pool, client *redis.Client) map[string]app.Pinger {
	return map[string]app.Pinger{
		"postgres": app.PingFunc(pool.Ping),
		"redis": app.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}),
	}
}

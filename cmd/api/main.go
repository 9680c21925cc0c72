package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sokoflow/backend/cmd/mainconfig"
	"github.com/sokoflow/backend/internal/audit"
	"github.com/sokoflow/backend/internal/catalog"
	appconfig "github.com/sokoflow/backend/internal/config"
	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/handoff"
	"github.com/sokoflow/backend/internal/httpapi"
	"github.com/sokoflow/backend/internal/jobs"
	"github.com/sokoflow/backend/internal/notify"
	"github.com/sokoflow/backend/internal/observability/metrics"
	"github.com/sokoflow/backend/internal/payments"
	"github.com/sokoflow/backend/internal/rbac"
	"github.com/sokoflow/backend/internal/secrets"
	"github.com/sokoflow/backend/internal/tenant"
	"github.com/sokoflow/backend/internal/webhook"
	"github.com/sokoflow/backend/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting sokoflow API server", "env", cfg.Env, "port", cfg.Port)

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := mainconfig.OpenRedis(cfg)
	defer rdb.Close()

	box, err := secrets.NewBox(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to initialize encryption", "error", err)
		os.Exit(1)
	}

	queues, err := mainconfig.BuildQueues(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build queues", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	jobStore := jobs.NewStore(pool)
	enqueuer := jobs.NewEnqueuer(queues, jobStore)

	tenantRepo := tenant.NewRepository(pool, box)
	tenantCache := tenant.NewCache(tenantRepo, rdb, logger)
	customerRepo := customer.NewRepository(pool)
	convStore := conversation.NewStore(pool)
	webhookLogs := webhook.NewLogStore(pool, box, logger)

	intake := webhook.NewIntake(webhook.IntakeConfig{
		Tenants:       tenantRepo,
		Customers:     customerRepo,
		Conversations: convStore,
		Logs:          webhookLogs,
		Enqueuer:      enqueuer,
		Redis:         rdb,
		PublicBaseURL: cfg.PublicBaseURL,
		DedupTTL:      cfg.DedupTTL,
		IncludeBody:   cfg.DedupIncludeBodyHash,
		Metrics:       pipelineMetrics,
		Logger:        logger,
	})

	rbacStore := rbac.NewStore(pool)
	resolver := rbac.NewResolver(rbacStore, rdb, logger)
	auditLog := audit.NewLog(pool, logger)
	ticketStore := handoff.NewStore(pool)
	catalogRepo := catalog.NewRepository(pool)

	walletStore := payments.NewWalletStore(pool)
	withdrawals := payments.NewWithdrawalService(
		walletStore, rbacStore, payments.NewLogPayout(logger), auditLog, logger)

	var emailSender notify.EmailSender
	if s := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); s != nil {
		emailSender = s
	}
	notifier := notify.NewService(emailSender, rbacStore, logger)

	handler := httpapi.New(httpapi.Config{
		Logger: logger,

		Sessions: httpapi.NewSessions(cfg.JWTSecret, cfg.SessionTokenTTL),
		Users:    rbacStore,
		APIKeys:  httpapi.NewAPIKeyStore(pool),
		Resolver: resolver,

		Tickets:       ticketStore,
		Conversations: convStore,
		Catalog:       catalogRepo,
		Withdrawals:   withdrawals,
		Tenants:       tenantCache,
		TenantWrites:  tenantRepo,
		TenantCache:   tenantCache,
		RBACWrites:    rbacStore,

		AuditLog: auditLog,
		Notifier: notifier,

		HandoffAutoClose: cfg.HandoffAutoClose,

		Webhooks: intake,
		Health:   httpapi.NewHealth(pool, rdb, nil, logger),
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

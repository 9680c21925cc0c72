package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sokoflow/backend/cmd/mainconfig"
	"github.com/sokoflow/backend/internal/booking"
	"github.com/sokoflow/backend/internal/catalog"
	"github.com/sokoflow/backend/internal/classifier"
	appconfig "github.com/sokoflow/backend/internal/config"
	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/gateway"
	"github.com/sokoflow/backend/internal/handoff"
	"github.com/sokoflow/backend/internal/jobs"
	"github.com/sokoflow/backend/internal/journey"
	"github.com/sokoflow/backend/internal/kb"
	"github.com/sokoflow/backend/internal/notify"
	"github.com/sokoflow/backend/internal/observability/metrics"
	"github.com/sokoflow/backend/internal/orders"
	"github.com/sokoflow/backend/internal/outbound"
	"github.com/sokoflow/backend/internal/payments"
	"github.com/sokoflow/backend/internal/queue"
	"github.com/sokoflow/backend/internal/rbac"
	"github.com/sokoflow/backend/internal/secrets"
	"github.com/sokoflow/backend/internal/tenant"
	"github.com/sokoflow/backend/internal/tools"
	"github.com/sokoflow/backend/internal/worker"
	"github.com/sokoflow/backend/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting sokoflow worker", "env", cfg.Env, "concurrency", cfg.WorkerCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	pipelineMetrics := metrics.NewPipelineMetrics(nil)

	jobStore := jobs.NewStore(pool)
	enqueuer := jobs.NewEnqueuer(queues, jobStore)

	tenantRepo := tenant.NewRepository(pool, box)
	tenantCache := tenant.NewCache(tenantRepo, rdb, logger)
	customerRepo := customer.NewRepository(pool)
	convStore := conversation.NewStore(pool)
	ticketStore := handoff.NewStore(pool)
	rbacStore := rbac.NewStore(pool)

	llms := classifier.NewRegistry()
	llm := llms.Get(cfg.OpenAIAPIKey)
	classifiers := classifier.NewService(llm, cfg.OpenAIModel, cfg.LLMTimeout, logger, pipelineMetrics)
	kbStore := kb.NewRedisStore(llm, rdb, cfg.OpenAIEmbeddingModel, logger)

	toolClient := tools.NewClient(tools.Deps{
		Tenants:   tenantCache,
		Customers: customerRepo,
		Catalog:   catalog.NewRepository(pool),
		Orders:    orders.NewRepository(pool),
		Booking:   booking.NewRepository(pool),
		Payments:  payments.NewMethodRouter(nil, nil, nil),
		KB:        kbStore,
		Handoff:   ticketStore,

		VectorTimeout:  cfg.VectorTimeout,
		StorageTimeout: cfg.StorageTimeout,

		Metrics: pipelineMetrics,
		Logger:  logger,
	})
	router := journey.NewRouter(toolClient, cfg.IntentExecuteThreshold, cfg.IntentClarifyThreshold, logger)
	router.SetUnknownIntents(cfg.UnknownIntents)
	router.SetKBMinScore(cfg.KBMinScore)

	sender := gateway.NewSender(cfg.GatewayTimeout, logger)
	limiter := outbound.NewLimiter(rdb, cfg.DailyMessageLimit, logger)
	dispatcher := outbound.NewDispatcher(sender, convStore, limiter, rdb, cfg.DedupTTL, pipelineMetrics, logger)

	var emailSender notify.EmailSender
	if s := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); s != nil {
		emailSender = s
	}
	notifier := notify.NewService(emailSender, rbacStore, logger)

	pipeline := worker.NewPipeline(worker.PipelineConfig{
		Tenants:       tenantCache,
		Customers:     customerRepo,
		Conversations: convStore,
		Sessions:      conversation.NewSessionStore(rdb, cfg.SessionTTL, cfg.HistoryWindow, logger),
		Locker:        conversation.NewLocker(rdb, cfg.LockHold, cfg.LockAcquireTimeout),
		Classifiers:   classifiers,
		Router:        router,
		Outbound:      dispatcher,
		Enqueuer:      enqueuer,
		Redis:         rdb,

		Tickets:  ticketStore,
		Notifier: notifier,

		MergeWindow:       cfg.MergeWindow,
		TurnBudget:        cfg.TurnBudget,
		SummaryEvery:      cfg.SummaryEvery,
		HistoryWindow:     cfg.HistoryWindow,
		ClarifyThreshold:  cfg.IntentClarifyThreshold,
		LanguageThreshold: cfg.LanguageSwitchThreshold,

		Metrics: pipelineMetrics,
		Logger:  logger,
	})

	runtime := worker.NewRuntime(queues, queue.Names(), cfg.WorkerCount, jobStore, rdb, logger)
	runtime.Register(jobs.KindProcessInbound, pipeline.ProcessInbound)
	runtime.Register(jobs.KindKeywordReply, pipeline.KeywordReply)
	runtime.Register(jobs.KindSubscriptionNotice, pipeline.SubscriptionNotice)
	runtime.Register(jobs.KindRegenerateSummary, pipeline.RegenerateSummary)
	runtime.Register(jobs.KindDeliverOutbound, pipeline.DeliverOutbound)

	done := make(chan struct{})
	go func() {
		runtime.Run(ctx)
		close(done)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down worker...")
	cancel()

	select {
	case <-done:
		logger.Info("worker stopped")
	case <-time.After(30 * time.Second):
		logger.Error("worker shutdown timed out")
	}
}

package webhook

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/gateway"
	"github.com/sokoflow/backend/internal/jobs"
	"github.com/sokoflow/backend/internal/observability/metrics"
	"github.com/sokoflow/backend/internal/tenant"
	"github.com/sokoflow/backend/pkg/logging"
)

var tracer = otel.Tracer("sokoflow.internal.webhook")

// suppressionWindow throttles the "temporarily unavailable" auto-reply to
// once per (tenant, customer) per day.
const suppressionWindow = 24 * time.Hour

type tenantResolver interface {
	GetBySenderNumber(ctx context.Context, number string) (*tenant.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*tenant.Tenant, error)
}

type customerStore interface {
	GetOrCreateByPhone(ctx context.Context, tenantID, phone string) (*customer.Customer, error)
	RevokeMarketingConsent(ctx context.Context, tenantID, customerID string) error
	GrantPromotionalConsent(ctx context.Context, tenantID, customerID string) error
}

type conversationStore interface {
	EnsureOpen(ctx context.Context, tenantID, customerID string) (*conversation.Conversation, error)
	AppendMessage(ctx context.Context, m *conversation.Message) error
	UpdateProviderStatus(ctx context.Context, providerMessageID, status string) error
}

// Intake terminates gateway webhooks. Every branch answers 200 except
// unknown tenants (404) and signature failures (401): the provider only
// retries non-2xx, and retrying a bad delivery cannot fix it.
type Intake struct {
	tenants       tenantResolver
	customers     customerStore
	conversations conversationStore
	logs          *LogStore
	enqueuer      *jobs.Enqueuer
	rdb           *redis.Client
	publicBaseURL string
	dedupTTL      time.Duration
	includeBody   bool
	metrics       *metrics.PipelineMetrics
	logger        *logging.Logger
}

// IntakeConfig collects the edge dependencies.
type IntakeConfig struct {
	Tenants       tenantResolver
	Customers     customerStore
	Conversations conversationStore
	Logs          *LogStore
	Enqueuer      *jobs.Enqueuer
	Redis         *redis.Client
	PublicBaseURL string
	DedupTTL      time.Duration
	IncludeBody   bool
	Metrics       *metrics.PipelineMetrics
	Logger        *logging.Logger
}

// NewIntake wires the edge handler.
func NewIntake(cfg IntakeConfig) *Intake {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Intake{
		tenants: cfg.Tenants, customers: cfg.Customers, conversations: cfg.Conversations,
		logs: cfg.Logs, enqueuer: cfg.Enqueuer, rdb: cfg.Redis,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		dedupTTL:      cfg.DedupTTL, includeBody: cfg.IncludeBody,
		metrics: cfg.Metrics, logger: cfg.Logger.WithComponent("webhook"),
	}
}

// HandleInbound is POST /webhooks/twilio/{slug}.
func (h *Intake) HandleInbound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracer.Start(r.Context(), "webhook.inbound")
	defer span.End()

	status := h.handleInbound(ctx, w, r)
	span.SetAttributes(attribute.String("webhook.status", string(status)))
	h.metrics.ObserveInbound(string(status))
	h.metrics.ObserveWebhookLatency(string(status), time.Since(start).Seconds())
}

func (h *Intake) handleInbound(ctx context.Context, w http.ResponseWriter, r *http.Request) LogStatus {
	in, err := gateway.ParseInbound(r)
	if err != nil {
		h.logs.Record(ctx, LogEntry{Provider: gateway.Provider, Status: LogError, Detail: err.Error()})
		w.WriteHeader(http.StatusBadRequest)
		return LogError
	}
	raw := r.PostForm.Encode()

	ten := h.resolveTenant(ctx, r, in)
	if ten == nil {
		h.logs.Record(ctx, LogEntry{
			Provider: gateway.Provider, ProviderMessageID: in.ProviderMessageID,
			Status: LogUnauthorized, Detail: "tenant not resolved", RawPayload: raw,
		})
		http.NotFound(w, r)
		return LogUnauthorized
	}

	if !gateway.ValidateSignature(r, ten.Gateway.WebhookSecret, h.webhookURL(r)) {
		h.logs.Record(ctx, LogEntry{
			TenantID: ten.ID, Provider: gateway.Provider, ProviderMessageID: in.ProviderMessageID,
			Status: LogUnauthorized, Detail: "signature mismatch", RawPayload: raw,
		})
		w.WriteHeader(http.StatusUnauthorized)
		return LogUnauthorized
	}

	fresh, err := h.rdb.SetNX(ctx, "dedup:"+gateway.DedupKey(in, h.includeBody), "1", h.dedupTTL).Result()
	if err != nil {
		h.logs.Record(ctx, LogEntry{TenantID: ten.ID, Provider: gateway.Provider,
			ProviderMessageID: in.ProviderMessageID, Status: LogError, Detail: err.Error()})
		w.WriteHeader(http.StatusInternalServerError)
		return LogError
	}
	if !fresh {
		h.logs.Record(ctx, LogEntry{TenantID: ten.ID, Provider: gateway.Provider,
			ProviderMessageID: in.ProviderMessageID, Status: LogDuplicate, RawPayload: raw})
		w.WriteHeader(http.StatusOK)
		return LogDuplicate
	}

	if !ten.Status.CanReceiveMessages() {
		h.handleInactive(ctx, ten, in)
		h.logs.Record(ctx, LogEntry{TenantID: ten.ID, Provider: gateway.Provider,
			ProviderMessageID: in.ProviderMessageID, Status: LogSubscriptionInactive, RawPayload: raw})
		// 200: the provider must not retry; the customer gets an apology.
		w.WriteHeader(http.StatusOK)
		return LogSubscriptionInactive
	}

	if status, ok := h.accept(ctx, ten, in, raw); !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return status
	}
	w.WriteHeader(http.StatusOK)
	return LogSuccess
}

// resolveTenant tries the recipient number first, then the URL selector.
func (h *Intake) resolveTenant(ctx context.Context, r *http.Request, in *gateway.Inbound) *tenant.Tenant {
	if in.To != "" {
		if ten, err := h.tenants.GetBySenderNumber(ctx, in.To); err == nil {
			return ten
		}
	}
	if slug := chi.URLParam(r, "slug"); slug != "" {
		if ten, err := h.tenants.GetBySlug(ctx, slug); err == nil {
			return ten
		}
	}
	return nil
}

// accept persists the message and enqueues pipeline work. STOP and START
// flip consent right here, before any classifier can run.
func (h *Intake) accept(ctx context.Context, ten *tenant.Tenant, in *gateway.Inbound, raw string) (LogStatus, bool) {
	requestID := uuid.NewString()

	cust, err := h.customers.GetOrCreateByPhone(ctx, ten.ID, in.From)
	if err != nil {
		h.logs.Record(ctx, LogEntry{TenantID: ten.ID, Provider: gateway.Provider,
			ProviderMessageID: in.ProviderMessageID, Status: LogError, Detail: err.Error()})
		return LogError, false
	}
	conv, err := h.conversations.EnsureOpen(ctx, ten.ID, cust.ID)
	if err != nil {
		h.logs.Record(ctx, LogEntry{TenantID: ten.ID, Provider: gateway.Provider,
			ProviderMessageID: in.ProviderMessageID, Status: LogError, Detail: err.Error()})
		return LogError, false
	}

	msg := &conversation.Message{
		TenantID:          ten.ID,
		ConversationID:    conv.ID,
		Direction:         conversation.DirectionIn,
		Kind:              conversation.KindCustomerInbound,
		Text:              in.Body,
		ProviderMessageID: in.ProviderMessageID,
	}
	if err := h.conversations.AppendMessage(ctx, msg); err != nil {
		h.logs.Record(ctx, LogEntry{TenantID: ten.ID, Provider: gateway.Provider,
			ProviderMessageID: in.ProviderMessageID, Status: LogError, Detail: err.Error()})
		return LogError, false
	}

	env := jobs.Envelope{
		Kind:           jobs.KindProcessInbound,
		TenantID:       ten.ID,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		CustomerID:     cust.ID,
		RequestID:      requestID,
	}

	switch DetectKeyword(in.Body) {
	case KeywordStop:
		if err := h.customers.RevokeMarketingConsent(ctx, ten.ID, cust.ID); err != nil {
			h.logger.Error("stop keyword consent revoke failed", "error", err,
				"tenant_id", ten.ID, "customer_id", cust.ID)
		}
		env.Kind = jobs.KindKeywordReply
		env.Keyword = string(KeywordStop)
	case KeywordStart:
		if err := h.customers.GrantPromotionalConsent(ctx, ten.ID, cust.ID); err != nil {
			h.logger.Error("start keyword consent grant failed", "error", err,
				"tenant_id", ten.ID, "customer_id", cust.ID)
		}
		env.Kind = jobs.KindKeywordReply
		env.Keyword = string(KeywordStart)
	case KeywordHelp:
		env.Kind = jobs.KindKeywordReply
		env.Keyword = string(KeywordHelp)
	}

	if _, err := h.enqueuer.Enqueue(ctx, env); err != nil {
		h.logs.Record(ctx, LogEntry{TenantID: ten.ID, Provider: gateway.Provider,
			ProviderMessageID: in.ProviderMessageID, Status: LogError, Detail: err.Error()})
		return LogError, false
	}

	h.logs.Record(ctx, LogEntry{TenantID: ten.ID, Provider: gateway.Provider,
		ProviderMessageID: in.ProviderMessageID, Status: LogSuccess, RawPayload: raw})
	h.logger.Info("inbound accepted", "tenant_id", ten.ID,
		"conversation_id", conv.ID, "request_id", requestID)
	return LogSuccess, true
}

// handleInactive queues one "temporarily unavailable" notice per
// (tenant, customer) per suppression window.
func (h *Intake) handleInactive(ctx context.Context, ten *tenant.Tenant, in *gateway.Inbound) {
	key := "suppress_notice:" + ten.ID + ":" + in.From
	fresh, err := h.rdb.SetNX(ctx, key, "1", suppressionWindow).Result()
	if err != nil || !fresh {
		return
	}
	cust, err := h.customers.GetOrCreateByPhone(ctx, ten.ID, in.From)
	if err != nil {
		return
	}
	if _, err := h.enqueuer.Enqueue(ctx, jobs.Envelope{
		Kind:       jobs.KindSubscriptionNotice,
		TenantID:   ten.ID,
		CustomerID: cust.ID,
	}); err != nil {
		h.logger.Warn("subscription notice enqueue failed", "error", err, "tenant_id", ten.ID)
	}
}

// HandleStatus is POST /webhooks/twilio/status: the delivery-receipt
// callback. Always 200; a lost receipt is not worth a provider retry.
func (h *Intake) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	sid := r.FormValue("MessageSid")
	status := r.FormValue("MessageStatus")
	if sid != "" && status != "" {
		if err := h.conversations.UpdateProviderStatus(ctx, sid, status); err != nil {
			h.logger.Warn("delivery receipt update failed", "error", err, "provider_message_id", sid)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Intake) webhookURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL + r.URL.Path
	}
	u := url.URL{Scheme: "https", Host: r.Host, Path: r.URL.Path}
	return u.String()
}

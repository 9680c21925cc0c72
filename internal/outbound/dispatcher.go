package outbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/gateway"
	"github.com/sokoflow/backend/internal/journey"
	"github.com/sokoflow/backend/internal/observability/metrics"
	"github.com/sokoflow/backend/internal/tenant"
	"github.com/sokoflow/backend/pkg/logging"
)

// Deferred reports a send shifted into the future by quiet hours. The
// worker reschedules the job for ReleaseAt.
type Deferred struct {
	ReleaseAt time.Time
}

func (d *Deferred) Error() string {
	return fmt.Sprintf("outbound: deferred until %s", d.ReleaseAt.Format(time.RFC3339))
}

type messageStore interface {
	AppendMessage(ctx context.Context, m *conversation.Message) error
}

type wireSender interface {
	Send(ctx context.Context, tenantID string, creds gateway.Credentials, to string, payload gateway.Payload) (*gateway.SendResult, error)
}

// Dispatcher is the single outbound path: every send passes the consent
// gate, quiet hours, the daily limit, and the idempotency check before it
// reaches the gateway, and every accepted send is persisted.
type Dispatcher struct {
	sender  wireSender
	store   messageStore
	limiter *Limiter
	rdb     *redis.Client
	idemTTL time.Duration
	now     func() time.Time
	metrics *metrics.PipelineMetrics
	logger  *logging.Logger
}

// NewDispatcher wires the outbound path.
func NewDispatcher(sender wireSender, store messageStore, limiter *Limiter, rdb *redis.Client, idemTTL time.Duration, m *metrics.PipelineMetrics, logger *logging.Logger) *Dispatcher {
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		sender: sender, store: store, limiter: limiter, rdb: rdb,
		idemTTL: idemTTL, now: time.Now, metrics: m,
		logger: logger.WithComponent("outbound"),
	}
}

// Delivery addresses one action to one customer.
type Delivery struct {
	Tenant         *tenant.Tenant
	Customer       *customer.Customer
	ConversationID string
	Turn           int
	// Ref distinguishes sends that happen outside a numbered turn, such
	// as keyword confirmations: the key stays unique per triggering
	// message while still collapsing redeliveries of the same job.
	Ref string
}

// IdempotencyKey derives the dedup key for one rendered payload. A send
// without a conversation (subscription notices) is scoped to the
// tenant and customer so identical text to different customers never
// collides.
func IdempotencyKey(del Delivery, p gateway.Payload) string {
	raw, _ := json.Marshal(p)
	sum := sha256.Sum256(raw)
	scope := del.ConversationID
	if scope == "" {
		scope = del.Tenant.ID + ":" + del.Customer.PhoneE164
	}
	if del.Ref != "" {
		scope += ":" + del.Ref
	}
	return fmt.Sprintf("outbound_idem:%s:%d:%s", scope, del.Turn, hex.EncodeToString(sum[:8]))
}

// Deliver formats and sends the action. Payloads already sent under the
// same (conversation, turn, payload) key are skipped, so a retried job
// cannot double-message the customer.
func (d *Dispatcher) Deliver(ctx context.Context, del Delivery, act journey.Action) error {
	kind := act.Category
	if kind == "" {
		kind = conversation.KindBotResponse
	}
	if err := CheckConsent(kind, del.Customer.Consent); err != nil {
		d.metrics.ObserveOutbound(string(kind), "blocked", true)
		return err
	}

	if release := NextPermitted(d.now(), kind, del.Tenant, del.Customer); release.After(d.now()) {
		d.metrics.ObserveOutbound(string(kind), "deferred", true)
		return &Deferred{ReleaseAt: release}
	}

	for _, payload := range Format(act) {
		if err := d.sendOne(ctx, del, kind, payload); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) sendOne(ctx context.Context, del Delivery, kind conversation.MessageKind, payload gateway.Payload) error {
	key := IdempotencyKey(del, payload)
	if d.rdb != nil {
		fresh, err := d.rdb.SetNX(ctx, key, "1", d.idemTTL).Result()
		if err != nil {
			return fmt.Errorf("outbound: idempotency check: %w", err)
		}
		if !fresh {
			d.metrics.ObserveOutbound(string(kind), "duplicate", true)
			d.logger.Info("duplicate outbound suppressed",
				"conversation_id", del.ConversationID, "turn", del.Turn)
			return nil
		}
	}

	if d.limiter != nil {
		if err := d.limiter.Reserve(ctx, del.Tenant.ID); err != nil {
			// Release the key so the deferred retry can send.
			if d.rdb != nil {
				d.rdb.Del(ctx, key)
			}
			d.metrics.ObserveOutbound(string(kind), "deferred", true)
			return err
		}
	}

	creds := gateway.Credentials{
		AccountSID: del.Tenant.Gateway.AccountSID,
		AuthToken:  del.Tenant.Gateway.AuthToken,
		From:       del.Tenant.Gateway.SenderNumber,
	}
	res, err := d.sender.Send(ctx, del.Tenant.ID, creds, del.Customer.PhoneE164, payload)
	if err != nil {
		if d.rdb != nil {
			d.rdb.Del(ctx, key)
		}
		d.metrics.ObserveOutbound(string(kind), "failed", false)
		return err
	}

	raw, _ := json.Marshal(payload)
	msg := &conversation.Message{
		TenantID:          del.Tenant.ID,
		ConversationID:    del.ConversationID,
		Direction:         conversation.DirectionOut,
		Kind:              kind,
		Text:              payload.RenderBody(),
		Payload:           raw,
		ProviderMessageID: res.ProviderMessageID,
		ProviderStatus:    res.ProviderStatus,
	}
	if err := d.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("outbound: persist message: %w", err)
	}
	d.metrics.ObserveOutbound(string(kind), "sent", false)
	return nil
}

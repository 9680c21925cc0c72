// Package webhook is the inbound edge: it authenticates gateway
// deliveries, deduplicates them, gates on subscription state, and hands
// accepted messages to the worker pipeline.
package webhook

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sokoflow/backend/internal/secrets"
	"github.com/sokoflow/backend/pkg/logging"
)

// LogStatus classifies one webhook delivery attempt.
type LogStatus string

const (
	LogSuccess              LogStatus = "success"
	LogError                LogStatus = "error"
	LogUnauthorized         LogStatus = "unauthorized"
	LogSubscriptionInactive LogStatus = "subscription_inactive"
	LogDuplicate            LogStatus = "duplicate"
)

// LogEntry records one delivery. RawPayload is encrypted at rest.
type LogEntry struct {
	ID                string
	TenantID          string
	Provider          string
	ProviderMessageID string
	Status            LogStatus
	Detail            string
	RawPayload        string
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// LogStore persists webhook logs with the raw payload sealed.
type LogStore struct {
	pool   execer
	box    *secrets.Box
	logger *logging.Logger
}

// NewLogStore wires the store. box may be nil in tests; payloads are then
// stored empty rather than in cleartext.
func NewLogStore(pool execer, box *secrets.Box, logger *logging.Logger) *LogStore {
	if pool == nil {
		panic("webhook: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &LogStore{pool: pool, box: box, logger: logger.WithComponent("webhook_log")}
}

// Record appends a log row. Failures are downgraded to a warning: the
// delivery outcome must not depend on the log write.
func (s *LogStore) Record(ctx context.Context, e LogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	sealed := ""
	if s.box != nil && e.RawPayload != "" {
		var err error
		if sealed, err = s.box.Seal(e.RawPayload); err != nil {
			s.logger.Warn("webhook payload seal failed", "error", err)
			sealed = ""
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_logs (id, tenant_id, provider, provider_message_id, status, detail, raw_payload, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, now())
	`, e.ID, e.TenantID, e.Provider, e.ProviderMessageID, e.Status, e.Detail, sealed)
	if err != nil {
		s.logger.Warn("webhook log write failed", "error", fmt.Errorf("%w", err), "status", e.Status)
	}
}

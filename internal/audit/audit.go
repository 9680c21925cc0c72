// Package audit is the forensic record for RBAC and financial actions.
// Entries are append-only; secrets and PII are masked before storage.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sokoflow/backend/internal/tenancy"
	"github.com/sokoflow/backend/pkg/logging"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Entry is one recorded action.
type Entry struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	RequestID  string         `json:"request_id"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Log persists audit entries.
type Log struct {
	pool   querier
	logger *logging.Logger
}

// NewLog wires the audit log.
func NewLog(pool querier, logger *logging.Logger) *Log {
	if pool == nil {
		panic("audit: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Log{pool: pool, logger: logger.WithComponent("audit")}
}

// maskedFields are never stored in cleartext diffs.
var maskedFields = []string{
	"password", "password_hash", "auth_token", "webhook_secret", "api_key",
	"account_sid", "token", "secret", "phone_e164", "phone",
}

// Mask replaces sensitive values in a diff map. Keys are matched by
// case-insensitive substring.
func Mask(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		lower := strings.ToLower(k)
		masked := false
		for _, f := range maskedFields {
			if strings.Contains(lower, f) {
				out[k] = "***"
				masked = true
				break
			}
		}
		if !masked {
			out[k] = v
		}
	}
	return out
}

// Record appends one entry. The request id is taken from context when not
// set. Failures are returned so financial callers can abort; RBAC callers
// typically log and continue.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RequestID == "" {
		e.RequestID, _ = tenancy.RequestIDFromContext(ctx)
	}
	before, err := json.Marshal(Mask(e.Before))
	if err != nil {
		return fmt.Errorf("audit: marshal before: %w", err)
	}
	after, err := json.Marshal(Mask(e.After))
	if err != nil {
		return fmt.Errorf("audit: marshal after: %w", err)
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_logs (
			id, tenant_id, actor_id, action, target_type, target_id,
			before, after, request_id, ip, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
	`, e.ID, e.TenantID, e.ActorID, e.Action, e.TargetType, e.TargetID,
		before, after, e.RequestID, e.IP, e.UserAgent)
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// RecordOrLog records the entry and downgrades failures to a warning.
// Used on paths where the primary action must not fail on audit trouble.
func (l *Log) RecordOrLog(ctx context.Context, e Entry) {
	if err := l.Record(ctx, e); err != nil {
		l.logger.Warn("audit record failed", "error", err, "action", e.Action, "tenant_id", e.TenantID)
	}
}

// ListByTarget returns recent entries for one target, newest first.
func (l *Log) ListByTarget(ctx context.Context, tenantID, targetType, targetID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, tenant_id, actor_id, action, target_type, target_id,
		       before, after, request_id, ip, user_agent, created_at
		FROM audit_logs
		WHERE tenant_id = $1 AND target_type = $2 AND target_id = $3
		ORDER BY created_at DESC
		LIMIT $4
	`, tenantID, targetType, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var before, after []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.Action, &e.TargetType,
			&e.TargetID, &before, &after, &e.RequestID, &e.IP, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		_ = json.Unmarshal(before, &e.Before)
		_ = json.Unmarshal(after, &e.After)
		out = append(out, e)
	}
	return out, rows.Err()
}

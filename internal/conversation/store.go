package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sokoflow/backend/internal/apperr"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists conversations and messages in PostgreSQL.
type Store struct {
	pool querier
}

// NewStore initializes the store.
func NewStore(pool querier) *Store {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return &Store{pool: pool}
}

const conversationColumns = `
	id, tenant_id, customer_id, status, channel, last_intent, operator_id,
	turn_count, low_confidence_count, created_at, updated_at
`

// EnsureOpen returns the single non-closed conversation for (tenant,
// customer), creating one in status bot when none exists. A closed
// conversation is never reopened; a fresh row is inserted instead.
func (s *Store) EnsureOpen(ctx context.Context, tenantID, customerID string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE tenant_id = $1 AND customer_id = $2 AND status NOT IN ('closed')
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, customerID)
	conv, err := scanConversation(row)
	if err == nil {
		return conv, nil
	}
	if !apperr.IsCode(err, apperr.CodeResourceNotFound) {
		return nil, err
	}

	row = s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, tenant_id, customer_id, status, channel)
		VALUES ($1, $2, $3, 'bot', 'whatsapp')
		RETURNING `+conversationColumns,
		uuid.NewString(), tenantID, customerID,
	)
	return scanConversation(row)
}

// GetByID fetches a conversation scoped to the tenant.
func (s *Store) GetByID(ctx context.Context, tenantID, conversationID string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND tenant_id = $2`,
		conversationID, tenantID,
	)
	return scanConversation(row)
}

// SetStatus moves the conversation to a new status. The operator id is
// recorded on handoff and cleared otherwise.
func (s *Store) SetStatus(ctx context.Context, tenantID, conversationID string, status Status, operatorID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $1, operator_id = NULLIF($2, ''), updated_at = now()
		WHERE id = $3 AND tenant_id = $4
	`, status, operatorID, conversationID, tenantID)
	if err != nil {
		return fmt.Errorf("conversation: set status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeResourceNotFound, "conversation not found")
	}
	return nil
}

// SetLastIntent records the classified intent on the conversation row.
func (s *Store) SetLastIntent(ctx context.Context, tenantID, conversationID, intent string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET last_intent = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3
	`, intent, conversationID, tenantID)
	if err != nil {
		return fmt.Errorf("conversation: set last intent: %w", err)
	}
	return nil
}

// IncrementTurnCount bumps the turn counter with a relative update, never
// read-modify-write.
func (s *Store) IncrementTurnCount(ctx context.Context, tenantID, conversationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET turn_count = turn_count + 1, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, conversationID, tenantID)
	if err != nil {
		return fmt.Errorf("conversation: increment turn count: %w", err)
	}
	return nil
}

// IncrementLowConfidence bumps the low-confidence counter atomically.
func (s *Store) IncrementLowConfidence(ctx context.Context, tenantID, conversationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET low_confidence_count = low_confidence_count + 1, updated_at = now()
		WHERE id = $1 AND tenant_id = $2
	`, conversationID, tenantID)
	if err != nil {
		return fmt.Errorf("conversation: increment low confidence: %w", err)
	}
	return nil
}

// AppendMessage inserts one immutable message row.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.TenantID == "" || m.ConversationID == "" {
		return apperr.New(apperr.CodeInvalidInput, "tenant and conversation are required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (
			id, tenant_id, conversation_id, direction, kind, text, payload,
			provider_message_id, provider_status, template_ref
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, m.TenantID, m.ConversationID, m.Direction, m.Kind, m.Text,
		m.Payload, m.ProviderMessageID, m.ProviderStatus, m.TemplateRef)
	if err != nil {
		return fmt.Errorf("conversation: append message: %w", err)
	}
	return nil
}

// GetMessage fetches one message scoped to the tenant.
func (s *Store) GetMessage(ctx context.Context, tenantID, messageID string) (*Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, conversation_id, direction, kind, text, payload,
		       provider_message_id, provider_status, template_ref, created_at
		FROM messages WHERE id = $1 AND tenant_id = $2
	`, messageID, tenantID)
	var m Message
	err := row.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.Direction, &m.Kind,
		&m.Text, &m.Payload, &m.ProviderMessageID, &m.ProviderStatus, &m.TemplateRef, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get message: %w", err)
	}
	return &m, nil
}

// RecentMessages returns the last limit messages, oldest first, for
// rebuilding the classifier history window.
func (s *Store) RecentMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, conversation_id, direction, kind, text, payload,
		       provider_message_id, provider_status, template_ref, created_at
		FROM (
			SELECT * FROM messages
			WHERE tenant_id = $1 AND conversation_id = $2
			ORDER BY created_at DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC
	`, tenantID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.Direction, &m.Kind,
			&m.Text, &m.Payload, &m.ProviderMessageID, &m.ProviderStatus, &m.TemplateRef, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateProviderStatus records a delivery-receipt callback on the original
// outbound message.
func (s *Store) UpdateProviderStatus(ctx context.Context, providerMessageID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET provider_status = $1 WHERE provider_message_id = $2
	`, status, providerMessageID)
	if err != nil {
		return fmt.Errorf("conversation: update provider status: %w", err)
	}
	return nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var lastIntent, operatorID *string
	err := row.Scan(&c.ID, &c.TenantID, &c.CustomerID, &c.Status, &c.Channel,
		&lastIntent, &operatorID, &c.TurnCount, &c.LowConfidenceCount, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: scan: %w", err)
	}
	if lastIntent != nil {
		c.LastIntent = *lastIntent
	}
	if operatorID != nil {
		c.OperatorID = *operatorID
	}
	return &c, nil
}

// Package handoff manages the human takeover queue. A ticket freezes the
// bot's working context so the operator picks up mid-conversation instead
// of asking the customer to repeat themselves.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/conversation"
)

// Status is the ticket lifecycle.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClaimed  Status = "claimed"
	StatusResolved Status = "resolved"
)

// Reason records why the bot stepped aside.
type Reason string

const (
	ReasonCustomerRequest Reason = "customer_request"
	ReasonLowConfidence   Reason = "low_confidence"
	ReasonComplaint       Reason = "complaint"
	ReasonAbuse           Reason = "abuse"
	ReasonToolFailure     Reason = "tool_failure"
	ReasonTurnBudget      Reason = "turn_budget"
	ReasonKnowledgeGap    Reason = "knowledge_gap"
)

// Snapshot is the conversation context frozen at handoff time.
type Snapshot struct {
	Journey      string                  `json:"journey,omitempty"`
	Step         string                  `json:"step,omitempty"`
	LastIntent   string                  `json:"last_intent,omitempty"`
	LastQuestion string                  `json:"last_question,omitempty"`
	Cart         []conversation.CartItem `json:"cart,omitempty"`
	OrderID      string                  `json:"order_id,omitempty"`
	Summary      string                  `json:"summary,omitempty"`
}

// Ticket is one handoff request.
type Ticket struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	CustomerID     string    `json:"customer_id"`
	Reason         Reason    `json:"reason"`
	Status         Status    `json:"status"`
	Snapshot       Snapshot  `json:"snapshot"`
	AssigneeID     string    `json:"assignee_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ExpectedTimeline is what the customer is told after a handoff. Response
// time promises depend on staffing we cannot see, so this stays generic.
const ExpectedTimeline = "A member of our team will reply here as soon as possible, usually within a few hours during business hours."

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists tickets.
type Store struct {
	pool querier
}

// NewStore initializes the store.
func NewStore(pool querier) *Store {
	if pool == nil {
		panic("handoff: pgx pool required")
	}
	return &Store{pool: pool}
}

// Create opens a ticket. An existing open or claimed ticket for the same
// conversation is returned instead of duplicated.
func (s *Store) Create(ctx context.Context, t *Ticket) (*Ticket, error) {
	if t.TenantID == "" || t.ConversationID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "tenant and conversation are required")
	}
	if existing, err := s.activeForConversation(ctx, t.TenantID, t.ConversationID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = StatusOpen
	snap, err := json.Marshal(t.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("handoff: marshal snapshot: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO handoff_tickets (id, tenant_id, conversation_id, customer_id, reason, status, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, t.ID, t.TenantID, t.ConversationID, t.CustomerID, t.Reason, t.Status, snap)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("handoff: create ticket: %w", err)
	}
	return t, nil
}

func (s *Store) activeForConversation(ctx context.Context, tenantID, conversationID string) (*Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, conversation_id, customer_id, reason, status,
		       snapshot, COALESCE(assignee_id, ''), created_at, updated_at
		FROM handoff_tickets
		WHERE tenant_id = $1 AND conversation_id = $2 AND status IN ('open', 'claimed')
		ORDER BY created_at DESC LIMIT 1
	`, tenantID, conversationID)
	t, err := scanTicket(row)
	if apperr.IsCode(err, apperr.CodeResourceNotFound) {
		return nil, nil
	}
	return t, err
}

// GetByID fetches one ticket, tenant-scoped.
func (s *Store) GetByID(ctx context.Context, tenantID, ticketID string) (*Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, conversation_id, customer_id, reason, status,
		       snapshot, COALESCE(assignee_id, ''), created_at, updated_at
		FROM handoff_tickets WHERE tenant_id = $1 AND id = $2
	`, tenantID, ticketID)
	return scanTicket(row)
}

// ListOpen returns open and claimed tickets for the operator inbox,
// oldest first.
func (s *Store) ListOpen(ctx context.Context, tenantID string, limit int) ([]Ticket, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, conversation_id, customer_id, reason, status,
		       snapshot, COALESCE(assignee_id, ''), created_at, updated_at
		FROM handoff_tickets
		WHERE tenant_id = $1 AND status IN ('open', 'claimed')
		ORDER BY created_at ASC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("handoff: list open: %w", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Claim assigns an open ticket to an operator.
func (s *Store) Claim(ctx context.Context, tenantID, ticketID, assigneeID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE handoff_tickets SET status = 'claimed', assignee_id = $1, updated_at = now()
		WHERE tenant_id = $2 AND id = $3 AND status = 'open'
	`, assigneeID, tenantID, ticketID)
	if err != nil {
		return fmt.Errorf("handoff: claim: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeConflict, "ticket is not open")
	}
	return nil
}

// Resolve closes a ticket. Resolution returns the conversation to the bot.
func (s *Store) Resolve(ctx context.Context, tenantID, ticketID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE handoff_tickets SET status = 'resolved', updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status IN ('open', 'claimed')
	`, tenantID, ticketID)
	if err != nil {
		return fmt.Errorf("handoff: resolve: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeConflict, "ticket is not active")
	}
	return nil
}

func scanTicket(row pgx.Row) (*Ticket, error) {
	var t Ticket
	var snap []byte
	err := row.Scan(&t.ID, &t.TenantID, &t.ConversationID, &t.CustomerID, &t.Reason,
		&t.Status, &snap, &t.AssigneeID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "ticket not found")
	}
	if err != nil {
		return nil, fmt.Errorf("handoff: scan ticket: %w", err)
	}
	if len(snap) > 0 {
		if err := json.Unmarshal(snap, &t.Snapshot); err != nil {
			return nil, fmt.Errorf("handoff: decode snapshot: %w", err)
		}
	}
	return &t, nil
}

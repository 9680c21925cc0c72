package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/handoff"
)

// ticketStore is the handoff surface the inbox needs; tests stub it.
type ticketStore interface {
	ListOpen(ctx context.Context, tenantID string, limit int) ([]handoff.Ticket, error)
	GetByID(ctx context.Context, tenantID, ticketID string) (*handoff.Ticket, error)
	Claim(ctx context.Context, tenantID, ticketID, assigneeID string) error
	Resolve(ctx context.Context, tenantID, ticketID string) error
}

// conversationControl flips a conversation's status when a ticket is
// claimed or resolved.
type conversationControl interface {
	SetStatus(ctx context.Context, tenantID, conversationID string, status conversation.Status, operatorID string) error
}

type inboxResponse struct {
	Tickets []handoff.Ticket `json:"tickets"`
}

// handleInboxList returns open tickets, oldest first, so the longest
// waiting customer is at the top.
func (a *API) handleInboxList(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	tickets, err := a.tickets.ListOpen(r.Context(), tenantID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	if tickets == nil {
		tickets = []handoff.Ticket{}
	}
	writeJSON(w, http.StatusOK, inboxResponse{Tickets: tickets})
}

// handleInboxClaim assigns the ticket to the calling operator. Claiming
// an already-claimed ticket is a 409 so two operators never both think
// they own a customer.
func (a *API) handleInboxClaim(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	ticketID := chi.URLParam(r, "ticketID")
	assigneeID := rbacFrom(r.Context()).Membership.ID

	if err := a.tickets.Claim(r.Context(), tenantID, ticketID, assigneeID); err != nil {
		writeError(w, a.logger, err)
		return
	}
	ticket, err := a.tickets.GetByID(r.Context(), tenantID, ticketID)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	if a.conversations != nil {
		if err := a.conversations.SetStatus(r.Context(), tenantID, ticket.ConversationID, conversation.StatusHandoff, assigneeID); err != nil {
			a.logger.Warn("claim could not pin conversation", "error", err, "ticket_id", ticketID)
		}
	}
	a.audit(r.Context(), "handoff.claimed", "handoff_ticket", ticketID)
	writeJSON(w, http.StatusOK, ticket)
}

// handleInboxResolve closes the ticket and hands the conversation back
// to the bot, or closes it outright when the deployment auto-closes
// resolved handoffs.
func (a *API) handleInboxResolve(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	ticketID := chi.URLParam(r, "ticketID")

	ticket, err := a.tickets.GetByID(r.Context(), tenantID, ticketID)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	if err := a.tickets.Resolve(r.Context(), tenantID, ticketID); err != nil {
		writeError(w, a.logger, err)
		return
	}
	if a.conversations != nil {
		next := conversation.StatusBot
		if a.handoffAutoClose {
			next = conversation.StatusClosed
		}
		if err := a.conversations.SetStatus(r.Context(), tenantID, ticket.ConversationID, next, ""); err != nil {
			a.logger.Warn("resolve could not release conversation", "error", err, "ticket_id", ticketID)
		}
	}
	a.audit(r.Context(), "handoff.resolved", "handoff_ticket", ticketID)
	w.WriteHeader(http.StatusNoContent)
}

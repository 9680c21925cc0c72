package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/payments"
	"github.com/sokoflow/backend/internal/tenancy"
	"github.com/sokoflow/backend/internal/tenant"
)

// withdrawalService runs the four-eyes withdrawal flow; tests stub it.
type withdrawalService interface {
	Initiate(ctx context.Context, tenantID, initiatorID string, amount float64) (*payments.Transaction, error)
	Approve(ctx context.Context, tenantID, txnID, approverID string) (*payments.Transaction, error)
}

// withdrawalNotifier tells operators about withdrawal lifecycle steps.
type withdrawalNotifier interface {
	WithdrawalEvent(ctx context.Context, ten *tenant.Tenant, txn *payments.Transaction, event string)
}

type initiateWithdrawalRequest struct {
	Amount float64 `json:"amount"`
}

// handleWithdrawalInitiate debits the wallet and opens a pending
// withdrawal. A different operator must approve it before payout.
func (a *API) handleWithdrawalInitiate(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	actor, _ := tenancy.ActorFromContext(r.Context())

	var req initiateWithdrawalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.logger, err)
		return
	}
	if req.Amount <= 0 {
		writeError(w, a.logger, apperr.New(apperr.CodeInvalidInput, "amount must be positive"))
		return
	}
	txn, err := a.withdrawals.Initiate(r.Context(), tenantID, actor, req.Amount)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.notifyWithdrawal(r.Context(), tenantID, txn, "initiated")
	writeJSON(w, http.StatusCreated, txn)
}

// handleWithdrawalApprove completes the four-eyes flow and dispatches
// the payout. Self-approval comes back as FOUR_EYES_VIOLATION.
func (a *API) handleWithdrawalApprove(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	txnID := chi.URLParam(r, "txnID")
	actor, _ := tenancy.ActorFromContext(r.Context())

	txn, err := a.withdrawals.Approve(r.Context(), tenantID, txnID, actor)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.notifyWithdrawal(r.Context(), tenantID, txn, "completed")
	writeJSON(w, http.StatusOK, txn)
}

func (a *API) notifyWithdrawal(ctx context.Context, tenantID string, txn *payments.Transaction, event string) {
	if a.notifier == nil || a.tenants == nil {
		return
	}
	ten, err := a.tenants.Get(ctx, tenantID)
	if err != nil {
		a.logger.Warn("withdrawal notification skipped", "error", err, "tenant_id", tenantID)
		return
	}
	a.notifier.WithdrawalEvent(ctx, ten, txn, event)
}

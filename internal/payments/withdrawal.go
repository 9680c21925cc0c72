package payments

import (
	"context"
	"fmt"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/audit"
	"github.com/sokoflow/backend/internal/rbac"
	"github.com/sokoflow/backend/pkg/logging"
)

// Scopes guarding the withdrawal flow.
const (
	ScopeWithdrawInitiate = "finance:withdraw:initiate"
	ScopeWithdrawApprove  = "finance:withdraw:approve"
)

// PayoutDispatcher sends the approved amount to the tenant's bank or
// mobile money account. Implementations live at the integration edge.
type PayoutDispatcher interface {
	Dispatch(ctx context.Context, tenantID, txnID string, amount float64, currency string) error
}

type userSource interface {
	GetUser(ctx context.Context, userID string) (*rbac.User, error)
}

// WithdrawalService runs the four-eyes withdrawal flow. The wallet is
// debited on initiation and re-credited on failure; both legs and every
// violation are audit-logged with both user ids.
type WithdrawalService struct {
	wallets *WalletStore
	users   userSource
	payout  PayoutDispatcher
	audit   *audit.Log
	logger  *logging.Logger
}

// NewWithdrawalService wires the service.
func NewWithdrawalService(wallets *WalletStore, users userSource, payout PayoutDispatcher, auditLog *audit.Log, logger *logging.Logger) *WithdrawalService {
	if wallets == nil || users == nil || payout == nil || auditLog == nil {
		panic("payments: withdrawal dependencies required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WithdrawalService{wallets: wallets, users: users, payout: payout, audit: auditLog, logger: logger.WithComponent("withdrawal")}
}

// Initiate validates the amount against the tenant minimum and balance,
// creates a pending withdrawal, and debits the wallet immediately in the
// same transaction.
func (s *WithdrawalService) Initiate(ctx context.Context, tenantID, initiatorID string, amount float64) (*Transaction, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "withdrawal amount must be positive")
	}
	tx, err := s.wallets.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("payments: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	wallet, err := lockWallet(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if amount < wallet.MinPayout {
		return nil, apperr.Newf(apperr.CodeInvalidInput, "amount below minimum payout %.2f", wallet.MinPayout)
	}
	if amount > wallet.Balance {
		return nil, apperr.New(apperr.CodeInvalidInput, "amount exceeds wallet balance")
	}

	txn := &Transaction{
		TenantID: tenantID, Type: TxnWithdrawal, Status: TxnPending,
		Amount: -amount, Currency: wallet.Currency, InitiatorID: initiatorID,
	}
	if err := insertTxn(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := adjustBalance(ctx, tx, tenantID, -amount); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("payments: commit: %w", err)
	}

	s.audit.RecordOrLog(ctx, audit.Entry{
		TenantID: tenantID, ActorID: initiatorID,
		Action: "withdrawal.initiate", TargetType: "transaction", TargetID: txn.ID,
		After: map[string]any{"amount": amount, "initiator_id": initiatorID},
	})
	return txn, nil
}

// Approve enforces four-eyes, marks the transaction completed, and
// dispatches the payout. A payout failure re-credits the wallet and
// marks the transaction failed; the full sequence is recorded.
func (s *WithdrawalService) Approve(ctx context.Context, tenantID, txnID, approverID string) (*Transaction, error) {
	txn, err := s.wallets.GetTransaction(ctx, tenantID, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Type != TxnWithdrawal || txn.Status != TxnPending {
		return nil, apperr.Newf(apperr.CodeConflict, "transaction is not a pending withdrawal")
	}

	if err := rbac.ValidateFourEyes(ctx, s.users, txn.InitiatorID, approverID); err != nil {
		s.audit.RecordOrLog(ctx, audit.Entry{
			TenantID: tenantID, ActorID: approverID,
			Action: "withdrawal.approve.rejected", TargetType: "transaction", TargetID: txnID,
			After: map[string]any{"initiator_id": txn.InitiatorID, "approver_id": approverID, "reason": "four_eyes"},
		})
		return nil, err
	}

	amount := -txn.Amount
	if _, err := s.wallets.pool.Exec(ctx, `
		UPDATE transactions SET status = 'completed', approver_id = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3 AND status = 'pending'
	`, approverID, txnID, tenantID); err != nil {
		return nil, fmt.Errorf("payments: approve: %w", err)
	}

	s.audit.RecordOrLog(ctx, audit.Entry{
		TenantID: tenantID, ActorID: approverID,
		Action: "withdrawal.approve", TargetType: "transaction", TargetID: txnID,
		After: map[string]any{"initiator_id": txn.InitiatorID, "approver_id": approverID, "amount": amount},
	})

	if err := s.payout.Dispatch(ctx, tenantID, txnID, amount, txn.Currency); err != nil {
		if ferr := s.failWithdrawal(ctx, tenantID, txnID, amount, err.Error()); ferr != nil {
			// The payout failed and the re-credit failed; this needs an operator.
			s.logger.Error("withdrawal re-credit failed", "error", ferr, "tenant_id", tenantID, "txn_id", txnID)
			return nil, ferr
		}
		s.audit.RecordOrLog(ctx, audit.Entry{
			TenantID: tenantID, ActorID: approverID,
			Action: "withdrawal.payout_failed", TargetType: "transaction", TargetID: txnID,
			After: map[string]any{"initiator_id": txn.InitiatorID, "approver_id": approverID, "error": err.Error()},
		})
		return nil, apperr.Wrap(apperr.CodeExternalAPI, "payout dispatch failed", err)
	}

	return s.wallets.GetTransaction(ctx, tenantID, txnID)
}

// failWithdrawal re-credits the wallet and marks the transaction failed
// in one transaction.
func (s *WithdrawalService) failWithdrawal(ctx context.Context, tenantID, txnID string, amount float64, reason string) error {
	tx, err := s.wallets.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payments: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockWallet(ctx, tx, tenantID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE transactions SET status = 'failed', failure_reason = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3
	`, reason, txnID, tenantID); err != nil {
		return fmt.Errorf("payments: mark failed: %w", err)
	}
	if err := adjustBalance(ctx, tx, tenantID, amount); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payments: commit: %w", err)
	}
	return nil
}

package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sokoflow/backend/internal/apperr"
)

type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WalletStore mutates the tenant wallet under a row-level pessimistic
// lock. Every balance change happens inside a caller-supplied
// transaction so the paired transaction row commits atomically with it.
type WalletStore struct {
	pool pgxPool
}

// NewWalletStore initializes the store.
func NewWalletStore(pool pgxPool) *WalletStore {
	if pool == nil {
		panic("payments: pgx pool required")
	}
	return &WalletStore{pool: pool}
}

// Get reads the wallet without locking.
func (s *WalletStore) Get(ctx context.Context, tenantID string) (*Wallet, error) {
	return scanWallet(s.pool.QueryRow(ctx,
		`SELECT tenant_id, balance, currency, min_payout, updated_at FROM tenant_wallets WHERE tenant_id = $1`,
		tenantID,
	))
}

// lockWallet reads the wallet FOR UPDATE inside tx.
func lockWallet(ctx context.Context, tx pgx.Tx, tenantID string) (*Wallet, error) {
	return scanWallet(tx.QueryRow(ctx,
		`SELECT tenant_id, balance, currency, min_payout, updated_at FROM tenant_wallets WHERE tenant_id = $1 FOR UPDATE`,
		tenantID,
	))
}

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	err := row.Scan(&w.TenantID, &w.Balance, &w.Currency, &w.MinPayout, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "wallet not found")
	}
	if err != nil {
		return nil, fmt.Errorf("payments: scan wallet: %w", err)
	}
	return &w, nil
}

func adjustBalance(ctx context.Context, tx pgx.Tx, tenantID string, delta float64) error {
	ct, err := tx.Exec(ctx,
		`UPDATE tenant_wallets SET balance = balance + $1, updated_at = now() WHERE tenant_id = $2`,
		delta, tenantID,
	)
	if err != nil {
		return fmt.Errorf("payments: adjust balance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeResourceNotFound, "wallet not found")
	}
	return nil
}

func insertTxn(ctx context.Context, tx pgx.Tx, t *Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (
			id, tenant_id, type, status, amount, currency, initiator_id,
			approver_id, payment_request_id, paired_txn_id, failure_reason
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11)
	`, t.ID, t.TenantID, t.Type, t.Status, t.Amount, t.Currency,
		t.InitiatorID, t.ApproverID, t.PaymentRequestID, t.PairedTxnID, t.FailureReason)
	if err != nil {
		return fmt.Errorf("payments: insert transaction: %w", err)
	}
	return nil
}

// GetTransaction fetches one transaction, tenant-scoped.
func (s *WalletStore) GetTransaction(ctx context.Context, tenantID, txnID string) (*Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, type, status, amount, currency,
		       COALESCE(initiator_id, ''), COALESCE(approver_id, ''),
		       COALESCE(payment_request_id, ''), COALESCE(paired_txn_id, ''),
		       COALESCE(failure_reason, ''), created_at, updated_at
		FROM transactions WHERE id = $1 AND tenant_id = $2
	`, txnID, tenantID)
	var t Transaction
	err := row.Scan(&t.ID, &t.TenantID, &t.Type, &t.Status, &t.Amount, &t.Currency,
		&t.InitiatorID, &t.ApproverID, &t.PaymentRequestID, &t.PairedTxnID,
		&t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "transaction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("payments: get transaction: %w", err)
	}
	return &t, nil
}

// RecordCustomerPayment books a completed customer payment and its paired
// platform fee in one transaction, crediting the wallet with the net.
func (s *WalletStore) RecordCustomerPayment(ctx context.Context, tenantID, paymentRequestID string, amount, fee float64, currency string) (*Transaction, error) {
	if amount <= 0 || fee < 0 || fee > amount {
		return nil, apperr.New(apperr.CodeInvalidInput, "invalid amount or fee")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("payments: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockWallet(ctx, tx, tenantID); err != nil {
		return nil, err
	}
	payment := &Transaction{
		TenantID: tenantID, Type: TxnCustomerPayment, Status: TxnCompleted,
		Amount: amount, Currency: currency, PaymentRequestID: paymentRequestID,
	}
	if err := insertTxn(ctx, tx, payment); err != nil {
		return nil, err
	}
	feeTxn := &Transaction{
		TenantID: tenantID, Type: TxnPlatformFee, Status: TxnCompleted,
		Amount: -fee, Currency: currency, PairedTxnID: payment.ID,
	}
	if err := insertTxn(ctx, tx, feeTxn); err != nil {
		return nil, err
	}
	if err := adjustBalance(ctx, tx, tenantID, amount-fee); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("payments: commit: %w", err)
	}
	return payment, nil
}

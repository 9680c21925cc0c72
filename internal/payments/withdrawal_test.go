package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/audit"
	"github.com/sokoflow/backend/internal/rbac"
)

type stubUsers struct {
	inactive map[string]bool
}

func (s *stubUsers) GetUser(_ context.Context, userID string) (*rbac.User, error) {
	return &rbac.User{ID: userID, IsActive: !s.inactive[userID]}, nil
}

type stubPayout struct {
	err   error
	calls int
}

func (s *stubPayout) Dispatch(_ context.Context, _, _ string, _ float64, _ string) error {
	s.calls++
	return s.err
}

func newWithdrawalService(t *testing.T, payout PayoutDispatcher) (pgxmock.PgxPoolIface, *WithdrawalService) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	svc := NewWithdrawalService(NewWalletStore(mock), &stubUsers{}, payout, audit.NewLog(mock, nil), nil)
	return mock, svc
}

func txnRows(mock pgxmock.PgxPoolIface, status TxnStatus) *pgxmock.Rows {
	return mock.NewRows([]string{
		"id", "tenant_id", "type", "status", "amount", "currency",
		"initiator_id", "approver_id", "payment_request_id", "paired_txn_id",
		"failure_reason", "created_at", "updated_at",
	}).AddRow("txn_1", "ten_1", TxnWithdrawal, status, -500.0, "KES",
		"usr_a", "", "", "", "", time.Now(), time.Now())
}

func TestInitiateDebitsWalletAndAudits(t *testing.T) {
	mock, svc := newWithdrawalService(t, &stubPayout{})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id, balance.*FOR UPDATE").
		WithArgs("ten_1").WillReturnRows(walletRows(mock, 2000))
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs(pgxmock.AnyArg(), "ten_1", TxnWithdrawal, TxnPending, -500.0, "KES", "usr_a", "", "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE tenant_wallets SET balance = balance").
		WithArgs(-500.0, "ten_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(pgxmock.AnyArg(), "ten_1", "usr_a", "withdrawal.initiate", "transaction",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	txn, err := svc.Initiate(context.Background(), "ten_1", "usr_a", 500)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if txn.Amount != -500 || txn.Status != TxnPending {
		t.Fatalf("unexpected withdrawal txn: %+v", txn)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInitiateRejectsBelowMinimumAndOverBalance(t *testing.T) {
	mock, svc := newWithdrawalService(t, &stubPayout{})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id, balance.*FOR UPDATE").
		WithArgs("ten_1").WillReturnRows(walletRows(mock, 2000))
	mock.ExpectRollback()
	if _, err := svc.Initiate(context.Background(), "ten_1", "usr_a", 50); !apperr.IsCode(err, apperr.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT below minimum, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id, balance.*FOR UPDATE").
		WithArgs("ten_1").WillReturnRows(walletRows(mock, 200))
	mock.ExpectRollback()
	if _, err := svc.Initiate(context.Background(), "ten_1", "usr_a", 500); !apperr.IsCode(err, apperr.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT over balance, got %v", err)
	}
}

func TestApproveRejectsSameUser(t *testing.T) {
	payout := &stubPayout{}
	mock, svc := newWithdrawalService(t, payout)

	mock.ExpectQuery("SELECT id, tenant_id, type").
		WithArgs("txn_1", "ten_1").WillReturnRows(txnRows(mock, TxnPending))
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(pgxmock.AnyArg(), "ten_1", "usr_a", "withdrawal.approve.rejected", "transaction",
			"txn_1", pgxmock.AnyArg(), pgxmock.AnyArg(), "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := svc.Approve(context.Background(), "ten_1", "txn_1", "usr_a")
	if !apperr.IsCode(err, apperr.CodeFourEyesViolation) {
		t.Fatalf("expected FOUR_EYES_VIOLATION, got %v", err)
	}
	if payout.calls != 0 {
		t.Fatal("payout must not be dispatched on a four-eyes violation")
	}
}

func TestApproveDispatchesPayout(t *testing.T) {
	payout := &stubPayout{}
	mock, svc := newWithdrawalService(t, payout)

	mock.ExpectQuery("SELECT id, tenant_id, type").
		WithArgs("txn_1", "ten_1").WillReturnRows(txnRows(mock, TxnPending))
	mock.ExpectExec("UPDATE transactions SET status = 'completed'").
		WithArgs("usr_b", "txn_1", "ten_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(pgxmock.AnyArg(), "ten_1", "usr_b", "withdrawal.approve", "transaction",
			"txn_1", pgxmock.AnyArg(), pgxmock.AnyArg(), "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id, tenant_id, type").
		WithArgs("txn_1", "ten_1").WillReturnRows(txnRows(mock, TxnCompleted))

	txn, err := svc.Approve(context.Background(), "ten_1", "txn_1", "usr_b")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if txn.Status != TxnCompleted {
		t.Fatalf("expected completed txn, got %+v", txn)
	}
	if payout.calls != 1 {
		t.Fatalf("expected one payout dispatch, got %d", payout.calls)
	}
}

func TestApprovePayoutFailureRecreditsWallet(t *testing.T) {
	payout := &stubPayout{err: errors.New("bank timeout")}
	mock, svc := newWithdrawalService(t, payout)

	mock.ExpectQuery("SELECT id, tenant_id, type").
		WithArgs("txn_1", "ten_1").WillReturnRows(txnRows(mock, TxnPending))
	mock.ExpectExec("UPDATE transactions SET status = 'completed'").
		WithArgs("usr_b", "txn_1", "ten_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(pgxmock.AnyArg(), "ten_1", "usr_b", "withdrawal.approve", "transaction",
			"txn_1", pgxmock.AnyArg(), pgxmock.AnyArg(), "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	// The payout fails; the wallet is re-credited and the txn marked failed.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id, balance.*FOR UPDATE").
		WithArgs("ten_1").WillReturnRows(walletRows(mock, 1500))
	mock.ExpectExec("UPDATE transactions SET status = 'failed'").
		WithArgs("bank timeout", "txn_1", "ten_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE tenant_wallets SET balance = balance").
		WithArgs(500.0, "ten_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(pgxmock.AnyArg(), "ten_1", "usr_b", "withdrawal.payout_failed", "transaction",
			"txn_1", pgxmock.AnyArg(), pgxmock.AnyArg(), "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := svc.Approve(context.Background(), "ten_1", "txn_1", "usr_b")
	if !apperr.IsCode(err, apperr.CodeExternalAPI) {
		t.Fatalf("expected EXTERNAL_API_ERROR, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApproveRejectsNonPending(t *testing.T) {
	mock, svc := newWithdrawalService(t, &stubPayout{})

	mock.ExpectQuery("SELECT id, tenant_id, type").
		WithArgs("txn_1", "ten_1").WillReturnRows(txnRows(mock, TxnCompleted))

	if _, err := svc.Approve(context.Background(), "ten_1", "txn_1", "usr_b"); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

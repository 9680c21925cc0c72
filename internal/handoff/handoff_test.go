package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/sokoflow/backend/internal/apperr"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	return mock, NewStore(mock)
}

func ticketRows(mock pgxmock.PgxPoolIface) *pgxmock.Rows {
	return mock.NewRows([]string{
		"id", "tenant_id", "conversation_id", "customer_id", "reason", "status",
		"snapshot", "assignee_id", "created_at", "updated_at",
	})
}

func TestCreateReturnsExistingActiveTicket(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectQuery("SELECT id, tenant_id, conversation_id").
		WithArgs("ten_1", "conv_1").
		WillReturnRows(ticketRows(mock).AddRow(
			"tkt_1", "ten_1", "conv_1", "cus_1", ReasonCustomerRequest, StatusOpen,
			[]byte(`{"journey":"support"}`), "", time.Now(), time.Now(),
		))

	got, err := store.Create(context.Background(), &Ticket{
		TenantID: "ten_1", ConversationID: "conv_1", CustomerID: "cus_1",
		Reason: ReasonLowConfidence,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.ID != "tkt_1" || got.Snapshot.Journey != "support" {
		t.Fatalf("expected the existing ticket back, got %+v", got)
	}
}

func TestCreateInsertsSnapshot(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectQuery("SELECT id, tenant_id, conversation_id").
		WithArgs("ten_1", "conv_1").
		WillReturnRows(ticketRows(mock))
	mock.ExpectQuery("INSERT INTO handoff_tickets").
		WithArgs(pgxmock.AnyArg(), "ten_1", "conv_1", "cus_1", ReasonComplaint, StatusOpen, pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))

	got, err := store.Create(context.Background(), &Ticket{
		TenantID: "ten_1", ConversationID: "conv_1", CustomerID: "cus_1",
		Reason:   ReasonComplaint,
		Snapshot: Snapshot{Journey: "orders", LastIntent: "COMPLAINT", LastQuestion: "Where is my order?"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.ID == "" || got.Status != StatusOpen {
		t.Fatalf("unexpected ticket: %+v", got)
	}
}

func TestCreateRequiresTenant(t *testing.T) {
	_, store := newMock(t)
	if _, err := store.Create(context.Background(), &Ticket{ConversationID: "conv_1"}); !apperr.IsCode(err, apperr.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestClaimOnlyOpenTickets(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectExec("UPDATE handoff_tickets SET status = 'claimed'").
		WithArgs("usr_1", "ten_1", "tkt_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := store.Claim(context.Background(), "ten_1", "tkt_1", "usr_1"); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Fatalf("expected CONFLICT claiming a non-open ticket, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectExec("UPDATE handoff_tickets SET status = 'resolved'").
		WithArgs("ten_1", "tkt_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.Resolve(context.Background(), "ten_1", "tkt_1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

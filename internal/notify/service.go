package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/handoff"
	"github.com/sokoflow/backend/internal/payments"
	"github.com/sokoflow/backend/internal/tenant"
	"github.com/sokoflow/backend/pkg/logging"
)

// recipientSource lists the operator addresses for a tenant.
type recipientSource interface {
	OperatorEmails(ctx context.Context, tenantID string) ([]string, error)
}

// Service fans operator notifications out to every active member of the
// tenant. Notification failures are logged, never propagated: the
// underlying business event already happened.
type Service struct {
	email      EmailSender
	recipients recipientSource
	logger     *logging.Logger
}

// NewService wires the notification service.
func NewService(email EmailSender, recipients recipientSource, logger *logging.Logger) *Service {
	if email == nil {
		email = NewStubEmailSender(logger)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{email: email, recipients: recipients, logger: logger.WithComponent("notify")}
}

// HandoffCreated tells the operators a customer is waiting for a human.
func (s *Service) HandoffCreated(ctx context.Context, ten *tenant.Tenant, cust *customer.Customer, ticket *handoff.Ticket) {
	if s == nil || ticket == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "A customer on WhatsApp needs a human.\n\n")
	fmt.Fprintf(&b, "Customer: %s\n", cust.PhoneE164)
	fmt.Fprintf(&b, "Reason: %s\n", ticket.Reason)
	if ticket.Snapshot.LastQuestion != "" {
		fmt.Fprintf(&b, "Last message: %s\n", ticket.Snapshot.LastQuestion)
	}
	if ticket.Snapshot.Summary != "" {
		fmt.Fprintf(&b, "Conversation so far: %s\n", ticket.Snapshot.Summary)
	}
	if ticket.Snapshot.OrderID != "" {
		fmt.Fprintf(&b, "Open order: %s\n", ticket.Snapshot.OrderID)
	}
	fmt.Fprintf(&b, "\nClaim ticket %s from the inbox to reply.\n", ticket.ID)

	s.fanOut(ctx, ten, fmt.Sprintf("Customer waiting: %s (%s)", cust.PhoneE164, ticket.Reason), b.String())
}

// WithdrawalEvent reports a withdrawal lifecycle step: initiated,
// completed, or failed.
func (s *Service) WithdrawalEvent(ctx context.Context, ten *tenant.Tenant, txn *payments.Transaction, event string) {
	if s == nil || txn == nil {
		return
	}
	amount := txn.Amount
	if amount < 0 {
		amount = -amount
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Withdrawal %s %s.\n\n", txn.ID, event)
	fmt.Fprintf(&b, "Amount: %s %.2f\n", txn.Currency, amount)
	fmt.Fprintf(&b, "Initiated by: %s\n", txn.InitiatorID)
	if txn.ApproverID != "" {
		fmt.Fprintf(&b, "Approved by: %s\n", txn.ApproverID)
	}
	if txn.FailureReason != "" {
		fmt.Fprintf(&b, "Failure: %s\nThe amount has been returned to the wallet.\n", txn.FailureReason)
	}
	if event == "initiated" {
		fmt.Fprintf(&b, "\nA second operator must approve this withdrawal before it is paid out.\n")
	}

	s.fanOut(ctx, ten, fmt.Sprintf("Withdrawal %s: %s %.2f", event, txn.Currency, amount), b.String())
}

func (s *Service) fanOut(ctx context.Context, ten *tenant.Tenant, subject, body string) {
	if s.recipients == nil {
		s.logger.Info("no recipient source, notification skipped", "subject", subject)
		return
	}
	emails, err := s.recipients.OperatorEmails(ctx, ten.ID)
	if err != nil {
		s.logger.Error("operator lookup failed", "tenant_id", ten.ID, "error", err)
		return
	}
	if len(emails) == 0 {
		s.logger.Info("tenant has no active operators", "tenant_id", ten.ID)
		return
	}
	subject = "[" + ten.Name + "] " + subject
	for _, to := range emails {
		if err := s.email.Send(ctx, EmailMessage{To: to, Subject: subject, Body: body}); err != nil {
			s.logger.Error("operator email failed", "tenant_id", ten.ID, "to", to, "error", err)
		}
	}
}

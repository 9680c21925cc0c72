package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sokoflow/backend/internal/apperr"
)

// STKProvider triggers an M-Pesa STK push on the customer's handset.
type STKProvider interface {
	Push(ctx context.Context, tenantID, phone string, amount float64, reference string) (providerRef string, err error)
}

// PesapalProvider creates a hosted checkout page.
type PesapalProvider interface {
	CreateCheckout(ctx context.Context, tenantID string, amount float64, currency, reference string) (checkoutURL string, err error)
}

// C2BConfig carries the tenant's paybill details for manual C2B payment.
type C2BConfig struct {
	Paybill       string
	AccountPrefix string
}

// MethodRouter picks and drives a payment rail for one order. Providers
// are abstract; their HTTP bindings live at the integration edge.
type MethodRouter struct {
	stk     STKProvider
	pesapal PesapalProvider
	c2b     func(ctx context.Context, tenantID string) (*C2BConfig, error)
}

// NewMethodRouter wires available rails; nil providers mean the method is
// not offered.
func NewMethodRouter(stk STKProvider, pesapal PesapalProvider, c2b func(ctx context.Context, tenantID string) (*C2BConfig, error)) *MethodRouter {
	return &MethodRouter{stk: stk, pesapal: pesapal, c2b: c2b}
}

// Methods lists the rails available for a tenant.
func (r *MethodRouter) Methods() []Method {
	var out []Method
	if r.stk != nil {
		out = append(out, MethodSTKPush)
	}
	if r.c2b != nil {
		out = append(out, MethodC2B)
	}
	if r.pesapal != nil {
		out = append(out, MethodPesapal)
	}
	return out
}

// InitiateSTKPush fires the push and returns the request plus a
// human-readable next step.
func (r *MethodRouter) InitiateSTKPush(ctx context.Context, tenantID, phone string, amount float64, currency, orderID string) (*PaymentRequest, error) {
	if r.stk == nil {
		return nil, apperr.New(apperr.CodeInvalidInput, "stk push is not enabled for this business")
	}
	if amount <= 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "amount must be positive")
	}
	reqID := uuid.NewString()
	if _, err := r.stk.Push(ctx, tenantID, phone, amount, orderID); err != nil {
		return nil, apperr.Wrap(apperr.CodeExternalAPI, "stk push failed", err)
	}
	return &PaymentRequest{
		ID: reqID, Method: MethodSTKPush, Amount: amount, Currency: currency, Status: "awaiting_customer",
		Instruction: fmt.Sprintf("Check your phone: a payment prompt for %s %.2f has been sent. Enter your M-Pesa PIN to complete.", currency, amount),
	}, nil
}

// GetC2BInstructions returns manual paybill steps.
func (r *MethodRouter) GetC2BInstructions(ctx context.Context, tenantID string, amount float64, currency, orderID string) (*PaymentRequest, error) {
	if r.c2b == nil {
		return nil, apperr.New(apperr.CodeInvalidInput, "paybill payment is not enabled for this business")
	}
	cfg, err := r.c2b(ctx, tenantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExternalAPI, "paybill lookup failed", err)
	}
	return &PaymentRequest{
		ID: uuid.NewString(), Method: MethodC2B, Amount: amount, Currency: currency, Status: "awaiting_customer",
		Instruction: fmt.Sprintf("Pay via M-Pesa: Paybill %s, Account %s%s, Amount %s %.2f.",
			cfg.Paybill, cfg.AccountPrefix, orderID, currency, amount),
	}, nil
}

// CreatePesapalCheckout returns a hosted checkout link.
func (r *MethodRouter) CreatePesapalCheckout(ctx context.Context, tenantID string, amount float64, currency, orderID string) (*PaymentRequest, error) {
	if r.pesapal == nil {
		return nil, apperr.New(apperr.CodeInvalidInput, "card checkout is not enabled for this business")
	}
	url, err := r.pesapal.CreateCheckout(ctx, tenantID, amount, currency, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExternalAPI, "checkout creation failed", err)
	}
	return &PaymentRequest{
		ID: uuid.NewString(), Method: MethodPesapal, Amount: amount, Currency: currency, Status: "awaiting_customer",
		Instruction: "Complete your payment securely via the link below.", CheckoutURL: url,
	}, nil
}

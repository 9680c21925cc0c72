// Package payments covers the tenant wallet, transaction bookkeeping,
// the four-eyes withdrawal flow, and the customer payment method router.
package payments

import "time"

// TxnType classifies a wallet transaction.
type TxnType string

const (
	TxnCustomerPayment TxnType = "customer_payment"
	TxnPlatformFee     TxnType = "platform_fee"
	TxnWithdrawal      TxnType = "withdrawal"
	TxnRefund          TxnType = "refund"
)

// TxnStatus is the transaction lifecycle.
type TxnStatus string

const (
	TxnPending   TxnStatus = "pending"
	TxnCompleted TxnStatus = "completed"
	TxnFailed    TxnStatus = "failed"
)

// Transaction is one signed wallet movement. The wallet balance invariant
// is: balance = opening + Σ(signed amount of completed transactions).
type Transaction struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Type             TxnType   `json:"type"`
	Status           TxnStatus `json:"status"`
	Amount           float64   `json:"amount"`
	Currency         string    `json:"currency"`
	InitiatorID      string    `json:"initiator_id,omitempty"`
	ApproverID       string    `json:"approver_id,omitempty"`
	PaymentRequestID string    `json:"payment_request_id,omitempty"`
	PairedTxnID      string    `json:"paired_txn_id,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Wallet is the tenant's money balance.
type Wallet struct {
	TenantID  string    `json:"tenant_id"`
	Balance   float64   `json:"balance"`
	Currency  string    `json:"currency"`
	MinPayout float64   `json:"min_payout"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Method is one way a customer can pay.
type Method string

const (
	MethodSTKPush Method = "mpesa_stk_push"
	MethodC2B     Method = "mpesa_c2b"
	MethodPesapal Method = "pesapal_checkout"
)

// PaymentRequest is the customer-facing result of initiating a payment.
type PaymentRequest struct {
	ID          string  `json:"payment_request_id"`
	Method      Method  `json:"method"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Instruction string  `json:"instruction"`
	CheckoutURL string  `json:"checkout_url,omitempty"`
	Status      string  `json:"status"`
}

// Package orders stores tenant orders, coupons, and offers.
package orders

import "time"

// Status is the order lifecycle.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusFulfilled      Status = "fulfilled"
	StatusCanceled       Status = "canceled"
)

// Line is one order line.
type Line struct {
	ItemID    string  `json:"item_id"`
	VariantID string  `json:"variant_id,omitempty"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Order is a tenant-scoped order.
type Order struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	CustomerID string    `json:"customer_id"`
	Status     Status    `json:"status"`
	Lines      []Line    `json:"lines"`
	Subtotal   float64   `json:"subtotal"`
	Discount   float64   `json:"discount"`
	Total      float64   `json:"total"`
	Currency   string    `json:"currency"`
	CouponCode string    `json:"coupon_code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Coupon is a tenant discount code with a validity window.
type Coupon struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Code       string    `json:"code"`
	PercentOff float64   `json:"percent_off"`
	AmountOff  float64   `json:"amount_off"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	Active     bool      `json:"active"`
}

// Applicable reports whether the coupon may be applied at t.
func (c Coupon) Applicable(t time.Time) bool {
	return c.Active && !t.Before(c.ValidFrom) && t.Before(c.ValidUntil)
}

// DiscountOn computes the discount amount for a subtotal.
func (c Coupon) DiscountOn(subtotal float64) float64 {
	d := c.AmountOff + subtotal*c.PercentOff/100
	if d > subtotal {
		return subtotal
	}
	return d
}

// Offer is a tenant promotion surfaced to customers. Offers are read from
// storage only; the bot never invents one.
type Offer struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CouponCode  string    `json:"coupon_code,omitempty"`
	ValidUntil  time.Time `json:"valid_until"`
}

package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sokoflow/backend/internal/apperr"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores orders, coupons, and offers in PostgreSQL.
type Repository struct {
	pool querier
	now  func() time.Time
}

// NewRepository initializes the repo.
func NewRepository(pool querier) *Repository {
	if pool == nil {
		panic("orders: pgx pool required")
	}
	return &Repository{pool: pool, now: time.Now}
}

const orderColumns = `
	id, tenant_id, customer_id, status, lines, subtotal, discount, total,
	currency, coupon_code, created_at, updated_at
`

// CreateDraft opens a draft order from cart lines.
func (r *Repository) CreateDraft(ctx context.Context, tenantID, customerID, currency string, lines []Line) (*Order, error) {
	if tenantID == "" || customerID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "tenant and customer are required")
	}
	if len(lines) == 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "order needs at least one line")
	}
	var subtotal float64
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, apperr.Newf(apperr.CodeInvalidInput, "line %s has non-positive quantity", l.ItemID)
		}
		subtotal += float64(l.Quantity) * l.UnitPrice
	}
	blob, err := json.Marshal(lines)
	if err != nil {
		return nil, fmt.Errorf("orders: marshal lines: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO orders (id, tenant_id, customer_id, status, lines, subtotal, discount, total, currency)
		VALUES ($1, $2, $3, 'draft', $4, $5, 0, $5, $6)
		RETURNING `+orderColumns,
		uuid.NewString(), tenantID, customerID, blob, subtotal, currency,
	)
	return scanOrder(row)
}

// GetByID fetches one order, tenant-scoped.
func (r *Repository) GetByID(ctx context.Context, tenantID, orderID string) (*Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND tenant_id = $2`,
		orderID, tenantID,
	)
	return scanOrder(row)
}

// ListByCustomer returns the customer's recent orders, newest first.
func (r *Repository) ListByCustomer(ctx context.Context, tenantID, customerID string, limit int) ([]Order, error) {
	if limit <= 0 || limit > 20 {
		limit = 5
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = $1 AND customer_id = $2 ORDER BY created_at DESC LIMIT $3`,
		tenantID, customerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("orders: list: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// SetStatus moves the order through its lifecycle.
func (r *Repository) SetStatus(ctx context.Context, tenantID, orderID string, status Status) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3`,
		status, orderID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("orders: set status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeResourceNotFound, "order not found")
	}
	return nil
}

// ApplyCoupon validates the code against its window and recomputes the
// order totals in one statement.
func (r *Repository) ApplyCoupon(ctx context.Context, tenantID, orderID, code string) (*Order, error) {
	coupon, err := r.GetCoupon(ctx, tenantID, code)
	if err != nil {
		return nil, err
	}
	if !coupon.Applicable(r.now()) {
		return nil, apperr.Newf(apperr.CodeInvalidInput, "coupon %s is not currently valid", code)
	}

	order, err := r.GetByID(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusDraft && order.Status != StatusPendingPayment {
		return nil, apperr.Newf(apperr.CodeConflict, "cannot apply coupon to %s order", order.Status)
	}
	discount := coupon.DiscountOn(order.Subtotal)

	row := r.pool.QueryRow(ctx, `
		UPDATE orders
		SET coupon_code = $1, discount = $2, total = subtotal - $2, updated_at = now()
		WHERE id = $3 AND tenant_id = $4
		RETURNING `+orderColumns,
		code, discount, orderID, tenantID,
	)
	return scanOrder(row)
}

// GetCoupon fetches one coupon by code, tenant-scoped.
func (r *Repository) GetCoupon(ctx context.Context, tenantID, code string) (*Coupon, error) {
	var c Coupon
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, code, percent_off, amount_off, valid_from, valid_until, active
		FROM coupons WHERE tenant_id = $1 AND code = $2
	`, tenantID, code).Scan(&c.ID, &c.TenantID, &c.Code, &c.PercentOff, &c.AmountOff,
		&c.ValidFrom, &c.ValidUntil, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "coupon not found")
	}
	if err != nil {
		return nil, fmt.Errorf("orders: get coupon: %w", err)
	}
	return &c, nil
}

// ApplicableOffers returns live offers for the tenant.
func (r *Repository) ApplicableOffers(ctx context.Context, tenantID string) ([]Offer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, title, description, coupon_code, valid_until
		FROM offers
		WHERE tenant_id = $1 AND valid_until > now()
		ORDER BY valid_until
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("orders: offers: %w", err)
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		var o Offer
		if err := rows.Scan(&o.ID, &o.TenantID, &o.Title, &o.Description, &o.CouponCode, &o.ValidUntil); err != nil {
			return nil, fmt.Errorf("orders: scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var lines []byte
	var coupon *string
	err := row.Scan(&o.ID, &o.TenantID, &o.CustomerID, &o.Status, &lines,
		&o.Subtotal, &o.Discount, &o.Total, &o.Currency, &coupon, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("orders: scan: %w", err)
	}
	if err := json.Unmarshal(lines, &o.Lines); err != nil {
		return nil, fmt.Errorf("orders: decode lines: %w", err)
	}
	if coupon != nil {
		o.CouponCode = *coupon
	}
	return &o, nil
}

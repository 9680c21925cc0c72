package customer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sokoflow/backend/internal/apperr"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores customers in PostgreSQL. Every query is filtered by
// tenant; there is no unscoped accessor.
type Repository struct {
	pool querier
}

// NewRepository initializes a repo backed by a pgx pool (or mock).
func NewRepository(pool querier) *Repository {
	if pool == nil {
		panic("customer: pgx pool required")
	}
	return &Repository{pool: pool}
}

const customerColumns = `
	id, tenant_id, phone_e164, display_name, timezone, language_pref, tags,
	consent_transactional, consent_reminder, consent_promotional,
	last_seen_at, created_at
`

// GetOrCreateByPhone upserts a customer on the (tenant, phone) unique key
// and touches last_seen_at.
func (r *Repository) GetOrCreateByPhone(ctx context.Context, tenantID, phone string) (*Customer, error) {
	if tenantID == "" || phone == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "tenant and phone are required")
	}
	consent := DefaultConsent()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO customers (
			id, tenant_id, phone_e164,
			consent_transactional, consent_reminder, consent_promotional,
			last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (tenant_id, phone_e164)
		DO UPDATE SET last_seen_at = now()
		RETURNING `+customerColumns,
		uuid.NewString(), tenantID, phone,
		consent.Transactional, consent.Reminder, consent.Promotional,
	)
	return scan(row)
}

// GetByID fetches a customer scoped to the tenant. A cross-tenant id yields
// RESOURCE_NOT_FOUND.
func (r *Repository) GetByID(ctx context.Context, tenantID, customerID string) (*Customer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1 AND tenant_id = $2`,
		customerID, tenantID,
	)
	return scan(row)
}

// UpdatePreferences persists explicit customer preferences.
func (r *Repository) UpdatePreferences(ctx context.Context, tenantID, customerID string, languagePref string, reminder, promotional *bool) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE customers SET
			language_pref = COALESCE(NULLIF($1, ''), language_pref),
			consent_reminder = COALESCE($2, consent_reminder),
			consent_promotional = COALESCE($3, consent_promotional)
		WHERE id = $4 AND tenant_id = $5
	`, languagePref, reminder, promotional, customerID, tenantID)
	if err != nil {
		return fmt.Errorf("customer: update preferences: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeResourceNotFound, "customer not found")
	}
	return nil
}

// RevokeMarketingConsent flips reminder and promotional consent to false in
// one statement. Used by the STOP flow; transactional consent is untouched.
func (r *Repository) RevokeMarketingConsent(ctx context.Context, tenantID, customerID string) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE customers SET
			consent_reminder = false,
			consent_promotional = false
		WHERE id = $1 AND tenant_id = $2
	`, customerID, tenantID)
	if err != nil {
		return fmt.Errorf("customer: revoke marketing consent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeResourceNotFound, "customer not found")
	}
	return nil
}

// GrantPromotionalConsent records an explicit opt-in.
func (r *Repository) GrantPromotionalConsent(ctx context.Context, tenantID, customerID string) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE customers SET
			consent_reminder = true,
			consent_promotional = true
		WHERE id = $1 AND tenant_id = $2
	`, customerID, tenantID)
	if err != nil {
		return fmt.Errorf("customer: grant promotional consent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeResourceNotFound, "customer not found")
	}
	return nil
}

func scan(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(
		&c.ID, &c.TenantID, &c.PhoneE164, &c.DisplayName, &c.Timezone,
		&c.LanguagePref, &c.Tags,
		&c.Consent.Transactional, &c.Consent.Reminder, &c.Consent.Promotional,
		&c.LastSeenAt, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "customer not found")
	}
	if err != nil {
		return nil, fmt.Errorf("customer: scan: %w", err)
	}
	return &c, nil
}

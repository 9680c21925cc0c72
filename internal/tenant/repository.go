package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/secrets"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository loads and mutates tenants in PostgreSQL. Gateway credentials
// are sealed with the at-rest key before hitting the database.
type Repository struct {
	pool querier
	box  *secrets.Box
}

// NewRepository initializes a repo backed by a pgx pool (or mock).
func NewRepository(pool querier, box *secrets.Box) *Repository {
	if pool == nil {
		panic("tenant: pgx pool required")
	}
	if box == nil {
		panic("tenant: secrets box required")
	}
	return &Repository{pool: pool, box: box}
}

const tenantColumns = `
	id, name, slug, status, sender_number, account_sid_enc, auth_token_enc,
	webhook_secret_enc, persona, timezone, quiet_hours_start, quiet_hours_end,
	subscription_tier_id, subscription_waived, created_at, updated_at
`

// GetByID fetches one tenant.
func (r *Repository) GetByID(ctx context.Context, tenantID string) (*Tenant, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID)
	return r.scan(row)
}

// GetBySlug fetches one tenant by its URL selector.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
	return r.scan(row)
}

// GetBySenderNumber resolves the tenant owning a gateway number. Sender
// numbers are globally unique among non-canceled tenants, so this returns
// exactly one row or TENANT_NOT_FOUND.
func (r *Repository) GetBySenderNumber(ctx context.Context, number string) (*Tenant, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE sender_number = $1 AND status != 'canceled'`,
		number,
	)
	return r.scan(row)
}

// UpdatePersona replaces the persona blob.
func (r *Repository) UpdatePersona(ctx context.Context, tenantID string, persona Persona) error {
	blob, err := json.Marshal(persona)
	if err != nil {
		return fmt.Errorf("tenant: marshal persona: %w", err)
	}
	ct, err := r.pool.Exec(ctx,
		`UPDATE tenants SET persona = $1, updated_at = now() WHERE id = $2`,
		blob, tenantID,
	)
	if err != nil {
		return fmt.Errorf("tenant: update persona: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeTenantNotFound, "tenant not found")
	}
	return nil
}

// UpdateStatus moves the tenant to a new subscription status.
func (r *Repository) UpdateStatus(ctx context.Context, tenantID string, status Status) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE tenants SET status = $1, updated_at = now() WHERE id = $2`,
		status, tenantID,
	)
	if err != nil {
		return fmt.Errorf("tenant: update status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeTenantNotFound, "tenant not found")
	}
	return nil
}

func (r *Repository) scan(row pgx.Row) (*Tenant, error) {
	var t Tenant
	var accountSIDEnc, tokenEnc, secretEnc string
	var personaBlob []byte

	err := row.Scan(
		&t.ID, &t.Name, &t.Slug, &t.Status, &t.Gateway.SenderNumber,
		&accountSIDEnc, &tokenEnc, &secretEnc, &personaBlob,
		&t.Timezone, &t.QuietHoursStart, &t.QuietHoursEnd,
		&t.SubscriptionTierID, &t.SubscriptionWaived, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeTenantNotFound, "tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: scan: %w", err)
	}
	if len(personaBlob) > 0 {
		if err := json.Unmarshal(personaBlob, &t.Persona); err != nil {
			return nil, fmt.Errorf("tenant: decode persona: %w", err)
		}
	}
	if t.Gateway.AccountSID, err = r.box.Open(accountSIDEnc); err != nil {
		return nil, fmt.Errorf("tenant: decrypt account sid: %w", err)
	}
	if t.Gateway.AuthToken, err = r.box.Open(tokenEnc); err != nil {
		return nil, fmt.Errorf("tenant: decrypt auth token: %w", err)
	}
	if t.Gateway.WebhookSecret, err = r.box.Open(secretEnc); err != nil {
		return nil, fmt.Errorf("tenant: decrypt webhook secret: %w", err)
	}
	return &t, nil
}

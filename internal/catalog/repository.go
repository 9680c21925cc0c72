package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sokoflow/backend/internal/apperr"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MaxPageSize caps the item page a search ever returns; the WhatsApp
// reply cap is enforced again downstream.
const MaxPageSize = 6

// Repository stores catalog items in PostgreSQL.
type Repository struct {
	pool querier
}

// NewRepository initializes the repo.
func NewRepository(pool querier) *Repository {
	if pool == nil {
		panic("catalog: pgx pool required")
	}
	return &Repository{pool: pool}
}

const itemColumns = `
	id, tenant_id, type, name, description, category, price, currency,
	image_url, active, created_at, updated_at
`

// Search runs a trigram-ranked text query plus filters, returning at most
// MaxPageSize items and an estimated total.
func (r *Repository) Search(ctx context.Context, tenantID, query string, filters SearchFilters) (*SearchResult, error) {
	if tenantID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "tenant required")
	}

	where := `tenant_id = $1 AND active`
	args := []any{tenantID}
	n := 2
	if query != "" {
		where += fmt.Sprintf(` AND (name ILIKE '%%' || $%d || '%%' OR description ILIKE '%%' || $%d || '%%' OR category ILIKE '%%' || $%d || '%%')`, n, n, n)
		args = append(args, query)
		n++
	}
	if filters.Category != "" {
		where += fmt.Sprintf(` AND category = $%d`, n)
		args = append(args, filters.Category)
		n++
	}
	if filters.Type != "" {
		where += fmt.Sprintf(` AND type = $%d`, n)
		args = append(args, filters.Type)
		n++
	}
	if filters.MinPrice > 0 {
		where += fmt.Sprintf(` AND price >= $%d`, n)
		args = append(args, filters.MinPrice)
		n++
	}
	if filters.MaxPrice > 0 {
		where += fmt.Sprintf(` AND price <= $%d`, n)
		args = append(args, filters.MaxPrice)
		n++
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM catalog_items WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("catalog: count: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM catalog_items WHERE `+where+` ORDER BY name LIMIT `+fmt.Sprint(MaxPageSize),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: search: %w", err)
	}
	defer rows.Close()

	result := &SearchResult{TotalEstimate: total}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, *item)
	}
	return result, rows.Err()
}

// GetByID fetches one item with its variants, tenant-scoped.
func (r *Repository) GetByID(ctx context.Context, tenantID, itemID string) (*Item, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM catalog_items WHERE id = $1 AND tenant_id = $2`,
		itemID, tenantID,
	)
	item, err := scanItem(row)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, name, sku, price, stock
		FROM catalog_variants WHERE item_id = $1
		ORDER BY name
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("catalog: variants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ID, &v.Name, &v.SKU, &v.Price, &v.Stock); err != nil {
			return nil, fmt.Errorf("catalog: scan variant: %w", err)
		}
		item.Variants = append(item.Variants, v)
	}
	return item, rows.Err()
}

// SetActive toggles visibility.
func (r *Repository) SetActive(ctx context.Context, tenantID, itemID string, active bool) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE catalog_items SET active = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3`,
		active, itemID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("catalog: set active: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeResourceNotFound, "catalog item not found")
	}
	return nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.TenantID, &it.Type, &it.Name, &it.Description,
		&it.Category, &it.Price, &it.Currency, &it.ImageURL, &it.Active,
		&it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "catalog item not found")
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan item: %w", err)
	}
	return &it, nil
}

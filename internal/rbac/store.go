package rbac

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
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL backing for RBAC entities.
type Store struct {
	pool querier
}

// NewStore initializes the store.
func NewStore(pool querier) *Store {
	if pool == nil {
		panic("rbac: pgx pool required")
	}
	return &Store{pool: pool}
}

// GetUser fetches a global user.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, is_active, two_factor_enabled, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.TwoFactor, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("rbac: get user: %w", err)
	}
	return &u, nil
}

// GetUserByEmail fetches a global user by email, for login.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, is_active, two_factor_enabled, created_at
		FROM users WHERE lower(email) = lower($1)
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.TwoFactor, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeResourceNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("rbac: get user by email: %w", err)
	}
	return &u, nil
}

// OperatorEmails lists the addresses of a tenant's active, accepted
// members, for operator notifications.
func (s *Store) OperatorEmails(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.email
		FROM users u
		JOIN tenant_users tu ON tu.user_id = u.id
		WHERE tu.tenant_id = $1 AND tu.is_active AND tu.invite_status = 'accepted' AND u.is_active
		ORDER BY u.email
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("rbac: operator emails: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("rbac: scan email: %w", err)
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

// GetMembership loads the TenantUser row for (tenant, user).
func (s *Store) GetMembership(ctx context.Context, tenantID, userID string) (*TenantUser, error) {
	var m TenantUser
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, user_id, invite_status, is_active, last_seen_at
		FROM tenant_users WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID).Scan(&m.ID, &m.TenantID, &m.UserID, &m.InviteStatus, &m.IsActive, &m.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeInsufficientPermissions, "no membership in tenant")
	}
	if err != nil {
		return nil, fmt.Errorf("rbac: get membership: %w", err)
	}
	return &m, nil
}

// TouchLastSeen updates the membership's last_seen_at.
func (s *Store) TouchLastSeen(ctx context.Context, tenantUserID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tenant_users SET last_seen_at = now() WHERE id = $1`, tenantUserID)
	if err != nil {
		return fmt.Errorf("rbac: touch last seen: %w", err)
	}
	return nil
}

// RolePermissions returns the union of permission codes across all roles
// assigned to the membership.
func (s *Store) RolePermissions(ctx context.Context, tenantUserID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT p.code
		FROM tenant_user_roles tur
		JOIN role_permissions rp ON rp.role_id = tur.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE tur.tenant_user_id = $1
	`, tenantUserID)
	if err != nil {
		return nil, fmt.Errorf("rbac: role permissions: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("rbac: scan permission: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// Overrides returns the per-user permission exceptions for the membership.
func (s *Store) Overrides(ctx context.Context, tenantUserID string) ([]Override, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.code, up.granted, up.reason
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.tenant_user_id = $1
	`, tenantUserID)
	if err != nil {
		return nil, fmt.Errorf("rbac: overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.PermissionCode, &o.Granted, &o.Reason); err != nil {
			return nil, fmt.Errorf("rbac: scan override: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AssignRole links a role to a membership. Caller must invalidate the
// scope cache afterwards.
func (s *Store) AssignRole(ctx context.Context, tenantUserID, roleID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_user_roles (id, tenant_user_id, role_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_user_id, role_id) DO NOTHING
	`, uuid.NewString(), tenantUserID, roleID)
	if err != nil {
		return fmt.Errorf("rbac: assign role: %w", err)
	}
	return nil
}

// UnassignRole removes a role from a membership.
func (s *Store) UnassignRole(ctx context.Context, tenantUserID, roleID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM tenant_user_roles WHERE tenant_user_id = $1 AND role_id = $2`,
		tenantUserID, roleID)
	if err != nil {
		return fmt.Errorf("rbac: unassign role: %w", err)
	}
	return nil
}

// SetOverride upserts a per-user permission exception by code.
func (s *Store) SetOverride(ctx context.Context, tenantUserID, permissionCode string, granted bool, reason string) error {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO user_permissions (id, tenant_user_id, permission_id, granted, reason)
		SELECT $1, $2, p.id, $3, $4 FROM permissions p WHERE p.code = $5
		ON CONFLICT (tenant_user_id, permission_id)
		DO UPDATE SET granted = EXCLUDED.granted, reason = EXCLUDED.reason
	`, uuid.NewString(), tenantUserID, granted, reason, permissionCode)
	if err != nil {
		return fmt.Errorf("rbac: set override: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.Newf(apperr.CodeResourceNotFound, "unknown permission %q", permissionCode)
	}
	return nil
}

// RemoveOverride deletes a per-user permission exception by code.
func (s *Store) RemoveOverride(ctx context.Context, tenantUserID, permissionCode string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM user_permissions up
		USING permissions p
		WHERE up.permission_id = p.id AND up.tenant_user_id = $1 AND p.code = $2
	`, tenantUserID, permissionCode)
	if err != nil {
		return fmt.Errorf("rbac: remove override: %w", err)
	}
	return nil
}

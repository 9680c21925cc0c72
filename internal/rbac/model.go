// Package rbac resolves operator permissions per tenant. Scopes come from
// roles and can be overridden per user, with deny winning over allow.
package rbac

import "time"

// InviteStatus is the lifecycle of a tenant membership.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteRevoked  InviteStatus = "revoked"
)

// User is a global identity; tenancy comes from TenantUser.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	TwoFactor    bool      `json:"two_factor_enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// TenantUser associates a User with a Tenant.
type TenantUser struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	UserID       string       `json:"user_id"`
	InviteStatus InviteStatus `json:"invite_status"`
	IsActive     bool         `json:"is_active"`
	LastSeenAt   time.Time    `json:"last_seen_at"`
}

// Role is a per-tenant named permission collection. System roles are
// seeded and immutable.
type Role struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	IsSystem bool   `json:"is_system"`
}

// Override is a per-user permission exception. Granted=false removes the
// permission even when a role grants it.
type Override struct {
	PermissionCode string `json:"permission_code"`
	Granted        bool   `json:"granted"`
	Reason         string `json:"reason"`
}

// ScopeSet is the effective permission set attached to a request.
type ScopeSet map[string]struct{}

// NewScopeSet builds a set from codes.
func NewScopeSet(codes ...string) ScopeSet {
	s := make(ScopeSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// Has reports membership of a single scope.
func (s ScopeSet) Has(code string) bool {
	_, ok := s[code]
	return ok
}

// HasAll reports whether every required code is present.
func (s ScopeSet) HasAll(codes ...string) bool {
	for _, c := range codes {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Slice returns the codes for serialization. Order is unspecified.
func (s ScopeSet) Slice() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

// Effective applies the deny-overrides-allow algebra: the union of role
// permissions, minus denied overrides, plus granted overrides.
func Effective(rolePerms []string, overrides []Override) ScopeSet {
	s := NewScopeSet(rolePerms...)
	// Grants first so a deny on the same code still wins.
	for _, o := range overrides {
		if o.Granted {
			s[o.PermissionCode] = struct{}{}
		}
	}
	for _, o := range overrides {
		if !o.Granted {
			delete(s, o.PermissionCode)
		}
	}
	return s
}

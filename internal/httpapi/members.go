package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sokoflow/backend/internal/apperr"
)

// rbacAdmin mutates role assignments and per-user overrides; tests stub
// it. Every write is followed by a scope-cache invalidation for the
// affected membership.
type rbacAdmin interface {
	AssignRole(ctx context.Context, tenantUserID, roleID string) error
	UnassignRole(ctx context.Context, tenantUserID, roleID string) error
	SetOverride(ctx context.Context, tenantUserID, permissionCode string, granted bool, reason string) error
	RemoveOverride(ctx context.Context, tenantUserID, permissionCode string) error
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

func (a *API) handleRoleAssign(w http.ResponseWriter, r *http.Request) {
	membershipID := chi.URLParam(r, "membershipID")

	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.logger, err)
		return
	}
	if req.RoleID == "" {
		writeError(w, a.logger, apperr.New(apperr.CodeInvalidInput, "role_id is required"))
		return
	}
	if err := a.rbacWrites.AssignRole(r.Context(), membershipID, req.RoleID); err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.invalidateScopes(r.Context(), membershipID)
	a.audit(r.Context(), "rbac.role_assigned", "tenant_user", membershipID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRoleUnassign(w http.ResponseWriter, r *http.Request) {
	membershipID := chi.URLParam(r, "membershipID")
	roleID := chi.URLParam(r, "roleID")

	if err := a.rbacWrites.UnassignRole(r.Context(), membershipID, roleID); err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.invalidateScopes(r.Context(), membershipID)
	a.audit(r.Context(), "rbac.role_unassigned", "tenant_user", membershipID)
	w.WriteHeader(http.StatusNoContent)
}

type setOverrideRequest struct {
	Granted *bool  `json:"granted"`
	Reason  string `json:"reason"`
}

func (a *API) handleOverrideSet(w http.ResponseWriter, r *http.Request) {
	membershipID := chi.URLParam(r, "membershipID")
	code := chi.URLParam(r, "code")

	var req setOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.logger, err)
		return
	}
	if req.Granted == nil {
		writeError(w, a.logger, apperr.New(apperr.CodeInvalidInput, "granted flag required"))
		return
	}
	if err := a.rbacWrites.SetOverride(r.Context(), membershipID, code, *req.Granted, req.Reason); err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.invalidateScopes(r.Context(), membershipID)
	a.audit(r.Context(), "rbac.override_set", "tenant_user", membershipID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOverrideRemove(w http.ResponseWriter, r *http.Request) {
	membershipID := chi.URLParam(r, "membershipID")
	code := chi.URLParam(r, "code")

	if err := a.rbacWrites.RemoveOverride(r.Context(), membershipID, code); err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.invalidateScopes(r.Context(), membershipID)
	a.audit(r.Context(), "rbac.override_removed", "tenant_user", membershipID)
	w.WriteHeader(http.StatusNoContent)
}

// invalidateScopes bumps the membership's scope-cache version. The write
// already happened, so a failed bump is logged and the entry ages out on
// its own TTL.
func (a *API) invalidateScopes(ctx context.Context, membershipID string) {
	if err := a.resolver.Invalidate(ctx, membershipID); err != nil {
		a.logger.Warn("scope invalidation failed", "error", err, "tenant_user_id", membershipID)
	}
}

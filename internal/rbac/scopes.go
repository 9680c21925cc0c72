package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/pkg/logging"
)

const (
	scopeCacheTTL = 5 * time.Minute
	// The version counter outlives the cache entries so a reader can never
	// observe an entry newer than its version.
	scopeVersionTTL = 2 * scopeCacheTTL
)

// scopeSource is the subset of Store the resolver needs; tests stub it.
type scopeSource interface {
	GetMembership(ctx context.Context, tenantID, userID string) (*TenantUser, error)
	RolePermissions(ctx context.Context, tenantUserID string) ([]string, error)
	Overrides(ctx context.Context, tenantUserID string) ([]Override, error)
	TouchLastSeen(ctx context.Context, tenantUserID string) error
}

// Context is the resolved request context attached to authenticated calls.
type Context struct {
	TenantID   string
	Membership *TenantUser
	Scopes     ScopeSet
}

// RequireScopes fails with INSUFFICIENT_PERMISSIONS unless every required
// scope is held.
func (c *Context) RequireScopes(codes ...string) error {
	if c == nil {
		return apperr.New(apperr.CodeInsufficientPermissions, "no rbac context")
	}
	for _, code := range codes {
		if !c.Scopes.Has(code) {
			return apperr.Newf(apperr.CodeInsufficientPermissions, "missing scope %s", code).
				WithDetail("required", codes)
		}
	}
	return nil
}

// Resolver assembles effective scopes with a versioned Redis cache.
//
// Invalidation is an atomic INCR of the version counter, never a delete.
// A reader that computed scopes against version N keeps serving them until
// its entry expires; writers publish N+1 and subsequent reads compute
// against it. This avoids the delete-between-miss-and-fill race.
type Resolver struct {
	store  scopeSource
	rdb    *redis.Client
	logger *logging.Logger
}

// NewResolver wires the resolver.
func NewResolver(store scopeSource, rdb *redis.Client, logger *logging.Logger) *Resolver {
	if store == nil {
		panic("rbac: store required")
	}
	if rdb == nil {
		panic("rbac: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{store: store, rdb: rdb, logger: logger.WithComponent("rbac")}
}

func scopeKey(tenantUserID string, version int64) string {
	return fmt.Sprintf("scopes:%s:v%d", tenantUserID, version)
}

func scopeVersionKey(tenantUserID string) string {
	return fmt.Sprintf("scope_version:%s", tenantUserID)
}

// Resolve authenticates the membership and returns the effective scopes.
func (r *Resolver) Resolve(ctx context.Context, tenantID, userID string) (*Context, error) {
	membership, err := r.store.GetMembership(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if !membership.IsActive || membership.InviteStatus != InviteAccepted {
		return nil, apperr.New(apperr.CodeInsufficientPermissions, "membership not active")
	}

	scopes, err := r.effectiveScopes(ctx, membership.ID)
	if err != nil {
		return nil, err
	}

	if err := r.store.TouchLastSeen(ctx, membership.ID); err != nil {
		r.logger.Warn("failed to touch membership", "error", err, "tenant_user_id", membership.ID)
	}

	return &Context{TenantID: tenantID, Membership: membership, Scopes: scopes}, nil
}

// Invalidate bumps the scope version for a membership. Call after every
// RBAC write that can change the effective set.
func (r *Resolver) Invalidate(ctx context.Context, tenantUserID string) error {
	key := scopeVersionKey(tenantUserID)
	if err := r.rdb.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("rbac: bump scope version: %w", err)
	}
	return r.rdb.Expire(ctx, key, scopeVersionTTL).Err()
}

func (r *Resolver) effectiveScopes(ctx context.Context, tenantUserID string) (ScopeSet, error) {
	version := r.currentVersion(ctx, tenantUserID)
	key := scopeKey(tenantUserID, version)

	if data, err := r.rdb.Get(ctx, key).Bytes(); err == nil {
		var codes []string
		if err := json.Unmarshal(data, &codes); err == nil {
			return NewScopeSet(codes...), nil
		}
		r.logger.Warn("scope cache entry corrupt", "tenant_user_id", tenantUserID)
	} else if !errors.Is(err, redis.Nil) {
		r.logger.Warn("scope cache read failed", "error", err, "tenant_user_id", tenantUserID)
	}

	rolePerms, err := r.store.RolePermissions(ctx, tenantUserID)
	if err != nil {
		return nil, err
	}
	overrides, err := r.store.Overrides(ctx, tenantUserID)
	if err != nil {
		return nil, err
	}
	scopes := Effective(rolePerms, overrides)

	if blob, err := json.Marshal(scopes.Slice()); err == nil {
		if err := r.rdb.Set(ctx, key, blob, scopeCacheTTL).Err(); err != nil {
			r.logger.Warn("scope cache fill failed", "error", err, "tenant_user_id", tenantUserID)
		}
	}
	return scopes, nil
}

func (r *Resolver) currentVersion(ctx context.Context, tenantUserID string) int64 {
	val, err := r.rdb.Get(ctx, scopeVersionKey(tenantUserID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		r.logger.Warn("scope version read failed", "error", err, "tenant_user_id", tenantUserID)
		return 0
	}
	version, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return version
}

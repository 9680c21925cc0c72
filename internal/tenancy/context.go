package tenancy

import "context"

type ctxKey string

const (
	tenantKey    ctxKey = "sokoflow.tenant_id"
	requestKey   ctxKey = "sokoflow.request_id"
	actorKey     ctxKey = "sokoflow.actor_user_id"
	apiClientKey ctxKey = "sokoflow.api_client"
)

// WithTenantID stores the tenant id in context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantIDFromContext extracts the tenant id if present.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(tenantKey)
	if val == nil {
		return "", false
	}
	tenantID, ok := val.(string)
	return tenantID, ok && tenantID != ""
}

// WithRequestID stores the per-turn request id in context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestKey, requestID)
}

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(requestKey)
	if val == nil {
		return "", false
	}
	requestID, ok := val.(string)
	return requestID, ok && requestID != ""
}

// WithActor stores the authenticated operator's user id in context.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey, userID)
}

// ActorFromContext extracts the operator user id if present.
func ActorFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(actorKey)
	if val == nil {
		return "", false
	}
	userID, ok := val.(string)
	return userID, ok && userID != ""
}

// WithAPIClient marks the request as authenticated by a tenant API key.
// API-key callers bypass RBAC and are restricted to webhook and automation
// routes by the router.
func WithAPIClient(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiClientKey, keyID)
}

// APIClientFromContext reports whether the caller used an API key.
func APIClientFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(apiClientKey)
	if val == nil {
		return "", false
	}
	keyID, ok := val.(string)
	return keyID, ok && keyID != ""
}

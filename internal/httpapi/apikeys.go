package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sokoflow/backend/internal/apperr"
)

// APIKey identifies an integration caller. Only the SHA-256 of the key
// material is stored; the raw key is shown once at creation.
type APIKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

type apiKeyQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// APIKeyStore persists tenant API keys.
type APIKeyStore struct {
	pool apiKeyQuerier
}

// NewAPIKeyStore initializes the store.
func NewAPIKeyStore(pool apiKeyQuerier) *APIKeyStore {
	if pool == nil {
		panic("httpapi: pgx pool required")
	}
	return &APIKeyStore{pool: pool}
}

// HashKey is the at-rest form of an API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Issue creates a key for the tenant and returns the raw secret exactly
// once. The caller must surface it immediately; it cannot be recovered.
func (s *APIKeyStore) Issue(ctx context.Context, tenantID, label string) (string, *APIKey, error) {
	if tenantID == "" {
		return "", nil, apperr.New(apperr.CodeInvalidInput, "tenant id required")
	}
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", nil, fmt.Errorf("httpapi: generate api key: %w", err)
	}
	raw := "sk_" + hex.EncodeToString(buf[:])

	key := &APIKey{ID: uuid.NewString(), TenantID: tenantID, Label: label}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, tenant_id, label, key_hash, is_active)
		VALUES ($1, $2, $3, $4, true)
		RETURNING created_at
	`, key.ID, tenantID, label, HashKey(raw)).Scan(&key.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("httpapi: insert api key: %w", err)
	}
	return raw, key, nil
}

// Authenticate resolves a raw key to its owning tenant.
func (s *APIKeyStore) Authenticate(ctx context.Context, raw string) (*APIKey, error) {
	if raw == "" {
		return nil, apperr.New(apperr.CodeInvalidAPIKey, "missing API key")
	}
	var key APIKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, label, created_at
		FROM api_keys WHERE key_hash = $1 AND is_active
	`, HashKey(raw)).Scan(&key.ID, &key.TenantID, &key.Label, &key.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeInvalidAPIKey, "unknown API key")
	}
	if err != nil {
		return nil, fmt.Errorf("httpapi: lookup api key: %w", err)
	}
	// Best effort; auth must not fail on a bookkeeping write.
	_, _ = s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, key.ID)
	return &key, nil
}

// Revoke deactivates a key. Revoked keys stop authenticating on the
// next request.
func (s *APIKeyStore) Revoke(ctx context.Context, tenantID, keyID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET is_active = false WHERE id = $1 AND tenant_id = $2
	`, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("httpapi: revoke api key: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.CodeResourceNotFound, "api key not found")
	}
	return nil
}

// apiKeySource is what the router needs; tests stub it.
type apiKeySource interface {
	Issue(ctx context.Context, tenantID, label string) (string, *APIKey, error)
	Authenticate(ctx context.Context, raw string) (*APIKey, error)
	Revoke(ctx context.Context, tenantID, keyID string) error
}

type issueKeyRequest struct {
	Label string `json:"label"`
}

type issueKeyResponse struct {
	Key    string  `json:"key"`
	APIKey *APIKey `json:"api_key"`
}

func (a *API) handleAPIKeyIssue(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.logger, err)
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	raw, key, err := a.apikeys.Issue(r.Context(), tenantID, req.Label)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.audit(r.Context(), "api_key.issued", "api_key", key.ID)
	writeJSON(w, http.StatusCreated, issueKeyResponse{Key: raw, APIKey: key})
}

func (a *API) handleAPIKeyRevoke(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	keyID := chi.URLParam(r, "keyID")
	if err := a.apikeys.Revoke(r.Context(), tenantID, keyID); err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.audit(r.Context(), "api_key.revoked", "api_key", keyID)
	w.WriteHeader(http.StatusNoContent)
}

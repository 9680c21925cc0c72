package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/rbac"
	"github.com/sokoflow/backend/internal/tenancy"
)

const bearerPrefix = "Bearer "

// Sessions issues and verifies operator session tokens. Tokens are
// HS256-signed JWTs carrying only the user id; tenant membership and
// scopes are resolved per request so revocation takes effect without
// waiting for expiry.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

// NewSessions builds the session signer.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl}
}

// Issue signs a session token for the user.
func (s *Sessions) Issue(userID string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    "sokoflow",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("httpapi: sign session: %w", err)
	}
	return token, expires, nil
}

// Verify checks the signature and expiry and returns the user id.
func (s *Sessions) Verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", apperr.New(apperr.CodeInvalidSignature, "invalid or expired session token")
	}
	return claims.Subject, nil
}

// userSource looks up users for login; tests stub it.
type userSource interface {
	GetUserByEmail(ctx context.Context, email string) (*rbac.User, error)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin exchanges email and password for a session token. All
// failure modes return the same error so the endpoint cannot be used to
// enumerate which addresses exist.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.logger, err)
		return
	}
	badCreds := apperr.New(apperr.CodeInvalidSignature, "invalid email or password")

	user, err := a.users.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		a.logger.Warn("login failed", "reason", "unknown email")
		writeError(w, a.logger, badCreds)
		return
	}
	if !user.IsActive {
		a.logger.Warn("login failed", "reason", "inactive user", "user_id", user.ID)
		writeError(w, a.logger, badCreds)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		a.logger.Warn("login failed", "reason", "bad password", "user_id", user.ID)
		writeError(w, a.logger, badCreds)
		return
	}

	token, expires, err := a.sessions.Issue(user.ID)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires})
}

// sessionAuth requires a valid Bearer token and stores the actor in
// context. It does not resolve tenant membership; tenantCtx does that.
func (a *API) sessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			writeError(w, a.logger, apperr.New(apperr.CodeInvalidSignature, "missing bearer token"))
			return
		}
		userID, err := a.sessions.Verify(strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenancy.WithActor(r.Context(), userID)))
	})
}

// apiKeyAuth authenticates integration callers by tenant API key. The
// key pins the tenant; these routes never see another tenant's data and
// skip RBAC entirely.
func (a *API) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := a.apikeys.Authenticate(r.Context(), r.Header.Get("X-API-Key"))
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		ctx := tenancy.WithAPIClient(r.Context(), key.ID)
		ctx = tenancy.WithTenantID(ctx, key.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

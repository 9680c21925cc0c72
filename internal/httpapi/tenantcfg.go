package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/tenant"
)

// tenantSource reads tenant config through the cache.
type tenantSource interface {
	Get(ctx context.Context, tenantID string) (*tenant.Tenant, error)
}

// tenantWriter persists config changes and drops the cached copy.
type tenantWriter interface {
	UpdatePersona(ctx context.Context, tenantID string, persona tenant.Persona) error
}

type tenantInvalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// handleTenantGet returns the tenant's runtime configuration.
func (a *API) handleTenantGet(w http.ResponseWriter, r *http.Request) {
	ten, err := a.tenants.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	// Gateway credentials never leave the server.
	redacted := *ten
	redacted.Gateway = tenant.GatewayConfig{SenderNumber: ten.Gateway.SenderNumber}
	writeJSON(w, http.StatusOK, redacted)
}

// handlePersonaUpdate replaces the bot persona. The cached tenant config
// is invalidated so the next inbound turn picks the change up.
func (a *API) handlePersonaUpdate(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var persona tenant.Persona
	if err := decodeJSON(r, &persona); err != nil {
		writeError(w, a.logger, err)
		return
	}
	if err := validatePersona(&persona); err != nil {
		writeError(w, a.logger, err)
		return
	}
	if err := a.tenantWrites.UpdatePersona(r.Context(), tenantID, persona); err != nil {
		writeError(w, a.logger, err)
		return
	}
	if a.tenantCache != nil {
		if err := a.tenantCache.Invalidate(r.Context(), tenantID); err != nil {
			a.logger.Warn("tenant cache invalidation failed", "error", err, "tenant_id", tenantID)
		}
	}
	a.audit(r.Context(), "tenant.persona_updated", "tenant", tenantID)
	writeJSON(w, http.StatusOK, persona)
}

func validatePersona(p *tenant.Persona) error {
	p.BotName = strings.TrimSpace(p.BotName)
	if p.BotName == "" {
		return apperr.New(apperr.CodeInvalidInput, "bot_name is required")
	}
	if p.DefaultLanguage == "" {
		return apperr.New(apperr.CodeInvalidInput, "default_language is required")
	}
	if len(p.AllowedLanguages) == 0 {
		p.AllowedLanguages = []string{p.DefaultLanguage}
	}
	if !p.AllowsLanguage(p.DefaultLanguage) {
		return apperr.New(apperr.CodeInvalidInput, "default_language must be in allowed_languages")
	}
	if p.MaxChattiness != nil && (*p.MaxChattiness < 0 || *p.MaxChattiness > 3) {
		return apperr.New(apperr.CodeInvalidInput, "max_chattiness_level must be between 0 and 3")
	}
	return nil
}

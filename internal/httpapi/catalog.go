package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/catalog"
	"github.com/sokoflow/backend/internal/tenancy"
)

// catalogSource is the catalog surface the API needs; tests stub it.
type catalogSource interface {
	Search(ctx context.Context, tenantID, query string, filters catalog.SearchFilters) (*catalog.SearchResult, error)
	GetByID(ctx context.Context, tenantID, itemID string) (*catalog.Item, error)
	SetActive(ctx context.Context, tenantID, itemID string, active bool) error
}

// handleCatalogSearch serves both the operator view and the automation
// surface; on automation routes the tenant comes from the API key.
func (a *API) handleCatalogSearch(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		tenantID, _ = tenancy.TenantIDFromContext(r.Context())
	}
	filters := catalog.SearchFilters{Category: r.URL.Query().Get("category")}
	result, err := a.catalog.Search(r.Context(), tenantID, r.URL.Query().Get("q"), filters)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type itemActiveRequest struct {
	Active *bool `json:"active"`
}

// handleItemActive shows or hides one catalog item from the bot.
func (a *API) handleItemActive(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		tenantID, _ = tenancy.TenantIDFromContext(r.Context())
	}
	itemID := chi.URLParam(r, "itemID")

	var req itemActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.logger, err)
		return
	}
	if req.Active == nil {
		writeError(w, a.logger, apperr.New(apperr.CodeInvalidInput, "active flag required"))
		return
	}
	if err := a.catalog.SetActive(r.Context(), tenantID, itemID, *req.Active); err != nil {
		writeError(w, a.logger, err)
		return
	}
	item, err := a.catalog.GetByID(r.Context(), tenantID, itemID)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.audit(r.Context(), "catalog.item_active", "catalog_item", itemID)
	writeJSON(w, http.StatusOK, item)
}

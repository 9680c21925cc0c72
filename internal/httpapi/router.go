package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sokoflow/backend/internal/payments"
	"github.com/sokoflow/backend/internal/webhook"
	"github.com/sokoflow/backend/pkg/logging"
)

// Config wires the API's dependencies. Optional fields (Webhooks,
// Health, Metrics, AuditLog, Notifier, Conversations, TenantCache) may
// be nil; their routes or side effects are skipped.
type Config struct {
	Logger *logging.Logger

	Sessions *Sessions
	Users    userSource
	APIKeys  apiKeySource
	Resolver scopeResolver

	Tickets       ticketStore
	Conversations conversationControl
	Catalog       catalogSource
	Withdrawals   withdrawalService
	Tenants       tenantSource
	TenantWrites  tenantWriter
	TenantCache   tenantInvalidator
	RBACWrites    rbacAdmin

	AuditLog auditor
	Notifier withdrawalNotifier

	// HandoffAutoClose closes the conversation on ticket resolution
	// instead of returning it to the bot.
	HandoffAutoClose bool

	Webhooks *webhook.Intake
	Health   *Health
	Metrics  http.Handler
}

// API holds the handler state behind the router.
type API struct {
	logger *logging.Logger

	sessions *Sessions
	users    userSource
	apikeys  apiKeySource
	resolver scopeResolver

	tickets       ticketStore
	conversations conversationControl
	catalog       catalogSource
	withdrawals   withdrawalService
	tenants       tenantSource
	tenantWrites  tenantWriter
	tenantCache   tenantInvalidator
	rbacWrites    rbacAdmin

	auditLog auditor
	notifier withdrawalNotifier

	handoffAutoClose bool
}

// New assembles the full HTTP surface.
func New(cfg Config) http.Handler {
	for name, missing := range map[string]bool{
		"sessions":     cfg.Sessions == nil,
		"users":        cfg.Users == nil,
		"api keys":     cfg.APIKeys == nil,
		"resolver":     cfg.Resolver == nil,
		"tickets":      cfg.Tickets == nil,
		"catalog":      cfg.Catalog == nil,
		"withdrawals":  cfg.Withdrawals == nil,
		"tenants":      cfg.Tenants == nil,
		"tenant write": cfg.TenantWrites == nil,
		"rbac write":   cfg.RBACWrites == nil,
	} {
		if missing {
			panic("httpapi: " + name + " dependency required")
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	a := &API{
		logger:        cfg.Logger.WithComponent("httpapi"),
		sessions:      cfg.Sessions,
		users:         cfg.Users,
		apikeys:       cfg.APIKeys,
		resolver:      cfg.Resolver,
		tickets:       cfg.Tickets,
		conversations: cfg.Conversations,
		catalog:       cfg.Catalog,
		withdrawals:   cfg.Withdrawals,
		tenants:       cfg.Tenants,
		tenantWrites:  cfg.TenantWrites,
		tenantCache:   cfg.TenantCache,
		rbacWrites:    cfg.RBACWrites,
		auditLog:      cfg.AuditLog,
		notifier:      cfg.Notifier,

		handoffAutoClose: cfg.HandoffAutoClose,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5))

	// Public surface.
	if cfg.Health != nil {
		r.Method(http.MethodGet, "/health", cfg.Health)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.Webhooks != nil {
		r.Post("/webhooks/twilio/status", cfg.Webhooks.HandleStatus)
		r.Post("/webhooks/twilio/{slug}", cfg.Webhooks.HandleInbound)
	}
	r.Post("/auth/login", a.handleLogin)

	// Operator surface: session token plus per-tenant membership.
	r.Route("/api/tenants/{tenantID}", func(t chi.Router) {
		t.Use(a.sessionAuth)
		t.Use(a.tenantCtx)

		t.With(a.requireScopes(ScopeInboxRead)).Get("/inbox", a.handleInboxList)
		t.With(a.requireScopes(ScopeInboxClaim)).Post("/inbox/{ticketID}/claim", a.handleInboxClaim)
		t.With(a.requireScopes(ScopeInboxClaim)).Post("/inbox/{ticketID}/resolve", a.handleInboxResolve)

		t.With(a.requireScopes(ScopeCatalogView)).Get("/catalog", a.handleCatalogSearch)
		t.With(a.requireScopes(ScopeCatalogEdit)).Put("/catalog/{itemID}/active", a.handleItemActive)

		t.Get("/", a.handleTenantGet)
		t.With(a.requireScopes(ScopeTenantSettings)).Put("/persona", a.handlePersonaUpdate)

		t.With(a.requireScopes(payments.ScopeWithdrawInitiate)).Post("/withdrawals", a.handleWithdrawalInitiate)
		t.With(a.requireScopes(payments.ScopeWithdrawApprove)).Post("/withdrawals/{txnID}/approve", a.handleWithdrawalApprove)

		t.Route("/members/{membershipID}", func(m chi.Router) {
			m.Use(a.requireScopes(ScopeStaffManage))
			m.Post("/roles", a.handleRoleAssign)
			m.Delete("/roles/{roleID}", a.handleRoleUnassign)
			m.Put("/permissions/{code}", a.handleOverrideSet)
			m.Delete("/permissions/{code}", a.handleOverrideRemove)
		})

		t.With(a.requireScopes(ScopeStaffManage)).Post("/api-keys", a.handleAPIKeyIssue)
		t.With(a.requireScopes(ScopeStaffManage)).Delete("/api-keys/{keyID}", a.handleAPIKeyRevoke)
	})

	// Automation surface: tenant API key, pinned tenant, no RBAC.
	r.Route("/api/automation", func(m chi.Router) {
		m.Use(a.apiKeyAuth)
		m.Get("/catalog", a.handleCatalogSearch)
		m.Put("/catalog/{itemID}/active", a.handleItemActive)
	})

	return r
}

// Package tools is the contract layer between the journey subflows and
// tenant state. Classifier output never mutates anything directly; it only
// selects a tool and supplies parameters, which every tool re-validates
// along with the tenant id before touching storage.
package tools

import (
	"context"
	"strings"
	"time"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/booking"
	"github.com/sokoflow/backend/internal/catalog"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/handoff"
	"github.com/sokoflow/backend/internal/kb"
	"github.com/sokoflow/backend/internal/observability/metrics"
	"github.com/sokoflow/backend/internal/orders"
	"github.com/sokoflow/backend/internal/payments"
	"github.com/sokoflow/backend/internal/tenant"
	"github.com/sokoflow/backend/pkg/logging"
)

// Input is the fixed envelope every tool call carries.
type Input struct {
	TenantID       string
	RequestID      string
	ConversationID string
}

func (in Input) validate() error {
	if in.TenantID == "" {
		return apperr.New(apperr.CodeInvalidInput, "tool input requires a tenant id")
	}
	return nil
}

type tenantSource interface {
	Get(ctx context.Context, tenantID string) (*tenant.Tenant, error)
}

type customerStore interface {
	GetOrCreateByPhone(ctx context.Context, tenantID, phone string) (*customer.Customer, error)
	UpdatePreferences(ctx context.Context, tenantID, customerID string, languagePref string, reminder, promotional *bool) error
	RevokeMarketingConsent(ctx context.Context, tenantID, customerID string) error
}

type catalogStore interface {
	Search(ctx context.Context, tenantID, query string, filters catalog.SearchFilters) (*catalog.SearchResult, error)
	GetByID(ctx context.Context, tenantID, itemID string) (*catalog.Item, error)
}

type orderStore interface {
	CreateDraft(ctx context.Context, tenantID, customerID, currency string, lines []orders.Line) (*orders.Order, error)
	GetByID(ctx context.Context, tenantID, orderID string) (*orders.Order, error)
	ListByCustomer(ctx context.Context, tenantID, customerID string, limit int) ([]orders.Order, error)
	ApplyCoupon(ctx context.Context, tenantID, orderID, code string) (*orders.Order, error)
	ApplicableOffers(ctx context.Context, tenantID string) ([]orders.Offer, error)
}

type bookingStore interface {
	WindowsForService(ctx context.Context, tenantID, serviceID string) ([]booking.Window, error)
	Book(ctx context.Context, a *booking.Appointment) (*booking.Appointment, error)
}

type paymentRouter interface {
	Methods() []payments.Method
	InitiateSTKPush(ctx context.Context, tenantID, phone string, amount float64, currency, orderID string) (*payments.PaymentRequest, error)
	GetC2BInstructions(ctx context.Context, tenantID string, amount float64, currency, orderID string) (*payments.PaymentRequest, error)
	CreatePesapalCheckout(ctx context.Context, tenantID string, amount float64, currency, orderID string) (*payments.PaymentRequest, error)
}

type ticketStore interface {
	Create(ctx context.Context, t *handoff.Ticket) (*handoff.Ticket, error)
}

// Per-attempt deadlines. Vector search tolerates more latency than the
// relational stores.
const (
	defaultVectorTimeout  = 5 * time.Second
	defaultStorageTimeout = 2 * time.Second
)

// Client exposes the canonical tools.
type Client struct {
	tenants        tenantSource
	customers      customerStore
	catalog        catalogStore
	orders         orderStore
	booking        bookingStore
	payments       paymentRouter
	kb             kb.Retriever
	handoff        ticketStore
	vectorTimeout  time.Duration
	storageTimeout time.Duration
	metrics        *metrics.PipelineMetrics
	logger         *logging.Logger
}

// Deps bundles the stores behind the tools.
type Deps struct {
	Tenants   tenantSource
	Customers customerStore
	Catalog   catalogStore
	Orders    orderStore
	Booking   bookingStore
	Payments  paymentRouter
	KB        kb.Retriever
	Handoff   ticketStore

	// VectorTimeout and StorageTimeout bound each tool attempt.
	VectorTimeout  time.Duration
	StorageTimeout time.Duration

	Metrics *metrics.PipelineMetrics
	Logger  *logging.Logger
}

// NewClient wires the tool layer.
func NewClient(d Deps) *Client {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.VectorTimeout <= 0 {
		d.VectorTimeout = defaultVectorTimeout
	}
	if d.StorageTimeout <= 0 {
		d.StorageTimeout = defaultStorageTimeout
	}
	return &Client{
		tenants: d.Tenants, customers: d.Customers, catalog: d.Catalog,
		orders: d.Orders, booking: d.Booking, payments: d.Payments,
		kb: d.KB, handoff: d.Handoff,
		vectorTimeout: d.VectorTimeout, storageTimeout: d.StorageTimeout,
		metrics: d.Metrics,
		logger:  d.Logger.WithComponent("tools"),
	}
}

// timeoutFor picks the per-attempt deadline for a tool.
func (c *Client) timeoutFor(tool string) time.Duration {
	if tool == "kb_retrieve" {
		return c.vectorTimeout
	}
	return c.storageTimeout
}

// TenantGetContext returns the persona and runtime flags for the tenant.
func (c *Client) TenantGetContext(ctx context.Context, in Input) (*tenant.Tenant, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return retry(ctx, c, "tenant_get_context", func(ctx context.Context) (*tenant.Tenant, error) {
		return c.tenants.Get(ctx, in.TenantID)
	})
}

// CustomerGetOrCreate resolves a customer by phone, creating on first contact.
func (c *Client) CustomerGetOrCreate(ctx context.Context, in Input, phone string) (*customer.Customer, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if phone == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "phone is required")
	}
	return retry(ctx, c, "customer_get_or_create", func(ctx context.Context) (*customer.Customer, error) {
		return c.customers.GetOrCreateByPhone(ctx, in.TenantID, phone)
	})
}

// CustomerUpdatePreferences applies explicit preference changes. Nil
// pointers leave the corresponding consent untouched.
func (c *Client) CustomerUpdatePreferences(ctx context.Context, in Input, customerID, languagePref string, reminder, promotional *bool) error {
	if err := in.validate(); err != nil {
		return err
	}
	_, err := retry(ctx, c, "customer_update_preferences", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.customers.UpdatePreferences(ctx, in.TenantID, customerID, languagePref, reminder, promotional)
	})
	return err
}

// CustomerOptOut flips reminder and promotional consent off atomically.
func (c *Client) CustomerOptOut(ctx context.Context, in Input, customerID string) error {
	if err := in.validate(); err != nil {
		return err
	}
	_, err := retry(ctx, c, "customer_opt_out", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.customers.RevokeMarketingConsent(ctx, in.TenantID, customerID)
	})
	return err
}

// CatalogSearch narrows the catalog; results are capped at the channel
// page size with a total estimate for deep-link decisions.
func (c *Client) CatalogSearch(ctx context.Context, in Input, query string, filters catalog.SearchFilters) (*catalog.SearchResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	return retry(ctx, c, "catalog_search", func(ctx context.Context) (*catalog.SearchResult, error) {
		return c.catalog.Search(ctx, in.TenantID, query, filters)
	})
}

// CatalogGetItem fetches one item with variants.
func (c *Client) CatalogGetItem(ctx context.Context, in Input, itemID string) (*catalog.Item, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if itemID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "item id is required")
	}
	return retry(ctx, c, "catalog_get_item", func(ctx context.Context) (*catalog.Item, error) {
		return c.catalog.GetByID(ctx, in.TenantID, itemID)
	})
}

// OrderCreate opens a draft order from the working cart.
func (c *Client) OrderCreate(ctx context.Context, in Input, customerID, currency string, lines []orders.Line) (*orders.Order, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return retry(ctx, c, "order_create", func(ctx context.Context) (*orders.Order, error) {
		return c.orders.CreateDraft(ctx, in.TenantID, customerID, currency, lines)
	})
}

// OrderGetStatus resolves by order id when given, otherwise returns the
// customer's recent orders so the subflow can disambiguate.
func (c *Client) OrderGetStatus(ctx context.Context, in Input, orderID, customerID string) ([]orders.Order, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if orderID != "" {
		o, err := retry(ctx, c, "order_get_status", func(ctx context.Context) (*orders.Order, error) {
			return c.orders.GetByID(ctx, in.TenantID, orderID)
		})
		if err != nil {
			return nil, err
		}
		return []orders.Order{*o}, nil
	}
	if customerID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "order id or customer id is required")
	}
	return retry(ctx, c, "order_get_status", func(ctx context.Context) ([]orders.Order, error) {
		return c.orders.ListByCustomer(ctx, in.TenantID, customerID, 5)
	})
}

// OrderApplyCoupon validates and applies a coupon code to a draft order.
func (c *Client) OrderApplyCoupon(ctx context.Context, in Input, orderID, code string) (*orders.Order, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return retry(ctx, c, "order_apply_coupon", func(ctx context.Context) (*orders.Order, error) {
		return c.orders.ApplyCoupon(ctx, in.TenantID, orderID, strings.ToUpper(strings.TrimSpace(code)))
	})
}

// OffersGetApplicable lists currently valid offers. An empty result means
// there is nothing to promote; the subflow never invents one.
func (c *Client) OffersGetApplicable(ctx context.Context, in Input) ([]orders.Offer, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return retry(ctx, c, "offers_get_applicable", func(ctx context.Context) ([]orders.Offer, error) {
		return c.orders.ApplicableOffers(ctx, in.TenantID)
	})
}

// BookingGetWindows lists the availability windows for a service item.
func (c *Client) BookingGetWindows(ctx context.Context, in Input, serviceID string) ([]booking.Window, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return retry(ctx, c, "booking_get_windows", func(ctx context.Context) ([]booking.Window, error) {
		return c.booking.WindowsForService(ctx, in.TenantID, serviceID)
	})
}

// BookingCreate books a slot. Capacity violations are permanent.
func (c *Client) BookingCreate(ctx context.Context, in Input, a *booking.Appointment) (*booking.Appointment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	a.TenantID = in.TenantID
	return retry(ctx, c, "booking_create", func(ctx context.Context) (*booking.Appointment, error) {
		return c.booking.Book(ctx, a)
	})
}

// PaymentGetMethods lists the rails wired for this deployment.
func (c *Client) PaymentGetMethods(ctx context.Context, in Input) ([]payments.Method, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return c.payments.Methods(), nil
}

// PaymentInitiateSTKPush triggers an M-Pesa prompt on the customer handset.
func (c *Client) PaymentInitiateSTKPush(ctx context.Context, in Input, phone string, amount float64, currency, orderID string) (*payments.PaymentRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return retry(ctx, c, "payment_initiate_stk_push", func(ctx context.Context) (*payments.PaymentRequest, error) {
		return c.payments.InitiateSTKPush(ctx, in.TenantID, phone, amount, currency, orderID)
	})
}

// PaymentGetC2BInstructions returns manual paybill steps.
func (c *Client) PaymentGetC2BInstructions(ctx context.Context, in Input, amount float64, currency, orderID string) (*payments.PaymentRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return retry(ctx, c, "payment_get_c2b_instructions", func(ctx context.Context) (*payments.PaymentRequest, error) {
		return c.payments.GetC2BInstructions(ctx, in.TenantID, amount, currency, orderID)
	})
}

// PaymentCreatePesapalCheckout returns a hosted checkout link.
func (c *Client) PaymentCreatePesapalCheckout(ctx context.Context, in Input, amount float64, currency, orderID string) (*payments.PaymentRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return retry(ctx, c, "payment_create_pesapal_checkout", func(ctx context.Context) (*payments.PaymentRequest, error) {
		return c.payments.CreatePesapalCheckout(ctx, in.TenantID, amount, currency, orderID)
	})
}

// KBRetrieve searches the tenant's isolated knowledge namespace.
func (c *Client) KBRetrieve(ctx context.Context, in Input, query string, k int) ([]kb.Snippet, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if k <= 0 || k > 10 {
		k = 3
	}
	return retry(ctx, c, "kb_retrieve", func(ctx context.Context) ([]kb.Snippet, error) {
		return c.kb.Retrieve(ctx, in.TenantID, query, k)
	})
}

// HandoffCreateTicket freezes the conversation context for an operator and
// returns the ticket plus the timeline to acknowledge to the customer.
func (c *Client) HandoffCreateTicket(ctx context.Context, in Input, customerID string, reason handoff.Reason, snap handoff.Snapshot) (*handoff.Ticket, string, error) {
	if err := in.validate(); err != nil {
		return nil, "", err
	}
	t, err := retry(ctx, c, "handoff_create_ticket", func(ctx context.Context) (*handoff.Ticket, error) {
		return c.handoff.Create(ctx, &handoff.Ticket{
			TenantID:       in.TenantID,
			ConversationID: in.ConversationID,
			CustomerID:     customerID,
			Reason:         reason,
			Snapshot:       snap,
		})
	})
	if err != nil {
		return nil, "", err
	}
	return t, handoff.ExpectedTimeline, nil
}

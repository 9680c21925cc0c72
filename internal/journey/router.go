package journey

import (
	"context"
	"fmt"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/booking"
	"github.com/sokoflow/backend/internal/catalog"
	"github.com/sokoflow/backend/internal/classifier"
	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/handoff"
	"github.com/sokoflow/backend/internal/kb"
	"github.com/sokoflow/backend/internal/orders"
	"github.com/sokoflow/backend/internal/payments"
	"github.com/sokoflow/backend/internal/tenant"
	"github.com/sokoflow/backend/internal/tools"
	"github.com/sokoflow/backend/pkg/logging"
)

// toolClient is the slice of the tool layer the subflows use.
type toolClient interface {
	CatalogSearch(ctx context.Context, in tools.Input, query string, filters catalog.SearchFilters) (*catalog.SearchResult, error)
	CatalogGetItem(ctx context.Context, in tools.Input, itemID string) (*catalog.Item, error)
	OrderCreate(ctx context.Context, in tools.Input, customerID, currency string, lines []orders.Line) (*orders.Order, error)
	OrderGetStatus(ctx context.Context, in tools.Input, orderID, customerID string) ([]orders.Order, error)
	OrderApplyCoupon(ctx context.Context, in tools.Input, orderID, code string) (*orders.Order, error)
	OffersGetApplicable(ctx context.Context, in tools.Input) ([]orders.Offer, error)
	BookingGetWindows(ctx context.Context, in tools.Input, serviceID string) ([]booking.Window, error)
	BookingCreate(ctx context.Context, in tools.Input, a *booking.Appointment) (*booking.Appointment, error)
	CustomerUpdatePreferences(ctx context.Context, in tools.Input, customerID, languagePref string, reminder, promotional *bool) error
	CustomerOptOut(ctx context.Context, in tools.Input, customerID string) error
	KBRetrieve(ctx context.Context, in tools.Input, query string, k int) ([]kb.Snippet, error)
	HandoffCreateTicket(ctx context.Context, in tools.Input, customerID string, reason handoff.Reason, snap handoff.Snapshot) (*handoff.Ticket, string, error)
	PaymentGetMethods(ctx context.Context, in tools.Input) ([]payments.Method, error)
	PaymentInitiateSTKPush(ctx context.Context, in tools.Input, phone string, amount float64, currency, orderID string) (*payments.PaymentRequest, error)
	PaymentGetC2BInstructions(ctx context.Context, in tools.Input, amount float64, currency, orderID string) (*payments.PaymentRequest, error)
	PaymentCreatePesapalCheckout(ctx context.Context, in tools.Input, amount float64, currency, orderID string) (*payments.PaymentRequest, error)
}

// Turn carries everything a subflow may read for one inbound message.
type Turn struct {
	State    *conversation.State
	Tenant   *tenant.Tenant
	Customer *customer.Customer
	Text     string
	Intent   classifier.IntentResult
}

func (t *Turn) input() tools.Input {
	return tools.Input{
		TenantID:       t.State.TenantID,
		RequestID:      t.State.RequestID,
		ConversationID: t.State.ConversationID,
	}
}

// Handler executes one subflow step.
type Handler func(ctx context.Context, r *Router, t *Turn) (Action, error)

// Router owns the intent dispatch table and the escalation policy.
type Router struct {
	tools            toolClient
	handlers         map[string]Handler
	executeThreshold float64
	clarifyThreshold float64
	// unknown holds classifier labels folded to IntentUnknown before
	// dispatch, such as GIBBERISH and EMPTY.
	unknown    map[string]struct{}
	kbMinScore float64
	logger     *logging.Logger
}

// SetUnknownIntents replaces the set of labels treated as unknown.
func (r *Router) SetUnknownIntents(labels []string) {
	r.unknown = make(map[string]struct{}, len(labels))
	for _, l := range labels {
		r.unknown[l] = struct{}{}
	}
}

// SetKBMinScore sets the deployment-wide retrieval threshold used when a
// tenant has not tuned its own.
func (r *Router) SetKBMinScore(score float64) {
	r.kbMinScore = score
}

// NewRouter builds the dispatch table.
func NewRouter(tc toolClient, executeThreshold, clarifyThreshold float64, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Router{
		tools:            tc,
		executeThreshold: executeThreshold,
		clarifyThreshold: clarifyThreshold,
		logger:           logger.WithComponent("journey"),
	}
	r.handlers = map[string]Handler{
		classifier.IntentBrowseProducts:    handleBrowse,
		classifier.IntentProductDetails:    handleProductDetails,
		classifier.IntentPlaceOrder:        handlePlaceOrder,
		classifier.IntentBookService:       handleBookService,
		classifier.IntentOrderStatus:       handleOrderStatus,
		classifier.IntentAskQuestion:       handleSupportQuestion,
		classifier.IntentRequestOffer:      handleOffers,
		classifier.IntentApplyCoupon:       handleApplyCoupon,
		classifier.IntentUpdatePreferences: handleUpdatePreferences,
		classifier.IntentOptOut:            handleOptOut,
		classifier.IntentMakePayment:       handlePayment,
		classifier.IntentGreeting:          handleGreeting,
		classifier.IntentOther:             handleUnknown,
		classifier.IntentUnknown:           handleUnknown,
	}
	return r
}

// journeyForIntent maps each routable intent to its journey.
var journeyForIntent = map[string]classifier.Journey{
	classifier.IntentBrowseProducts:    classifier.JourneySales,
	classifier.IntentProductDetails:    classifier.JourneySales,
	classifier.IntentPlaceOrder:        classifier.JourneySales,
	classifier.IntentBookService:       classifier.JourneySales,
	classifier.IntentOrderStatus:       classifier.JourneyOrders,
	classifier.IntentMakePayment:       classifier.JourneyPayments,
	classifier.IntentAskQuestion:       classifier.JourneySupport,
	classifier.IntentRequestOffer:      classifier.JourneyOffers,
	classifier.IntentApplyCoupon:       classifier.JourneyOffers,
	classifier.IntentUpdatePreferences: classifier.JourneyPrefs,
	classifier.IntentOptOut:            classifier.JourneyPrefs,
	classifier.IntentRequestHuman:      classifier.JourneyGovernance,
	classifier.IntentComplaint:         classifier.JourneyGovernance,
	classifier.IntentGreeting:          classifier.JourneyGovernance,
	classifier.IntentOther:             classifier.JourneyGovernance,
	classifier.IntentUnknown:           classifier.JourneyGovernance,
}

// PickCandidate resolves a confidence tie deterministically: prefer the
// candidate whose suggested journey matches the active one, otherwise the
// lexicographically earliest intent.
func PickCandidate(cands []classifier.IntentResult, active classifier.Journey) classifier.IntentResult {
	if len(cands) == 0 {
		return classifier.UnknownIntent()
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Confidence > best.Confidence {
			best = c
			continue
		}
		if c.Confidence < best.Confidence {
			continue
		}
		// Tie.
		if active != "" {
			if best.SuggestedJourney == active && c.SuggestedJourney != active {
				continue
			}
			if c.SuggestedJourney == active && best.SuggestedJourney != active {
				best = c
				continue
			}
		}
		if c.Intent < best.Intent {
			best = c
		}
	}
	return best
}

// Dispatch applies thresholds, escalation triggers, and the dispatch
// table to produce the bot's next action.
func (r *Router) Dispatch(ctx context.Context, t *Turn) (Action, error) {
	st := t.State
	res := t.Intent
	if _, ok := r.unknown[res.Intent]; ok {
		res.Intent = classifier.IntentUnknown
	}

	if reason, ok := r.escalationTrigger(st, res); ok {
		return r.Escalate(ctx, t, reason)
	}

	switch {
	case res.Confidence >= r.executeThreshold:
		// Route below.
	case res.Confidence >= r.clarifyThreshold:
		st.ClarifyLoops++
		st.Phase = conversation.Phase{Kind: conversation.PhaseClarifying}
		return Text(clarifyQuestion(res)), nil
	default:
		res.Intent = classifier.IntentUnknown
	}

	journey := journeyForIntent[res.Intent]
	if _, ok := r.handlers[res.Intent]; journey == "" || !ok {
		res.Intent = classifier.IntentUnknown
		journey = classifier.JourneyGovernance
	}
	st.Journey = string(journey)
	st.Phase = conversation.Phase{Kind: conversation.PhaseExecuting, Journey: string(journey)}

	act, err := r.handlers[res.Intent](ctx, r, t)
	if err != nil {
		st.ConsecutiveToolErr++
		if st.ConsecutiveToolErr >= 2 {
			return r.Escalate(ctx, t, handoff.ReasonToolFailure)
		}
		r.logger.Warn("subflow error", "intent", res.Intent, "error", err,
			"tenant_id", st.TenantID, "conversation_id", st.ConversationID)
		return Text("Sorry, something went wrong on our side. Please try that again in a moment."), nil
	}
	st.ConsecutiveToolErr = 0
	if act.Kind != ActionHandoff && act.Kind != "" {
		st.Phase = conversation.Phase{Kind: conversation.PhaseAwaitingCustomer, Journey: string(journey)}
	}
	return act, nil
}

func (r *Router) escalationTrigger(st *conversation.State, res classifier.IntentResult) (handoff.Reason, bool) {
	switch {
	case res.Intent == classifier.IntentRequestHuman && res.Confidence >= r.executeThreshold:
		return handoff.ReasonCustomerRequest, true
	case res.Intent == classifier.IntentComplaint && res.Confidence >= r.executeThreshold:
		return handoff.ReasonComplaint, true
	case st.ConsecutiveToolErr >= 2:
		return handoff.ReasonToolFailure, true
	case st.ClarifyLoops >= 3:
		return handoff.ReasonLowConfidence, true
	}
	return "", false
}

// Escalate creates a handoff ticket with the frozen context and returns
// the customer-facing acknowledgment.
func (r *Router) Escalate(ctx context.Context, t *Turn, reason handoff.Reason) (Action, error) {
	st := t.State
	snap := handoff.Snapshot{
		Journey:      st.Journey,
		Step:         string(st.Phase.Kind),
		LastIntent:   st.Intent,
		LastQuestion: t.Text,
		OrderID:      st.OrderID,
		Summary:      st.Summary,
		Cart:         st.Cart,
	}
	ticket, timeline, err := r.tools.HandoffCreateTicket(ctx, t.input(), st.CustomerID, reason, snap)
	if err != nil {
		return Action{}, fmt.Errorf("journey: escalate: %w", err)
	}
	st.Escalated = true
	st.EscalationReason = string(reason)
	st.HandoffTicketID = ticket.ID
	st.Phase = conversation.Phase{Kind: conversation.PhaseHandoff}

	return Action{
		Kind:          ActionHandoff,
		Text:          "Got it, I'm connecting you with a member of our team. " + timeline,
		Category:      conversation.KindBotResponse,
		HandoffReason: reason,
		TicketID:      ticket.ID,
	}, nil
}

func clarifyQuestion(res classifier.IntentResult) string {
	switch journeyForIntent[res.Intent] {
	case classifier.JourneySales:
		return "Just to make sure I get this right: are you looking to browse our products, or do you have a specific item in mind?"
	case classifier.JourneyOrders:
		return "Do you want to check on an existing order? If you have the order number, send it over."
	case classifier.JourneyPayments:
		return "Would you like to pay for an order now? Let me know which one."
	default:
		return "I want to be sure I understood you correctly. Could you say a bit more about what you need?"
	}
}

// slotString reads a validated string slot.
func slotString(res classifier.IntentResult, key string) string {
	if v, ok := res.Slots[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func slotBool(res classifier.IntentResult, key string) (bool, bool) {
	if v, ok := res.Slots[key]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

// apology is the customer-visible fallback for permanent tool failures.
func apology(err error) Action {
	if apperr.IsCode(err, apperr.CodeResourceNotFound) {
		return Text("I couldn't find that one. Could you double-check and try again?")
	}
	return Text("Sorry, I ran into a problem handling that. Please try again shortly.")
}

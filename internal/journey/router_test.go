package journey

import (
	"context"
	"strings"
	"testing"

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
)

// stubTools satisfies the tool surface the subflows use; fields configure
// each tool's reply.
type stubTools struct {
	searchResult  *catalog.SearchResult
	searchErr     error
	item          *catalog.Item
	order         *orders.Order
	orderList     []orders.Order
	offers        []orders.Offer
	windows       []booking.Window
	snippets      []kb.Snippet
	methods       []payments.Method
	paymentReq    *payments.PaymentRequest
	ticket        *handoff.Ticket
	ticketReason  handoff.Reason
	optOutCalled  bool
	prefsLanguage string
}

func (s *stubTools) CatalogSearch(_ context.Context, _ tools.Input, _ string, _ catalog.SearchFilters) (*catalog.SearchResult, error) {
	return s.searchResult, s.searchErr
}

func (s *stubTools) CatalogGetItem(_ context.Context, _ tools.Input, _ string) (*catalog.Item, error) {
	if s.item == nil {
		return nil, apperr.New(apperr.CodeResourceNotFound, "item not found")
	}
	return s.item, nil
}

func (s *stubTools) OrderCreate(_ context.Context, _ tools.Input, _, currency string, lines []orders.Line) (*orders.Order, error) {
	return s.order, nil
}

func (s *stubTools) OrderGetStatus(_ context.Context, _ tools.Input, _, _ string) ([]orders.Order, error) {
	return s.orderList, nil
}

func (s *stubTools) OrderApplyCoupon(_ context.Context, _ tools.Input, _, _ string) (*orders.Order, error) {
	return s.order, nil
}

func (s *stubTools) OffersGetApplicable(_ context.Context, _ tools.Input) ([]orders.Offer, error) {
	return s.offers, nil
}

func (s *stubTools) BookingGetWindows(_ context.Context, _ tools.Input, _ string) ([]booking.Window, error) {
	return s.windows, nil
}

func (s *stubTools) BookingCreate(_ context.Context, _ tools.Input, a *booking.Appointment) (*booking.Appointment, error) {
	return a, nil
}

func (s *stubTools) CustomerUpdatePreferences(_ context.Context, _ tools.Input, _, lang string, _, _ *bool) error {
	s.prefsLanguage = lang
	return nil
}

func (s *stubTools) CustomerOptOut(_ context.Context, _ tools.Input, _ string) error {
	s.optOutCalled = true
	return nil
}

func (s *stubTools) KBRetrieve(_ context.Context, _ tools.Input, _ string, _ int) ([]kb.Snippet, error) {
	return s.snippets, nil
}

func (s *stubTools) HandoffCreateTicket(_ context.Context, _ tools.Input, _ string, reason handoff.Reason, snap handoff.Snapshot) (*handoff.Ticket, string, error) {
	s.ticketReason = reason
	s.ticket = &handoff.Ticket{ID: "tkt_1", Reason: reason, Snapshot: snap}
	return s.ticket, handoff.ExpectedTimeline, nil
}

func (s *stubTools) PaymentGetMethods(_ context.Context, _ tools.Input) ([]payments.Method, error) {
	return s.methods, nil
}

func (s *stubTools) PaymentInitiateSTKPush(_ context.Context, _ tools.Input, _ string, _ float64, _, _ string) (*payments.PaymentRequest, error) {
	return s.paymentReq, nil
}

func (s *stubTools) PaymentGetC2BInstructions(_ context.Context, _ tools.Input, _ float64, _, _ string) (*payments.PaymentRequest, error) {
	return s.paymentReq, nil
}

func (s *stubTools) PaymentCreatePesapalCheckout(_ context.Context, _ tools.Input, _ float64, _, _ string) (*payments.PaymentRequest, error) {
	return s.paymentReq, nil
}

func newTurn(intent string, confidence float64, slots map[string]any) *Turn {
	return &Turn{
		State: &conversation.State{
			TenantID: "ten_1", ConversationID: "conv_1", CustomerID: "cus_1",
			CustomerPhone: "+254700000001",
		},
		Tenant: &tenant.Tenant{
			ID: "ten_1",
			Persona: tenant.Persona{
				BotName: "Soko", CatalogLinkBase: "https://shop.example/c",
				PaymentsEnabled: true, KBMinScore: 0.6,
			},
		},
		Customer: &customer.Customer{ID: "cus_1", Consent: customer.DefaultConsent()},
		Text:     "hello",
		Intent: classifier.IntentResult{
			Intent: intent, Confidence: confidence,
			SuggestedJourney: classifier.Journey(""), Slots: slots,
		},
	}
}

func newTestRouter(st *stubTools) *Router {
	return NewRouter(st, 0.70, 0.50, nil)
}

func TestDispatchClarifiesMidConfidence(t *testing.T) {
	r := newTestRouter(&stubTools{})
	turn := newTurn(classifier.IntentBrowseProducts, 0.6, nil)

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if act.Kind != ActionText || turn.State.ClarifyLoops != 1 {
		t.Fatalf("expected one clarifying question, got %+v loops=%d", act, turn.State.ClarifyLoops)
	}
	if turn.State.Phase.Kind != conversation.PhaseClarifying {
		t.Fatalf("expected clarifying phase, got %s", turn.State.Phase.Kind)
	}
}

func TestDispatchEscalatesOnHumanRequest(t *testing.T) {
	stub := &stubTools{}
	r := newTestRouter(stub)
	turn := newTurn(classifier.IntentRequestHuman, 0.95, nil)
	turn.State.OrderID = "ord_1"

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if act.Kind != ActionHandoff || act.TicketID != "tkt_1" {
		t.Fatalf("expected handoff action, got %+v", act)
	}
	if stub.ticketReason != handoff.ReasonCustomerRequest {
		t.Fatalf("unexpected reason %q", stub.ticketReason)
	}
	if stub.ticket.Snapshot.OrderID != "ord_1" {
		t.Fatalf("snapshot must carry the working order id: %+v", stub.ticket.Snapshot)
	}
	if !turn.State.Escalated || turn.State.Phase.Kind != conversation.PhaseHandoff {
		t.Fatalf("state not moved to handoff: %+v", turn.State)
	}
}

func TestDispatchEscalatesAfterThreeClarifyLoops(t *testing.T) {
	stub := &stubTools{}
	r := newTestRouter(stub)
	turn := newTurn(classifier.IntentBrowseProducts, 0.9, nil)
	turn.State.ClarifyLoops = 3

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if act.Kind != ActionHandoff || stub.ticketReason != handoff.ReasonLowConfidence {
		t.Fatalf("expected low-confidence escalation, got %+v reason=%q", act, stub.ticketReason)
	}
}

func TestBrowseReturnsCappedCards(t *testing.T) {
	stub := &stubTools{searchResult: &catalog.SearchResult{
		Items: []catalog.Item{
			{ID: "i1", Name: "Maize flour", Currency: "KES", Price: 210},
			{ID: "i2", Name: "Rice 2kg", Currency: "KES", Price: 380},
		},
		TotalEstimate: 2,
	}}
	r := newTestRouter(stub)
	turn := newTurn(classifier.IntentBrowseProducts, 0.9, map[string]any{"query": "flour"})

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if act.Kind != ActionProductCards || len(act.Items) != 2 {
		t.Fatalf("expected 2 product cards, got %+v", act)
	}
	if len(turn.State.Catalog.LastResultIDs) != 2 {
		t.Fatalf("cursor not updated: %+v", turn.State.Catalog)
	}
}

func TestBrowseDeepLinksLargeVagueResult(t *testing.T) {
	stub := &stubTools{searchResult: &catalog.SearchResult{TotalEstimate: 120}}
	r := newTestRouter(stub)
	turn := newTurn(classifier.IntentBrowseProducts, 0.9, map[string]any{"query": "stuff"})
	turn.State.ClarifyLoops = 1

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(act.Text, "https://shop.example/c?tenant=ten_1&q=stuff") {
		t.Fatalf("expected a catalog deep link, got %q", act.Text)
	}
}

func TestBrowseDeepLinksAfterTwoRejections(t *testing.T) {
	stub := &stubTools{searchResult: &catalog.SearchResult{
		Items:         []catalog.Item{{ID: "i1", Name: "Sandals", Currency: "KES", Price: 900}},
		TotalEstimate: 1,
	}}
	r := newTestRouter(stub)
	turn := newTurn(classifier.IntentBrowseProducts, 0.9, map[string]any{"query": "shoes"})
	turn.State.Catalog.Rejections = 2

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(act.Text, "?tenant=ten_1") {
		t.Fatalf("expected deep link after repeated rejections, got %q", act.Text)
	}
}

func TestSupportEscalatesOnWeakRetrieval(t *testing.T) {
	stub := &stubTools{snippets: []kb.Snippet{{Text: "maybe relevant", Score: 0.3}}}
	r := newTestRouter(stub)
	turn := newTurn(classifier.IntentAskQuestion, 0.9, nil)
	turn.Text = "do you ship to Kisumu?"

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if act.Kind != ActionHandoff || stub.ticketReason != handoff.ReasonKnowledgeGap {
		t.Fatalf("expected knowledge-gap escalation, got %+v reason=%q", act, stub.ticketReason)
	}
}

func TestSupportAnswersFromGroundedSnippet(t *testing.T) {
	stub := &stubTools{snippets: []kb.Snippet{{Text: "We ship countrywide within 2 days.", Score: 0.85}}}
	r := newTestRouter(stub)
	turn := newTurn(classifier.IntentAskQuestion, 0.9, nil)
	turn.Text = "do you ship to Kisumu?"

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(act.Text, "countrywide") {
		t.Fatalf("answer must be grounded in the snippet, got %q", act.Text)
	}
	if len(turn.State.KBSnippets) != 1 {
		t.Fatalf("snippets not recorded in state: %+v", turn.State.KBSnippets)
	}
}

func TestUnknownLabelsFoldToGovernance(t *testing.T) {
	stub := &stubTools{}
	r := newTestRouter(stub)
	r.SetUnknownIntents([]string{"GIBBERISH", "EMPTY"})
	turn := newTurn("GIBBERISH", 0.95, nil)

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if act.Kind != ActionText {
		t.Fatalf("expected a fallback reply, got %+v", act)
	}
	if turn.State.Journey != string(classifier.JourneyGovernance) {
		t.Fatalf("unrecognized labels must land in governance, got %q", turn.State.Journey)
	}
}

func TestSupportUsesDeploymentMinScoreWhenTenantUnset(t *testing.T) {
	stub := &stubTools{snippets: []kb.Snippet{{Text: "We ship countrywide.", Score: 0.65}}}
	r := newTestRouter(stub)
	r.SetKBMinScore(0.7)
	turn := newTurn(classifier.IntentAskQuestion, 0.9, nil)
	turn.Tenant.Persona.KBMinScore = 0
	turn.Text = "do you ship to Kisumu?"

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if act.Kind != ActionHandoff || stub.ticketReason != handoff.ReasonKnowledgeGap {
		t.Fatalf("snippet below the deployment threshold must escalate, got %+v reason=%q", act, stub.ticketReason)
	}
}

func TestOptOutIsTransactional(t *testing.T) {
	stub := &stubTools{}
	r := newTestRouter(stub)
	turn := newTurn(classifier.IntentOptOut, 0.95, nil)

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !stub.optOutCalled {
		t.Fatal("opt-out must revoke consent")
	}
	if act.Category != conversation.KindTransactional {
		t.Fatalf("opt-out confirmation must be transactional, got %s", act.Category)
	}
}

func TestPaymentConfirmsAmountFirst(t *testing.T) {
	stub := &stubTools{methods: []payments.Method{payments.MethodSTKPush}}
	r := newTestRouter(stub)
	turn := newTurn(classifier.IntentMakePayment, 0.9, nil)
	turn.State.OrderID = "ord_1"
	turn.State.OrderTotal = 1500

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if act.Kind != ActionButtons || !strings.Contains(act.Text, "1500.00") {
		t.Fatalf("expected amount confirmation buttons, got %+v", act)
	}
	if turn.State.PaymentStatus != "awaiting_confirmation" {
		t.Fatalf("unexpected payment status %q", turn.State.PaymentStatus)
	}
}

func TestPaymentInitiatesAfterConfirmation(t *testing.T) {
	stub := &stubTools{
		methods:    []payments.Method{payments.MethodSTKPush},
		paymentReq: &payments.PaymentRequest{ID: "pay_1", Method: payments.MethodSTKPush, Status: "awaiting_customer", Instruction: "Check your phone."},
	}
	r := newTestRouter(stub)
	turn := newTurn(classifier.IntentMakePayment, 0.9, map[string]any{"confirmed": true})
	turn.State.OrderID = "ord_1"
	turn.State.OrderTotal = 1500

	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if turn.State.PaymentReqID != "pay_1" {
		t.Fatalf("payment request id not persisted in state: %+v", turn.State)
	}
	if !strings.Contains(act.Text, "Check your phone") {
		t.Fatalf("expected the provider instruction, got %q", act.Text)
	}
}

func TestPickCandidateTieBreak(t *testing.T) {
	a := classifier.IntentResult{Intent: classifier.IntentOrderStatus, Confidence: 0.8, SuggestedJourney: classifier.JourneyOrders}
	b := classifier.IntentResult{Intent: classifier.IntentBrowseProducts, Confidence: 0.8, SuggestedJourney: classifier.JourneySales}

	// Active journey wins the tie.
	got := PickCandidate([]classifier.IntentResult{a, b}, classifier.JourneyOrders)
	if got.Intent != classifier.IntentOrderStatus {
		t.Fatalf("active journey should win the tie, got %s", got.Intent)
	}

	// No active journey: lexicographically earliest intent.
	got = PickCandidate([]classifier.IntentResult{a, b}, "")
	if got.Intent != classifier.IntentBrowseProducts {
		t.Fatalf("expected lexicographic tie-break, got %s", got.Intent)
	}

	if got = PickCandidate(nil, ""); got.Intent != classifier.IntentUnknown {
		t.Fatalf("empty candidates must degrade to UNKNOWN, got %s", got.Intent)
	}
}

func TestSubflowErrorThenEscalation(t *testing.T) {
	stub := &stubTools{searchErr: apperr.New(apperr.CodeExternalAPI, "catalog down")}
	r := newTestRouter(stub)
	turn := newTurn(classifier.IntentBrowseProducts, 0.9, map[string]any{"query": "flour"})

	// First failure: apology, counter incremented.
	act, err := r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if turn.State.ConsecutiveToolErr != 1 || act.Kind != ActionText {
		t.Fatalf("expected apology after first failure, got %+v errs=%d", act, turn.State.ConsecutiveToolErr)
	}

	// Second consecutive failure: escalate.
	act, err = r.Dispatch(context.Background(), turn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if act.Kind != ActionHandoff || stub.ticketReason != handoff.ReasonToolFailure {
		t.Fatalf("expected tool-failure escalation, got %+v reason=%q", act, stub.ticketReason)
	}
}

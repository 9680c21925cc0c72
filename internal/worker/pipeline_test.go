package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/classifier"
	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/handoff"
	"github.com/sokoflow/backend/internal/jobs"
	"github.com/sokoflow/backend/internal/journey"
	"github.com/sokoflow/backend/internal/outbound"
	"github.com/sokoflow/backend/internal/queue"
	"github.com/sokoflow/backend/internal/tenant"
)

type stubTenants struct {
	ten *tenant.Tenant
}

func (s *stubTenants) Get(_ context.Context, tenantID string) (*tenant.Tenant, error) {
	if s.ten == nil || s.ten.ID != tenantID {
		return nil, apperr.New(apperr.CodeTenantNotFound, "tenant not found")
	}
	return s.ten, nil
}

type stubCustomers struct {
	cust *customer.Customer
}

func (s *stubCustomers) GetByID(_ context.Context, tenantID, customerID string) (*customer.Customer, error) {
	if s.cust == nil || s.cust.TenantID != tenantID || s.cust.ID != customerID {
		return nil, apperr.New(apperr.CodeResourceNotFound, "customer not found")
	}
	return s.cust, nil
}

type stubConvStore struct {
	conv       *conversation.Conversation
	recent     []conversation.Message
	turnIncr   int
	lowConf    int
	lastIntent string
	statusSet  conversation.Status
}

func (s *stubConvStore) GetByID(_ context.Context, tenantID, conversationID string) (*conversation.Conversation, error) {
	if s.conv == nil || s.conv.TenantID != tenantID || s.conv.ID != conversationID {
		return nil, apperr.New(apperr.CodeResourceNotFound, "conversation not found")
	}
	return s.conv, nil
}

func (s *stubConvStore) GetMessage(_ context.Context, tenantID, messageID string) (*conversation.Message, error) {
	for i := range s.recent {
		if s.recent[i].ID == messageID && s.recent[i].TenantID == tenantID {
			return &s.recent[i], nil
		}
	}
	return nil, apperr.New(apperr.CodeResourceNotFound, "message not found")
}

func (s *stubConvStore) RecentMessages(_ context.Context, _, _ string, _ int) ([]conversation.Message, error) {
	return s.recent, nil
}

func (s *stubConvStore) IncrementTurnCount(_ context.Context, _, _ string) error {
	s.turnIncr++
	return nil
}

func (s *stubConvStore) IncrementLowConfidence(_ context.Context, _, _ string) error {
	s.lowConf++
	return nil
}

func (s *stubConvStore) SetLastIntent(_ context.Context, _, _, intent string) error {
	s.lastIntent = intent
	return nil
}

func (s *stubConvStore) SetStatus(_ context.Context, _, _ string, status conversation.Status, _ string) error {
	s.statusSet = status
	return nil
}

type stubClassifier struct {
	gov       classifier.GovernorResult
	lang      classifier.LanguageResult
	intent    classifier.IntentResult
	intentErr error
	blockCtx  bool
	summary   string
}

func (s *stubClassifier) Govern(_ context.Context, _ classifier.TurnInput) (classifier.GovernorResult, error) {
	return s.gov, nil
}

func (s *stubClassifier) ClassifyLanguage(_ context.Context, _ classifier.TurnInput) (classifier.LanguageResult, error) {
	return s.lang, nil
}

func (s *stubClassifier) ClassifyIntent(ctx context.Context, _ classifier.TurnInput) (classifier.IntentResult, error) {
	if s.blockCtx {
		<-ctx.Done()
		return classifier.UnknownIntent(), apperr.Wrap(apperr.CodeExternalAPI, "intent classifier call failed", ctx.Err())
	}
	if s.intentErr != nil {
		return classifier.UnknownIntent(), s.intentErr
	}
	return s.intent, nil
}

func (s *stubClassifier) Summarize(_ context.Context, _ classifier.TurnInput) (string, error) {
	return s.summary, nil
}

type stubRouter struct {
	act         journey.Action
	turns       []*journey.Turn
	escalations []handoff.Reason
}

func (s *stubRouter) Dispatch(_ context.Context, t *journey.Turn) (journey.Action, error) {
	s.turns = append(s.turns, t)
	return s.act, nil
}

func (s *stubRouter) Escalate(_ context.Context, t *journey.Turn, reason handoff.Reason) (journey.Action, error) {
	s.escalations = append(s.escalations, reason)
	t.State.Escalated = true
	return journey.Action{Kind: journey.ActionHandoff, Text: "Connecting you with our team.", Category: conversation.KindBotResponse, TicketID: "tick_1"}, nil
}

type stubDeliver struct {
	dels []outbound.Delivery
	acts []journey.Action
	errs []error
}

func (s *stubDeliver) Deliver(_ context.Context, del outbound.Delivery, act journey.Action) error {
	s.dels = append(s.dels, del)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.acts = append(s.acts, act)
	return nil
}

type pipeFixture struct {
	ten    *tenant.Tenant
	cust   *customer.Customer
	conv   *stubConvStore
	cls    *stubClassifier
	router *stubRouter
	out    *stubDeliver
	queues queue.Set
	sess   *conversation.SessionStore
	rdb    *redis.Client
	pl     *Pipeline
}

func newPipeFixture(t *testing.T) *pipeFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	base := time.Now().UTC().Add(-time.Minute)
	ten := &tenant.Tenant{
		ID: "ten_1", Name: "Duka", Status: tenant.StatusActive,
		Persona: tenant.Persona{BotName: "DukaBot", DefaultLanguage: "en", AllowedLanguages: []string{"en", "sw"}},
	}
	cust := &customer.Customer{ID: "cus_1", TenantID: "ten_1", PhoneE164: "+254700000001", Consent: customer.DefaultConsent()}
	conv := &stubConvStore{
		conv: &conversation.Conversation{ID: "conv_1", TenantID: "ten_1", CustomerID: "cus_1", Status: conversation.StatusBot},
		recent: []conversation.Message{{
			ID: "m1", TenantID: "ten_1", ConversationID: "conv_1",
			Direction: conversation.DirectionIn, Kind: conversation.KindCustomerInbound,
			Text: "nataka viatu", CreatedAt: base,
		}},
	}
	cls := &stubClassifier{
		gov:    classifier.GovernorResult{Classification: classifier.GovernorBusiness, Confidence: 0.9, RecommendedAction: classifier.ActionProceed},
		lang:   classifier.LanguageResult{ResponseLanguage: "sw", Confidence: 0.9},
		intent: classifier.IntentResult{Intent: classifier.IntentBrowseProducts, Confidence: 0.92, SuggestedJourney: classifier.JourneySales},
	}
	router := &stubRouter{act: journey.Text("Here are some options for you.")}
	out := &stubDeliver{}
	queues := queue.NewMemorySet(8)
	sess := conversation.NewSessionStore(rdb, time.Hour, 20, nil)

	pl := NewPipeline(PipelineConfig{
		Tenants:       &stubTenants{ten: ten},
		Customers:     &stubCustomers{cust: cust},
		Conversations: conv,
		Sessions:      sess,
		Locker:        conversation.NewLocker(rdb, 45*time.Second, 200*time.Millisecond),
		Classifiers:   cls,
		Router:        router,
		Outbound:      out,
		Enqueuer:      jobs.NewEnqueuer(queues, nil),
		Redis:         rdb,
		TurnBudget:    5 * time.Second,
		SummaryEvery:  3,
	})
	return &pipeFixture{ten: ten, cust: cust, conv: conv, cls: cls, router: router, out: out, queues: queues, sess: sess, rdb: rdb, pl: pl}
}

func inboundEnv(messageID string) jobs.Envelope {
	return jobs.Envelope{
		JobID: "job_" + messageID, Kind: jobs.KindProcessInbound,
		TenantID: "ten_1", ConversationID: "conv_1", CustomerID: "cus_1",
		MessageID: messageID, RequestID: "req_1",
	}
}

func receiveJob(t *testing.T, queues queue.Set, name queue.Name) jobs.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := queues.Get(name).Receive(ctx, 1, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected 1 queued job, got %d (err %v)", len(msgs), err)
	}
	env, err := jobs.Decode(msgs[0].Body)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestProcessInboundHappyPath(t *testing.T) {
	f := newPipeFixture(t)

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1")); err != nil {
		t.Fatalf("process inbound: %v", err)
	}
	if len(f.router.turns) != 1 || f.router.turns[0].Text != "nataka viatu" {
		t.Fatalf("unexpected dispatch: %+v", f.router.turns)
	}
	if len(f.out.acts) != 1 || f.out.acts[0].Text != "Here are some options for you." {
		t.Fatalf("unexpected delivery: %+v", f.out.acts)
	}
	if f.conv.turnIncr != 1 || f.conv.lastIntent != classifier.IntentBrowseProducts {
		t.Fatalf("counters not updated: incr=%d intent=%q", f.conv.turnIncr, f.conv.lastIntent)
	}
	if f.conv.lowConf != 0 {
		t.Fatalf("high-confidence turn must not count as low confidence")
	}

	st, err := f.sess.Load(context.Background(), "ten_1", "conv_1")
	if err != nil {
		t.Fatalf("session not saved: %v", err)
	}
	if st.TurnCount != 1 || st.ResponseLanguage != "sw" || st.Intent != classifier.IntentBrowseProducts {
		t.Fatalf("unexpected state: %+v", st)
	}
	history, _ := f.sess.History(context.Background(), "conv_1")
	if len(history) != 2 || history[0].Role != "customer" || history[1].Role != "bot" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestProcessInboundLockContention(t *testing.T) {
	f := newPipeFixture(t)

	other := conversation.NewLocker(f.rdb, time.Minute, time.Second)
	lock, ok, err := other.TryAcquire(context.Background(), "conv_1")
	if err != nil || !ok {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer lock.Release(context.Background())

	err = f.pl.ProcessInbound(context.Background(), inboundEnv("m1"))
	if !apperr.IsCode(err, apperr.CodeRateLimitExceeded) {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %v", err)
	}
	if len(f.router.turns) != 0 {
		t.Fatal("contended turn must not dispatch")
	}
}

func TestBurstMergesIntoOneTurn(t *testing.T) {
	f := newPipeFixture(t)
	second := f.conv.recent[0]
	second.ID = "m2"
	second.Text = "size 42"
	second.CreatedAt = second.CreatedAt.Add(time.Second)
	f.conv.recent = append(f.conv.recent, second)

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1")); err != nil {
		t.Fatalf("process inbound: %v", err)
	}
	if len(f.router.turns) != 1 || f.router.turns[0].Text != "nataka viatu\nsize 42" {
		t.Fatalf("burst not merged: %+v", f.router.turns)
	}

	// The job for the second message of the burst is a no-op.
	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m2")); err != nil {
		t.Fatalf("merged follow-up: %v", err)
	}
	if len(f.router.turns) != 1 {
		t.Fatalf("merged message dispatched twice: %d turns", len(f.router.turns))
	}
}

func TestSpamDisengagesAfterSecondTurn(t *testing.T) {
	f := newPipeFixture(t)
	f.cls.gov = classifier.GovernorResult{Classification: classifier.GovernorSpam, Confidence: 0.9, RecommendedAction: classifier.ActionLimit}
	second := f.conv.recent[0]
	second.ID = "m2"
	second.CreatedAt = second.CreatedAt.Add(10 * time.Second)
	f.conv.recent = append(f.conv.recent, second)

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1")); err != nil {
		t.Fatalf("first spam turn: %v", err)
	}
	if len(f.out.acts) != 1 || !strings.Contains(f.out.acts[0].Text, "business line") {
		t.Fatalf("first spam turn should redirect: %+v", f.out.acts)
	}

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m2")); err != nil {
		t.Fatalf("second spam turn: %v", err)
	}
	if len(f.out.acts) != 1 {
		t.Fatalf("repeat spam must be dropped silently, got %d sends", len(f.out.acts))
	}
	if len(f.router.turns) != 0 {
		t.Fatal("spam must never reach the journey router")
	}
}

func TestCasualChattinessLevelZeroRedirectsImmediately(t *testing.T) {
	f := newPipeFixture(t)
	level := 0
	f.ten.Persona.MaxChattiness = &level
	f.cls.gov = classifier.GovernorResult{Classification: classifier.GovernorCasual, Confidence: 0.9, RecommendedAction: classifier.ActionProceed}

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1")); err != nil {
		t.Fatalf("process inbound: %v", err)
	}
	if len(f.router.turns) != 0 {
		t.Fatalf("level 0 must not reach the journey router, got %d dispatches", len(f.router.turns))
	}
	if len(f.out.acts) != 1 || !strings.Contains(f.out.acts[0].Text, "orders, bookings") {
		t.Fatalf("expected an immediate redirect, got %+v", f.out.acts)
	}
}

func TestCasualBudgetDefaultsToTwoTurns(t *testing.T) {
	f := newPipeFixture(t)
	f.cls.gov = classifier.GovernorResult{Classification: classifier.GovernorCasual, Confidence: 0.9, RecommendedAction: classifier.ActionProceed}

	for i, id := range []string{"m1", "m2", "m3"} {
		if i > 0 {
			next := f.conv.recent[len(f.conv.recent)-1]
			next.ID = id
			next.CreatedAt = next.CreatedAt.Add(10 * time.Second)
			f.conv.recent = append(f.conv.recent, next)
		}
		if err := f.pl.ProcessInbound(context.Background(), inboundEnv(id)); err != nil {
			t.Fatalf("turn %s: %v", id, err)
		}
	}
	if len(f.router.turns) != 2 {
		t.Fatalf("unset level should allow two casual turns, got %d dispatches", len(f.router.turns))
	}
	if last := f.out.acts[len(f.out.acts)-1]; !strings.Contains(last.Text, "orders, bookings") {
		t.Fatalf("third casual turn should redirect, got %q", last.Text)
	}
}

func TestAbuseEscalatesOnHandoffRecommendation(t *testing.T) {
	f := newPipeFixture(t)
	f.cls.gov = classifier.GovernorResult{Classification: classifier.GovernorAbuse, Confidence: 0.95, RecommendedAction: classifier.ActionHandoff}

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1")); err != nil {
		t.Fatalf("process inbound: %v", err)
	}
	if len(f.router.escalations) != 1 || f.router.escalations[0] != handoff.ReasonAbuse {
		t.Fatalf("expected abuse escalation, got %+v", f.router.escalations)
	}
	if f.conv.statusSet != conversation.StatusHandoff {
		t.Fatalf("handoff must move the conversation, got %q", f.conv.statusSet)
	}
}

type stubTicketSource struct {
	ticket *handoff.Ticket
}

func (s *stubTicketSource) GetByID(_ context.Context, tenantID, ticketID string) (*handoff.Ticket, error) {
	if s.ticket == nil || s.ticket.TenantID != tenantID || s.ticket.ID != ticketID {
		return nil, apperr.New(apperr.CodeResourceNotFound, "ticket not found")
	}
	return s.ticket, nil
}

type stubNotifier struct {
	tickets []*handoff.Ticket
}

func (s *stubNotifier) HandoffCreated(_ context.Context, _ *tenant.Tenant, _ *customer.Customer, ticket *handoff.Ticket) {
	s.tickets = append(s.tickets, ticket)
}

func TestHandoffNotifiesOperators(t *testing.T) {
	f := newPipeFixture(t)
	f.router.act = journey.Action{
		Kind: journey.ActionHandoff, Text: "Connecting you with our team.",
		Category: conversation.KindBotResponse, TicketID: "tick_9",
	}
	notifier := &stubNotifier{}
	f.pl.tickets = &stubTicketSource{ticket: &handoff.Ticket{ID: "tick_9", TenantID: "ten_1", ConversationID: "conv_1"}}
	f.pl.notifier = notifier

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1")); err != nil {
		t.Fatalf("process inbound: %v", err)
	}
	if len(notifier.tickets) != 1 || notifier.tickets[0].ID != "tick_9" {
		t.Fatalf("expected one operator notification, got %+v", notifier.tickets)
	}
}

func TestCustomerLanguagePrefWins(t *testing.T) {
	f := newPipeFixture(t)
	f.cust.LanguagePref = "en"
	f.cls.lang = classifier.LanguageResult{ResponseLanguage: "sw", Confidence: 0.99}

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1")); err != nil {
		t.Fatalf("process inbound: %v", err)
	}
	if got := f.router.turns[0].State.ResponseLanguage; got != "en" {
		t.Fatalf("explicit preference must win, got %q", got)
	}
}

func TestDeferredSendSchedulesDeliveryJob(t *testing.T) {
	f := newPipeFixture(t)
	release := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	f.out.errs = []error{&outbound.Deferred{ReleaseAt: release}}

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1")); err != nil {
		t.Fatalf("deferred delivery must not fail the job: %v", err)
	}
	env := receiveJob(t, f.queues, queue.Messaging)
	if env.Kind != jobs.KindDeliverOutbound || !env.NotBefore.Equal(release) {
		t.Fatalf("unexpected deferred job: %+v", env)
	}
	var pl deliverPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if pl.Turn != 1 || pl.Action.Text != "Here are some options for you." {
		t.Fatalf("unexpected payload: %+v", pl)
	}
}

func TestTurnBudgetExceededApologizes(t *testing.T) {
	f := newPipeFixture(t)
	f.cls.blockCtx = true
	f.pl.turnBudget = 50 * time.Millisecond

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1")); err != nil {
		t.Fatalf("budget overrun must degrade, not fail: %v", err)
	}
	if len(f.out.acts) != 1 || !strings.Contains(f.out.acts[0].Text, "longer than it should") {
		t.Fatalf("expected apology, got %+v", f.out.acts)
	}
	st, _ := f.sess.Load(context.Background(), "ten_1", "conv_1")
	if st.ConsecutiveToolErr != 1 {
		t.Fatalf("budget overrun must count toward escalation, got %d", st.ConsecutiveToolErr)
	}
}

func TestIntentClassifierErrorRetriesJob(t *testing.T) {
	f := newPipeFixture(t)
	f.cls.intentErr = apperr.New(apperr.CodeExternalAPI, "model unavailable")

	err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1"))
	if !apperr.IsCode(err, apperr.CodeExternalAPI) {
		t.Fatalf("transient classifier failure must surface for retry, got %v", err)
	}
	if len(f.out.acts) != 0 {
		t.Fatal("failed turn must not send anything")
	}
}

func TestHandoffConversationSkipsBot(t *testing.T) {
	f := newPipeFixture(t)
	f.conv.conv.Status = conversation.StatusHandoff

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1")); err != nil {
		t.Fatalf("process inbound: %v", err)
	}
	if len(f.router.turns) != 0 || len(f.out.acts) != 0 {
		t.Fatal("operator-owned conversation must not run the bot")
	}
}

func TestSummaryJobEnqueuedOnSchedule(t *testing.T) {
	f := newPipeFixture(t)
	f.pl.summaryEvery = 1

	if err := f.pl.ProcessInbound(context.Background(), inboundEnv("m1")); err != nil {
		t.Fatalf("process inbound: %v", err)
	}
	env := receiveJob(t, f.queues, queue.Bot)
	if env.Kind != jobs.KindRegenerateSummary || env.ConversationID != "conv_1" {
		t.Fatalf("unexpected summary job: %+v", env)
	}
}

func TestRegenerateSummaryUpdatesSession(t *testing.T) {
	f := newPipeFixture(t)
	f.cls.summary = "Customer wants size 42 shoes; no order yet."
	st := &conversation.State{TenantID: "ten_1", ConversationID: "conv_1", CustomerID: "cus_1"}
	if err := f.sess.Save(context.Background(), st); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	_ = f.sess.AppendHistory(context.Background(), "conv_1", conversation.ChatMessage{Role: "customer", Text: "nataka viatu size 42"})

	env := jobs.Envelope{JobID: "job_s", Kind: jobs.KindRegenerateSummary, TenantID: "ten_1", ConversationID: "conv_1"}
	if err := f.pl.RegenerateSummary(context.Background(), env); err != nil {
		t.Fatalf("regenerate summary: %v", err)
	}
	got, _ := f.sess.Load(context.Background(), "ten_1", "conv_1")
	if got.Summary != f.cls.summary {
		t.Fatalf("summary not saved: %q", got.Summary)
	}
}

func TestKeywordReplyStopIsTransactional(t *testing.T) {
	f := newPipeFixture(t)

	env := jobs.Envelope{
		JobID: "job_k", Kind: jobs.KindKeywordReply,
		TenantID: "ten_1", ConversationID: "conv_1", CustomerID: "cus_1",
		Keyword: "stop",
	}
	if err := f.pl.KeywordReply(context.Background(), env); err != nil {
		t.Fatalf("keyword reply: %v", err)
	}
	if len(f.out.acts) != 1 {
		t.Fatalf("expected 1 send, got %d", len(f.out.acts))
	}
	act := f.out.acts[0]
	if act.Category != conversation.KindTransactional || !strings.Contains(act.Text, "START") {
		t.Fatalf("unexpected confirmation: %+v", act)
	}
}

func TestDeliverOutboundRunsDeferredSend(t *testing.T) {
	f := newPipeFixture(t)
	raw, _ := json.Marshal(deliverPayload{Action: journey.Text("Good morning! Here's your update."), Turn: 4})

	env := jobs.Envelope{
		JobID: "job_d", Kind: jobs.KindDeliverOutbound,
		TenantID: "ten_1", ConversationID: "conv_1", CustomerID: "cus_1",
		Payload: raw,
	}
	if err := f.pl.DeliverOutbound(context.Background(), env); err != nil {
		t.Fatalf("deliver outbound: %v", err)
	}
	if len(f.out.dels) != 1 || f.out.dels[0].Turn != 4 {
		t.Fatalf("unexpected delivery: %+v", f.out.dels)
	}
}

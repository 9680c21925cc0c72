package webhook

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/gateway"
	"github.com/sokoflow/backend/internal/jobs"
	"github.com/sokoflow/backend/internal/queue"
	"github.com/sokoflow/backend/internal/tenant"
)

type stubTenants struct {
	tenant *tenant.Tenant
}

func (s *stubTenants) GetBySenderNumber(_ context.Context, number string) (*tenant.Tenant, error) {
	if s.tenant != nil && s.tenant.Gateway.SenderNumber == number {
		return s.tenant, nil
	}
	return nil, apperr.New(apperr.CodeTenantNotFound, "tenant not found")
}

func (s *stubTenants) GetBySlug(_ context.Context, slug string) (*tenant.Tenant, error) {
	if s.tenant != nil && s.tenant.Slug == slug {
		return s.tenant, nil
	}
	return nil, apperr.New(apperr.CodeTenantNotFound, "tenant not found")
}

type stubCustomers struct {
	revoked bool
	granted bool
}

func (s *stubCustomers) GetOrCreateByPhone(_ context.Context, tenantID, phone string) (*customer.Customer, error) {
	return &customer.Customer{ID: "cus_1", TenantID: tenantID, PhoneE164: phone, Consent: customer.DefaultConsent()}, nil
}

func (s *stubCustomers) RevokeMarketingConsent(_ context.Context, _, _ string) error {
	s.revoked = true
	return nil
}

func (s *stubCustomers) GrantPromotionalConsent(_ context.Context, _, _ string) error {
	s.granted = true
	return nil
}

type stubConversations struct {
	messages      []*conversation.Message
	statusUpdates map[string]string
}

func (s *stubConversations) EnsureOpen(_ context.Context, tenantID, customerID string) (*conversation.Conversation, error) {
	return &conversation.Conversation{ID: "conv_1", TenantID: tenantID, CustomerID: customerID, Status: conversation.StatusBot}, nil
}

func (s *stubConversations) AppendMessage(_ context.Context, m *conversation.Message) error {
	m.ID = fmt.Sprintf("msg_%d", len(s.messages)+1)
	s.messages = append(s.messages, m)
	return nil
}

func (s *stubConversations) UpdateProviderStatus(_ context.Context, providerMessageID, status string) error {
	if s.statusUpdates == nil {
		s.statusUpdates = map[string]string{}
	}
	s.statusUpdates[providerMessageID] = status
	return nil
}

type nopExec struct{}

func (nopExec) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

const (
	testSecret = "webhook-secret-1"
	testBase   = "https://hooks.example"
	testPath   = "/webhooks/twilio/duka"
)

type fixture struct {
	intake *Intake
	conv   *stubConversations
	cust   *stubCustomers
	queues queue.Set
}

func newFixture(t *testing.T, ten *tenant.Tenant) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	conv := &stubConversations{}
	cust := &stubCustomers{}
	queues := queue.NewMemorySet(16)

	intake := NewIntake(IntakeConfig{
		Tenants:       &stubTenants{tenant: ten},
		Customers:     cust,
		Conversations: conv,
		Logs:          NewLogStore(nopExec{}, nil, nil),
		Enqueuer:      jobs.NewEnqueuer(queues, nil),
		Redis:         rdb,
		PublicBaseURL: testBase,
		DedupTTL:      time.Hour,
	})
	return &fixture{intake: intake, conv: conv, cust: cust, queues: queues}
}

func testTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID: "ten_1", Slug: "duka", Status: tenant.StatusActive,
		Gateway: tenant.GatewayConfig{SenderNumber: "+254711000000", WebhookSecret: testSecret},
	}
}

func signedRequest(t *testing.T, body string, sid string) *http.Request {
	t.Helper()
	form := url.Values{}
	form.Set("MessageSid", sid)
	form.Set("From", "whatsapp:+254700000001")
	form.Set("To", "whatsapp:+254711000000")
	form.Set("Body", body)

	req := httptest.NewRequest(http.MethodPost, testPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", gateway.ComputeSignature(testSecret, testBase+testPath, form))
	return req
}

func receiveOne(t *testing.T, queues queue.Set, name queue.Name) jobs.Envelope {
	t.Helper()
	msgs, err := queues.Get(name).Receive(context.Background(), 1, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected 1 queued job, got %d (err %v)", len(msgs), err)
	}
	env, err := jobs.Decode(msgs[0].Body)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestInboundAcceptedAndEnqueued(t *testing.T) {
	f := newFixture(t, testTenant())

	rec := httptest.NewRecorder()
	f.intake.HandleInbound(rec, signedRequest(t, "naomba bei ya unga", "SM1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(f.conv.messages) != 1 || f.conv.messages[0].Direction != conversation.DirectionIn {
		t.Fatalf("inbound message not persisted: %+v", f.conv.messages)
	}

	env := receiveOne(t, f.queues, queue.Messaging)
	if env.Kind != jobs.KindProcessInbound || env.ConversationID != "conv_1" || env.TenantID != "ten_1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestInboundUnknownTenant404(t *testing.T) {
	f := newFixture(t, nil)

	rec := httptest.NewRecorder()
	f.intake.HandleInbound(rec, signedRequest(t, "hi", "SM1"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestInboundBadSignature401(t *testing.T) {
	f := newFixture(t, testTenant())

	req := signedRequest(t, "hi", "SM1")
	req.Header.Set("X-Twilio-Signature", "forged")
	rec := httptest.NewRecorder()
	f.intake.HandleInbound(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(f.conv.messages) != 0 {
		t.Fatal("unauthenticated delivery must not persist anything")
	}
}

func TestInboundDuplicateIsAcknowledgedOnce(t *testing.T) {
	f := newFixture(t, testTenant())

	rec := httptest.NewRecorder()
	f.intake.HandleInbound(rec, signedRequest(t, "hi", "SM_dup"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first: expected 200, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	f.intake.HandleInbound(rec, signedRequest(t, "hi", "SM_dup"))
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate: expected 200, got %d", rec.Code)
	}
	if len(f.conv.messages) != 1 {
		t.Fatalf("duplicate must not persist a second message, got %d", len(f.conv.messages))
	}
}

func TestInactiveSubscriptionSuppressedNotice(t *testing.T) {
	ten := testTenant()
	ten.Status = tenant.StatusTrialExpired
	f := newFixture(t, ten)

	rec := httptest.NewRecorder()
	f.intake.HandleInbound(rec, signedRequest(t, "hi", "SM1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite inactive subscription, got %d", rec.Code)
	}
	env := receiveOne(t, f.queues, queue.Messaging)
	if env.Kind != jobs.KindSubscriptionNotice {
		t.Fatalf("expected subscription notice job, got %s", env.Kind)
	}

	// Second message inside the suppression window: no second notice.
	rec = httptest.NewRecorder()
	f.intake.HandleInbound(rec, signedRequest(t, "bado hapo?", "SM2"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msgs, _ := f.queues.Get(queue.Messaging).Receive(ctx, 1, 0)
	if len(msgs) != 0 {
		t.Fatalf("notice must be suppressed within the window, got %d jobs", len(msgs))
	}
}

func TestStopKeywordRevokesConsentAtEdge(t *testing.T) {
	f := newFixture(t, testTenant())

	rec := httptest.NewRecorder()
	f.intake.HandleInbound(rec, signedRequest(t, "STOP", "SM1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !f.cust.revoked {
		t.Fatal("STOP must revoke marketing consent before anything else")
	}
	env := receiveOne(t, f.queues, queue.Messaging)
	if env.Kind != jobs.KindKeywordReply || env.Keyword != string(KeywordStop) {
		t.Fatalf("expected keyword reply job, got %+v", env)
	}
}

func TestStatusCallbackRecordsReceipt(t *testing.T) {
	f := newFixture(t, testTenant())

	form := url.Values{}
	form.Set("MessageSid", "SM9")
	form.Set("MessageStatus", "delivered")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	f.intake.HandleStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.conv.statusUpdates["SM9"] != "delivered" {
		t.Fatalf("receipt not recorded: %+v", f.conv.statusUpdates)
	}
}

func TestDetectKeyword(t *testing.T) {
	cases := []struct {
		body string
		want Keyword
	}{
		{"STOP", KeywordStop},
		{"  stop. ", KeywordStop},
		{"unsubscribe", KeywordStop},
		{"acha", KeywordStop},
		{"HELP", KeywordHelp},
		{"msaada", KeywordHelp},
		{"START", KeywordStart},
		{"please stop messaging me about shoes", KeywordNone},
		{"hello", KeywordNone},
	}
	for _, c := range cases {
		if got := DetectKeyword(c.body); got != c.want {
			t.Errorf("%q: got %q, want %q", c.body, got, c.want)
		}
	}
}

package tools

import (
	"context"
	"testing"
	"time"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/catalog"
	"github.com/sokoflow/backend/internal/handoff"
	"github.com/sokoflow/backend/internal/kb"
)

type flakyKB struct {
	failures int
	calls    int
}

func (f *flakyKB) Retrieve(_ context.Context, _, _ string, _ int) ([]kb.Snippet, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, apperr.New(apperr.CodeExternalAPI, "embedding provider unavailable")
	}
	return []kb.Snippet{{Text: "We deliver within Nairobi same-day.", Score: 0.9}}, nil
}

type stubCatalog struct {
	err   error
	calls int
}

func (s *stubCatalog) Search(_ context.Context, _, _ string, _ catalog.SearchFilters) (*catalog.SearchResult, error) {
	s.calls++
	return nil, s.err
}

func (s *stubCatalog) GetByID(_ context.Context, _, _ string) (*catalog.Item, error) {
	s.calls++
	return nil, s.err
}

type stubTickets struct{ created *handoff.Ticket }

func (s *stubTickets) Create(_ context.Context, t *handoff.Ticket) (*handoff.Ticket, error) {
	t.ID = "tkt_1"
	s.created = t
	return t, nil
}

func fastBackoff(t *testing.T) {
	t.Helper()
	orig := retryBackoff
	retryBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retryBackoff = orig })
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	fastBackoff(t)
	store := &flakyKB{failures: 2}
	c := NewClient(Deps{KB: store})

	snippets, err := c.KBRetrieve(context.Background(), Input{TenantID: "ten_1"}, "delivery", 3)
	if err != nil {
		t.Fatalf("KBRetrieve: %v", err)
	}
	if len(snippets) != 1 || store.calls != 3 {
		t.Fatalf("expected recovery on third call, got %d calls, %d snippets", store.calls, len(snippets))
	}
}

func TestRetryGivesUpAfterBackoffExhausted(t *testing.T) {
	fastBackoff(t)
	store := &flakyKB{failures: 100}
	c := NewClient(Deps{KB: store})

	if _, err := c.KBRetrieve(context.Background(), Input{TenantID: "ten_1"}, "delivery", 3); !apperr.IsCode(err, apperr.CodeExternalAPI) {
		t.Fatalf("expected EXTERNAL_API_ERROR after retries, got %v", err)
	}
	if store.calls != 4 {
		t.Fatalf("expected 1 attempt + 3 retries, got %d calls", store.calls)
	}
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	fastBackoff(t)
	store := &stubCatalog{err: apperr.New(apperr.CodeResourceNotFound, "item not found")}
	c := NewClient(Deps{Catalog: store})

	if _, err := c.CatalogGetItem(context.Background(), Input{TenantID: "ten_1"}, "itm_1"); !apperr.IsCode(err, apperr.CodeResourceNotFound) {
		t.Fatalf("expected RESOURCE_NOT_FOUND, got %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("permanent error must not be retried, got %d calls", store.calls)
	}
}

type deadlineKB struct {
	deadlines []time.Duration
}

func (d *deadlineKB) Retrieve(ctx context.Context, _, _ string, _ int) ([]kb.Snippet, error) {
	dl, ok := ctx.Deadline()
	if !ok {
		d.deadlines = append(d.deadlines, 0)
		return nil, nil
	}
	d.deadlines = append(d.deadlines, time.Until(dl))
	return nil, nil
}

type deadlineCatalog struct {
	deadlines []time.Duration
}

func (d *deadlineCatalog) Search(ctx context.Context, _, _ string, _ catalog.SearchFilters) (*catalog.SearchResult, error) {
	dl, ok := ctx.Deadline()
	if !ok {
		d.deadlines = append(d.deadlines, 0)
		return &catalog.SearchResult{}, nil
	}
	d.deadlines = append(d.deadlines, time.Until(dl))
	return &catalog.SearchResult{}, nil
}

func (d *deadlineCatalog) GetByID(_ context.Context, _, _ string) (*catalog.Item, error) {
	return nil, nil
}

func TestEachAttemptCarriesItsDeadline(t *testing.T) {
	kbStore := &deadlineKB{}
	catStore := &deadlineCatalog{}
	c := NewClient(Deps{KB: kbStore, Catalog: catStore, VectorTimeout: 5 * time.Second, StorageTimeout: 2 * time.Second})

	if _, err := c.KBRetrieve(context.Background(), Input{TenantID: "ten_1"}, "delivery", 3); err != nil {
		t.Fatalf("KBRetrieve: %v", err)
	}
	if _, err := c.CatalogSearch(context.Background(), Input{TenantID: "ten_1"}, "shoes", catalog.SearchFilters{}); err != nil {
		t.Fatalf("CatalogSearch: %v", err)
	}

	if len(kbStore.deadlines) != 1 || kbStore.deadlines[0] <= 2*time.Second || kbStore.deadlines[0] > 5*time.Second {
		t.Fatalf("vector call must carry the vector deadline, got %v", kbStore.deadlines)
	}
	if len(catStore.deadlines) != 1 || catStore.deadlines[0] <= 0 || catStore.deadlines[0] > 2*time.Second {
		t.Fatalf("storage call must carry the storage deadline, got %v", catStore.deadlines)
	}
}

func TestToolInputRequiresTenant(t *testing.T) {
	c := NewClient(Deps{KB: &flakyKB{}})
	if _, err := c.KBRetrieve(context.Background(), Input{}, "q", 3); !apperr.IsCode(err, apperr.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT without tenant, got %v", err)
	}
}

func TestHandoffCreateTicketReturnsTimeline(t *testing.T) {
	store := &stubTickets{}
	c := NewClient(Deps{Handoff: store})

	tkt, timeline, err := c.HandoffCreateTicket(context.Background(),
		Input{TenantID: "ten_1", ConversationID: "conv_1"}, "cus_1",
		handoff.ReasonLowConfidence, handoff.Snapshot{Journey: "support", LastQuestion: "Do you ship upcountry?"})
	if err != nil {
		t.Fatalf("HandoffCreateTicket: %v", err)
	}
	if tkt.ID != "tkt_1" || timeline == "" {
		t.Fatalf("unexpected result: %+v %q", tkt, timeline)
	}
	if store.created.TenantID != "ten_1" || store.created.ConversationID != "conv_1" {
		t.Fatalf("ticket missing envelope fields: %+v", store.created)
	}
}

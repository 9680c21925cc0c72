package payments

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sokoflow/backend/internal/apperr"
)

type stubSTK struct{ err error }

func (s *stubSTK) Push(_ context.Context, _, _ string, _ float64, _ string) (string, error) {
	return "prov_ref_1", s.err
}

type stubPesapal struct{ url string }

func (s *stubPesapal) CreateCheckout(_ context.Context, _ string, _ float64, _, _ string) (string, error) {
	return s.url, nil
}

func TestMethodsListsOnlyWiredRails(t *testing.T) {
	r := NewMethodRouter(&stubSTK{}, nil, nil)
	got := r.Methods()
	if len(got) != 1 || got[0] != MethodSTKPush {
		t.Fatalf("unexpected methods: %v", got)
	}
}

func TestInitiateSTKPush(t *testing.T) {
	r := NewMethodRouter(&stubSTK{}, nil, nil)
	req, err := r.InitiateSTKPush(context.Background(), "ten_1", "+254700000001", 1500, "KES", "ord_1")
	if err != nil {
		t.Fatalf("InitiateSTKPush: %v", err)
	}
	if req.ID == "" || req.Method != MethodSTKPush || req.Status != "awaiting_customer" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if !strings.Contains(req.Instruction, "M-Pesa PIN") {
		t.Fatalf("instruction must tell the customer what to do next: %q", req.Instruction)
	}
}

func TestInitiateSTKPushProviderFailure(t *testing.T) {
	r := NewMethodRouter(&stubSTK{err: errors.New("daraja unavailable")}, nil, nil)
	if _, err := r.InitiateSTKPush(context.Background(), "ten_1", "+254700000001", 1500, "KES", "ord_1"); !apperr.IsCode(err, apperr.CodeExternalAPI) {
		t.Fatalf("expected EXTERNAL_API_ERROR, got %v", err)
	}
}

func TestGetC2BInstructionsIncludesPaybillAndReference(t *testing.T) {
	r := NewMethodRouter(nil, nil, func(_ context.Context, _ string) (*C2BConfig, error) {
		return &C2BConfig{Paybill: "400200", AccountPrefix: "SOKO-"}, nil
	})
	req, err := r.GetC2BInstructions(context.Background(), "ten_1", 1500, "KES", "ord_1")
	if err != nil {
		t.Fatalf("GetC2BInstructions: %v", err)
	}
	if !strings.Contains(req.Instruction, "400200") || !strings.Contains(req.Instruction, "SOKO-ord_1") {
		t.Fatalf("instruction missing paybill or account reference: %q", req.Instruction)
	}
}

func TestCreatePesapalCheckoutReturnsURL(t *testing.T) {
	r := NewMethodRouter(nil, &stubPesapal{url: "https://pay.example/chk_1"}, nil)
	req, err := r.CreatePesapalCheckout(context.Background(), "ten_1", 1500, "KES", "ord_1")
	if err != nil {
		t.Fatalf("CreatePesapalCheckout: %v", err)
	}
	if req.CheckoutURL != "https://pay.example/chk_1" {
		t.Fatalf("unexpected checkout url: %q", req.CheckoutURL)
	}
}

func TestDisabledRail(t *testing.T) {
	r := NewMethodRouter(nil, nil, nil)
	if _, err := r.InitiateSTKPush(context.Background(), "ten_1", "+254700000001", 100, "KES", "ord_1"); !apperr.IsCode(err, apperr.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT for disabled rail, got %v", err)
	}
}

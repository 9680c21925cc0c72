package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sokoflow/backend/internal/apperr"
)

func testCreds() Credentials {
	return Credentials{AccountSID: "AC123", AuthToken: "tok", From: "+254700000001"}
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostFormValue("To"); got != "whatsapp:+254711000111" {
			t.Fatalf("unexpected To: %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM999","status":"queued"}`))
	}))
	defer srv.Close()

	s := NewSender(time.Second, nil).WithBaseURL(srv.URL)
	res, err := s.Send(context.Background(), "ten_1", testCreds(), "+254711000111", Payload{Kind: PayloadText, Text: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ProviderMessageID != "SM999" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSendRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"sid":"SM1"}`))
	}))
	defer srv.Close()

	s := NewSender(time.Second, nil).WithBaseURL(srv.URL)
	if _, err := s.Send(context.Background(), "ten_1", testCreds(), "+254711000111", Payload{Kind: PayloadText, Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestSendPermanentRejectionDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"invalid number"}`))
	}))
	defer srv.Close()

	s := NewSender(time.Second, nil).WithBaseURL(srv.URL)
	_, err := s.Send(context.Background(), "ten_1", testCreds(), "+254711000111", Payload{Kind: PayloadText, Text: "hi"})
	if !apperr.IsCode(err, apperr.CodeDeliveryFailed) {
		t.Fatalf("expected DELIVERY_FAILED, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not retry, got %d calls", calls.Load())
	}
}

func TestSendMissingCredentials(t *testing.T) {
	s := NewSender(time.Second, nil)
	_, err := s.Send(context.Background(), "ten_1", Credentials{}, "+254711000111", Payload{Kind: PayloadText, Text: "hi"})
	if !apperr.IsCode(err, apperr.CodeDeliveryFailed) {
		t.Fatalf("expected DELIVERY_FAILED, got %v", err)
	}
}

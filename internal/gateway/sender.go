package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/pkg/logging"
)

var sendTracer = otel.Tracer("sokoflow.internal.gateway.send")

// Credentials are the tenant's gateway account settings for one send.
type Credentials struct {
	AccountSID string
	AuthToken  string
	From       string
}

// SendResult reports the provider's acceptance of a message.
type SendResult struct {
	ProviderMessageID string
	ProviderStatus    string
}

// Sender posts WhatsApp messages through Twilio's REST API. One Sender is
// shared across tenants; credentials travel with each call.
type Sender struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewSender builds a sender with sane defaults.
func NewSender(timeout time.Duration, logger *logging.Logger) *Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sender{
		baseURL:    "https://api.twilio.com",
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithComponent("gateway_sender"),
	}
}

// WithBaseURL points the sender at a test server.
func (s *Sender) WithBaseURL(u string) *Sender {
	s.baseURL = strings.TrimRight(u, "/")
	return s
}

// Send delivers one payload, retrying transient failures up to three
// times with exponential backoff and jitter. Exhausted retries and
// permanent provider rejections surface as DELIVERY_FAILED.
func (s *Sender) Send(ctx context.Context, tenantID string, creds Credentials, to string, payload Payload) (*SendResult, error) {
	if creds.AccountSID == "" || creds.AuthToken == "" {
		return nil, apperr.New(apperr.CodeDeliveryFailed, "gateway credentials missing")
	}
	if to == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "recipient required")
	}
	if err := payload.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidInput, "invalid payload", err)
	}

	ctx, span := sendTracer.Start(ctx, "gateway.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("sokoflow.tenant_id", tenantID),
		attribute.String("gateway.kind", string(payload.Kind)),
	)

	form := url.Values{}
	form.Set("To", "whatsapp:"+to)
	form.Set("From", "whatsapp:"+creds.From)
	form.Set("Body", payload.RenderBody())

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, creds.AccountSID)

	backoffs := []time.Duration{0, time.Second, 5 * time.Second}
	var lastErr error
	for attempt, wait := range backoffs {
		if wait > 0 {
			jitter := time.Duration(rand.Int63n(int64(wait / 4)))
			select {
			case <-time.After(wait + jitter):
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.CodeDeliveryFailed, "send canceled", ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeDeliveryFailed, "build request", err)
		}
		req.SetBasicAuth(creds.AccountSID, creds.AuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var parsed struct {
				SID    string `json:"sid"`
				Status string `json:"status"`
			}
			_ = json.Unmarshal(body, &parsed)
			s.logger.Info("whatsapp message sent",
				"tenant_id", tenantID, "to", to, "provider_message_id", parsed.SID, "attempt", attempt+1)
			return &SendResult{ProviderMessageID: parsed.SID, ProviderStatus: parsed.Status}, nil
		}

		lastErr = fmt.Errorf("gateway: provider returned %d: %s", resp.StatusCode, truncate(string(body), 256))
		// Non-rate-limit 4xx rejections never heal on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, apperr.Wrap(apperr.CodeDeliveryFailed, "provider rejected message", lastErr)
		}
	}
	return nil, apperr.Wrap(apperr.CodeDeliveryFailed, "delivery retries exhausted", lastErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

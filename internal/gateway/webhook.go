// Package gateway speaks the Twilio WhatsApp dialect: inbound webhook
// parsing and signature checks, and outbound sends under per-tenant
// credentials.
package gateway

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Provider tags dedup keys and webhook logs.
const Provider = "twilio"

// Inbound is a parsed gateway webhook delivery.
type Inbound struct {
	ProviderMessageID string
	AccountSID        string
	From              string
	To                string
	Body              string
	MediaURLs         []string
	ReceivedAt        time.Time
}

// ParseInbound reads the Twilio form fields out of a webhook request.
// From/To arrive as "whatsapp:+2547..."; the prefix is stripped.
func ParseInbound(r *http.Request) (*Inbound, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("gateway: failed to parse form: %w", err)
	}

	in := &Inbound{
		ProviderMessageID: r.FormValue("MessageSid"),
		AccountSID:        r.FormValue("AccountSid"),
		From:              StripChannelPrefix(r.FormValue("From")),
		To:                StripChannelPrefix(r.FormValue("To")),
		Body:              r.FormValue("Body"),
		ReceivedAt:        time.Now().UTC(),
	}

	if n, err := strconv.Atoi(r.FormValue("NumMedia")); err == nil {
		for i := 0; i < n; i++ {
			if u := r.FormValue(fmt.Sprintf("MediaUrl%d", i)); u != "" {
				in.MediaURLs = append(in.MediaURLs, u)
			}
		}
	}
	return in, nil
}

// StripChannelPrefix drops the "whatsapp:" prefix Twilio puts on addresses.
func StripChannelPrefix(addr string) string {
	return strings.TrimPrefix(addr, "whatsapp:")
}

// ValidateSignature verifies the X-Twilio-Signature header against the
// tenant's webhook secret. Comparison is constant time.
func ValidateSignature(r *http.Request, secret, webhookURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || secret == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	expected := ComputeSignature(secret, webhookURL, r.PostForm)
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// ComputeSignature builds the Twilio HMAC-SHA1 signature for a request:
// the full URL followed by the form parameters sorted by key.
func ComputeSignature(secret, webhookURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(webhookURL)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}

	h := hmac.New(sha1.New, []byte(secret))
	h.Write([]byte(payload.String()))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// DedupKey derives the idempotency identity of an inbound delivery. The
// provider message id is authoritative when present; otherwise a hash of
// (from, to, body, coarse timestamp) stands in, so a retried delivery
// without an id still collapses. includeBodyHash additionally mixes the
// body hash into the id-based key for providers that reuse ids.
func DedupKey(in *Inbound, includeBodyHash bool) string {
	if in.ProviderMessageID != "" && !includeBodyHash {
		return fmt.Sprintf("%s:%s", Provider, in.ProviderMessageID)
	}
	h := sha256.New()
	if in.ProviderMessageID != "" {
		h.Write([]byte(in.ProviderMessageID))
	} else {
		// Coarse 60s bucket: provider retries of the same delivery land in
		// the same bucket, distinct customer messages rarely do.
		h.Write([]byte(strconv.FormatInt(in.ReceivedAt.Unix()/60, 10)))
	}
	h.Write([]byte(in.From))
	h.Write([]byte(in.To))
	h.Write([]byte(in.Body))
	return fmt.Sprintf("%s:sha:%s", Provider, hex.EncodeToString(h.Sum(nil))[:32])
}

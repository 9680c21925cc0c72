// Package customer models a party as known to a single tenant. The same
// phone number under two tenants is two distinct customers.
package customer

import "time"

// Consent tracks the three messaging consent categories. Transactional
// consent is non-revocable and always true.
type Consent struct {
	Transactional bool `json:"transactional_messages"`
	Reminder      bool `json:"reminder_messages"`
	Promotional   bool `json:"promotional_messages"`
}

// DefaultConsent is applied when a customer is first seen.
func DefaultConsent() Consent {
	return Consent{Transactional: true, Reminder: true, Promotional: false}
}

// Customer is keyed by (tenant_id, phone_e164).
type Customer struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	PhoneE164     string    `json:"phone_e164"`
	DisplayName   string    `json:"display_name,omitempty"`
	Timezone      string    `json:"timezone,omitempty"`
	LanguagePref  string    `json:"language_pref,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Consent       Consent   `json:"consent"`
	GlobalPartyID string    `json:"-"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Package tenant defines the isolated business account and its runtime
// configuration. Every other entity in the system is scoped to a tenant.
package tenant

import "time"

// Status is the lifecycle state of a tenant account.
type Status string

const (
	StatusActive       Status = "active"
	StatusTrial        Status = "trial"
	StatusTrialExpired Status = "trial_expired"
	StatusSuspended    Status = "suspended"
	StatusCanceled     Status = "canceled"
)

// CanReceiveMessages reports whether the subscription allows pipeline work.
func (s Status) CanReceiveMessages() bool {
	return s == StatusActive || s == StatusTrial
}

// GatewayConfig holds the tenant's messaging-provider settings. Credential
// fields are stored encrypted; the repository decrypts on load.
type GatewayConfig struct {
	SenderNumber  string `json:"sender_number"`
	AccountSID    string `json:"account_sid"`
	AuthToken     string `json:"auth_token"`
	WebhookSecret string `json:"webhook_secret"`
}

// Persona configures the bot's voice and behavior for one tenant.
type Persona struct {
	BotName          string   `json:"bot_name"`
	BotIntro         string   `json:"bot_intro"`
	ToneStyle        string   `json:"tone_style"`
	DefaultLanguage  string   `json:"default_language"`
	AllowedLanguages []string `json:"allowed_languages"`
	// MaxChattiness is the chattiness level 0..3. Nil means unset; level
	// 0 is a real setting (no casual conversation) and must stay
	// distinguishable from it.
	MaxChattiness   *int    `json:"max_chattiness_level,omitempty"`
	CatalogLinkBase string  `json:"catalog_link_base"`
	PaymentsEnabled bool    `json:"payments_enabled"`
	HandoffPolicy   string  `json:"handoff_policy"`
	HelpText        string  `json:"help_text"`
	KBMinScore      float64 `json:"kb_min_score"`
}

// AllowsLanguage reports whether lang is in the tenant's allowed set.
func (p Persona) AllowsLanguage(lang string) bool {
	for _, l := range p.AllowedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// Tenant is an isolated business with its own catalog, customers, staff,
// credentials, subscription tier, and wallet.
type Tenant struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Slug               string        `json:"slug"`
	Status             Status        `json:"status"`
	Gateway            GatewayConfig `json:"gateway"`
	Persona            Persona       `json:"persona"`
	Timezone           string        `json:"timezone"`
	QuietHoursStart    string        `json:"quiet_hours_start"`
	QuietHoursEnd      string        `json:"quiet_hours_end"`
	SubscriptionTierID string        `json:"subscription_tier_id"`
	SubscriptionWaived bool          `json:"subscription_waived"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

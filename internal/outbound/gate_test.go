package outbound

import (
	"testing"
	"time"

	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/tenant"
)

func TestCheckConsent(t *testing.T) {
	optedOut := customer.Consent{Transactional: true, Reminder: false, Promotional: false}
	optedIn := customer.Consent{Transactional: true, Reminder: true, Promotional: true}

	cases := []struct {
		kind    conversation.MessageKind
		consent customer.Consent
		wantErr bool
	}{
		{conversation.KindTransactional, optedOut, false},
		{conversation.KindBotResponse, optedOut, false},
		{conversation.KindReminder, optedOut, true},
		{conversation.KindReminder, optedIn, false},
		{conversation.KindPromotional, optedOut, true},
		{conversation.KindPromotional, optedIn, false},
		{conversation.KindReengagement, optedOut, true},
	}
	for _, c := range cases {
		err := CheckConsent(c.kind, c.consent)
		if (err != nil) != c.wantErr {
			t.Errorf("%s: got err=%v, want error=%v", c.kind, err, c.wantErr)
		}
	}
}

func TestQuietHoursShiftsPromotional(t *testing.T) {
	ten := &tenant.Tenant{Timezone: "Africa/Nairobi", QuietHoursStart: "21:00", QuietHoursEnd: "08:00"}
	cust := &customer.Customer{}

	// 23:30 Nairobi time is inside the overnight quiet window.
	loc, _ := time.LoadLocation("Africa/Nairobi")
	night := time.Date(2026, 8, 24, 23, 30, 0, 0, loc)

	release := NextPermitted(night, conversation.KindPromotional, ten, cust)
	want := time.Date(2026, 8, 25, 8, 0, 0, 0, loc)
	if !release.Equal(want) {
		t.Fatalf("expected release at %s, got %s", want, release)
	}

	// Early morning, still quiet: release the same day.
	morning := time.Date(2026, 8, 25, 6, 0, 0, 0, loc)
	release = NextPermitted(morning, conversation.KindPromotional, ten, cust)
	if !release.Equal(want) {
		t.Fatalf("expected release at %s, got %s", want, release)
	}

	// Midday is fine.
	noon := time.Date(2026, 8, 25, 12, 0, 0, 0, loc)
	if got := NextPermitted(noon, conversation.KindPromotional, ten, cust); !got.Equal(noon) {
		t.Fatalf("midday send must not shift, got %s", got)
	}
}

func TestTransactionalBypassesQuietHours(t *testing.T) {
	ten := &tenant.Tenant{Timezone: "Africa/Nairobi", QuietHoursStart: "21:00", QuietHoursEnd: "08:00"}
	loc, _ := time.LoadLocation("Africa/Nairobi")
	night := time.Date(2026, 8, 24, 23, 30, 0, 0, loc)

	if got := NextPermitted(night, conversation.KindTransactional, ten, &customer.Customer{}); !got.Equal(night) {
		t.Fatalf("transactional send must bypass quiet hours, got %s", got)
	}
	if got := NextPermitted(night, conversation.KindBotResponse, ten, &customer.Customer{}); !got.Equal(night) {
		t.Fatalf("bot responses must bypass quiet hours, got %s", got)
	}
}

func TestQuietHoursUsesCustomerTimezone(t *testing.T) {
	ten := &tenant.Tenant{Timezone: "Africa/Nairobi", QuietHoursStart: "21:00", QuietHoursEnd: "08:00"}
	cust := &customer.Customer{Timezone: "Europe/London"}

	// 23:30 Nairobi is 21:30 London in August: inside quiet hours there too,
	// but the release instant is computed in the customer's zone.
	loc, _ := time.LoadLocation("Africa/Nairobi")
	night := time.Date(2026, 8, 24, 23, 30, 0, 0, loc)

	release := NextPermitted(night, conversation.KindPromotional, ten, cust)
	london, _ := time.LoadLocation("Europe/London")
	want := time.Date(2026, 8, 25, 8, 0, 0, 0, london)
	if !release.Equal(want) {
		t.Fatalf("expected release at %s, got %s", want, release)
	}
}

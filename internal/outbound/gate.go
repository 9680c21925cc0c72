package outbound

import (
	"time"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/tenant"
)

// CheckConsent enforces the consent category against the customer's
// preferences. Sending without consent is a hard error, never a silent
// drop, so callers cannot accidentally bypass the gate.
func CheckConsent(kind conversation.MessageKind, consent customer.Consent) error {
	switch kind {
	case conversation.KindCustomerInbound:
		return apperr.New(apperr.CodeInvalidInput, "inbound kind on outbound path")
	case conversation.KindReminder:
		if !consent.Reminder {
			return apperr.New(apperr.CodeInvalidInput, "customer has revoked reminder consent")
		}
	case conversation.KindPromotional, conversation.KindReengagement:
		if !consent.Promotional {
			return apperr.New(apperr.CodeInvalidInput, "customer has not opted in to promotional messages")
		}
	default:
		// Transactional, bot responses, and manual operator replies ride
		// on non-revocable transactional consent.
		if !consent.Transactional {
			return apperr.New(apperr.CodeInvalidInput, "transactional consent missing")
		}
	}
	return nil
}

// bypassesQuietHours reports whether the kind may be sent at any hour.
func bypassesQuietHours(kind conversation.MessageKind) bool {
	switch kind {
	case conversation.KindTransactional, conversation.KindBotResponse, conversation.KindManualOutbound:
		return true
	}
	return false
}

// NextPermitted returns when a message may be delivered in the recipient's
// time zone. For sends outside quiet hours (or kinds that bypass them) it
// returns now unchanged.
func NextPermitted(now time.Time, kind conversation.MessageKind, t *tenant.Tenant, c *customer.Customer) time.Time {
	if bypassesQuietHours(kind) {
		return now
	}
	start, end := t.QuietHoursStart, t.QuietHoursEnd
	if start == "" || end == "" {
		return now
	}

	tz := c.Timezone
	if tz == "" {
		tz = t.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	startT, err1 := parseClock(start)
	endT, err2 := parseClock(end)
	if err1 != nil || err2 != nil {
		return now
	}

	minutes := local.Hour()*60 + local.Minute()
	startM := startT.hour*60 + startT.min
	endM := endT.hour*60 + endT.min

	inQuiet := false
	if startM <= endM {
		inQuiet = minutes >= startM && minutes < endM
	} else {
		// Overnight window, e.g. 21:00 to 08:00.
		inQuiet = minutes >= startM || minutes < endM
	}
	if !inQuiet {
		return now
	}

	release := time.Date(local.Year(), local.Month(), local.Day(), endT.hour, endT.min, 0, 0, loc)
	if !release.After(local) {
		release = release.AddDate(0, 0, 1)
	}
	return release.In(now.Location())
}

type clock struct{ hour, min int }

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clock{}, err
	}
	return clock{hour: t.Hour(), min: t.Minute()}, nil
}

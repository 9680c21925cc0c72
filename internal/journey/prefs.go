package journey

import (
	"context"

	"github.com/sokoflow/backend/internal/conversation"
)

func handleUpdatePreferences(ctx context.Context, r *Router, t *Turn) (Action, error) {
	st := t.State
	lang := slotString(t.Intent, "language")

	var reminder, promotional *bool
	if v, ok := slotBool(t.Intent, "reminder_messages"); ok {
		reminder = &v
	}
	if v, ok := slotBool(t.Intent, "promotional_messages"); ok {
		promotional = &v
	}
	if lang == "" && reminder == nil && promotional == nil {
		st.ClarifyLoops++
		return Text("What would you like to change? You can switch language, or turn reminders and offers on or off."), nil
	}

	if err := r.tools.CustomerUpdatePreferences(ctx, t.input(), st.CustomerID, lang, reminder, promotional); err != nil {
		return apology(err), err
	}
	if lang != "" {
		st.ResponseLanguage = lang
	}
	return Text("All set. Your preferences have been updated."), nil
}

// handleOptOut processes STOP immediately: marketing consent is revoked
// before anything else this turn, and the confirmation goes out as a
// transactional message so it is never itself suppressed.
func handleOptOut(ctx context.Context, r *Router, t *Turn) (Action, error) {
	if err := r.tools.CustomerOptOut(ctx, t.input(), t.State.CustomerID); err != nil {
		return apology(err), err
	}
	act := Text("You've been unsubscribed from reminders and offers. You'll still receive updates about your own orders. Reply START anytime to opt back in.")
	act.Category = conversation.KindTransactional
	return act, nil
}

// Package outbound turns a bot action into channel payloads and delivers
// them through the consent, quiet-hours, and rate-limit gates.
package outbound

import (
	"github.com/sokoflow/backend/internal/gateway"
	"github.com/sokoflow/backend/internal/journey"
)

// Format renders an action into one or more WhatsApp payloads. Item lists
// longer than the channel cap are split into successive pages.
func Format(act journey.Action) []gateway.Payload {
	switch act.Kind {
	case journey.ActionList, journey.ActionProductCards:
		kind := gateway.PayloadList
		if act.Kind == journey.ActionProductCards {
			kind = gateway.PayloadProductCards
		}
		items := act.Items
		if len(items) == 0 {
			return []gateway.Payload{{Kind: gateway.PayloadText, Text: act.Text}}
		}
		var out []gateway.Payload
		text := act.Text
		for len(items) > 0 {
			page := items
			if len(page) > gateway.MaxListItems {
				page = page[:gateway.MaxListItems]
			}
			out = append(out, gateway.Payload{Kind: kind, Text: text, Items: page})
			items = items[len(page):]
			text = ""
		}
		return out
	case journey.ActionButtons:
		return []gateway.Payload{{Kind: gateway.PayloadButtons, Text: act.Text, Buttons: act.Buttons}}
	default:
		return []gateway.Payload{{Kind: gateway.PayloadText, Text: act.Text}}
	}
}

// Package journey routes a classified turn to its subflow and produces
// the bot's next action. Handlers are pure over the working state plus the
// tool layer; nothing here touches storage directly.
package journey

import (
	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/gateway"
	"github.com/sokoflow/backend/internal/handoff"
)

// ActionKind discriminates the bot action variants.
type ActionKind string

const (
	ActionText         ActionKind = "text"
	ActionList         ActionKind = "list"
	ActionButtons      ActionKind = "buttons"
	ActionProductCards ActionKind = "product_cards"
	ActionHandoff      ActionKind = "handoff"
)

// Action is what the bot does next. The outbound formatter turns it into
// channel payloads; Category drives the consent gate.
type Action struct {
	Kind     ActionKind
	Text     string
	Items    []gateway.ListItem
	Buttons  []gateway.Button
	Category conversation.MessageKind

	// Set on ActionHandoff.
	HandoffReason handoff.Reason
	TicketID      string
}

// Text builds a plain reply.
func Text(s string) Action {
	return Action{Kind: ActionText, Text: s, Category: conversation.KindBotResponse}
}

// Cards builds a product-card reply. The caller guarantees the item cap.
func Cards(text string, items []gateway.ListItem) Action {
	return Action{Kind: ActionProductCards, Text: text, Items: items, Category: conversation.KindBotResponse}
}

// List builds an enumerated reply.
func List(text string, items []gateway.ListItem) Action {
	return Action{Kind: ActionList, Text: text, Items: items, Category: conversation.KindBotResponse}
}

// Buttons builds a quick-reply prompt.
func Buttons(text string, buttons []gateway.Button) Action {
	return Action{Kind: ActionButtons, Text: text, Buttons: buttons, Category: conversation.KindBotResponse}
}

package gateway

import (
	"fmt"
	"strings"
)

// PayloadKind discriminates the WhatsApp payload variants.
type PayloadKind string

const (
	PayloadText         PayloadKind = "text"
	PayloadList         PayloadKind = "list"
	PayloadButtons      PayloadKind = "buttons"
	PayloadProductCards PayloadKind = "product_cards"
)

// MaxListItems is the WhatsApp channel cap on enumerated items per message.
const MaxListItems = 6

// ListItem is one row of a list or product-card payload.
type ListItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
	Price    string `json:"price,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Button is one quick-reply option.
type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Payload is one outbound WhatsApp message ready for the wire.
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Text    string      `json:"text"`
	Items   []ListItem  `json:"items,omitempty"`
	Buttons []Button    `json:"buttons,omitempty"`
}

// Validate enforces channel constraints before a send is attempted.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Text) == "" && len(p.Items) == 0 {
		return fmt.Errorf("gateway: empty payload")
	}
	if len(p.Items) > MaxListItems {
		return fmt.Errorf("gateway: payload enumerates %d items, cap is %d", len(p.Items), MaxListItems)
	}
	if len(p.Buttons) > 3 {
		return fmt.Errorf("gateway: payload carries %d buttons, cap is 3", len(p.Buttons))
	}
	return nil
}

// RenderBody flattens the payload into the WhatsApp text body. Twilio's
// WhatsApp API takes a single Body string; structured variants render as
// numbered lines.
func (p Payload) RenderBody() string {
	var b strings.Builder
	if p.Text != "" {
		b.WriteString(p.Text)
	}
	for i, item := range p.Items {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, item.Title)
		if item.Price != "" {
			fmt.Fprintf(&b, " - %s", item.Price)
		}
		if item.Subtitle != "" {
			fmt.Fprintf(&b, "\n   %s", item.Subtitle)
		}
	}
	for _, btn := range p.Buttons {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]", btn.Label)
	}
	return b.String()
}

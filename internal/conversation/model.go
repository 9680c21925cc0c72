// Package conversation holds the chat session between a customer and a
// tenant: the persisted conversation and message records, the per-turn
// working state, and the advisory lock serializing work on one
// conversation.
package conversation

import "time"

// Status is the persisted lifecycle of a conversation.
type Status string

const (
	StatusOpen    Status = "open"
	StatusBot     Status = "bot"
	StatusHandoff Status = "handoff"
	StatusClosed  Status = "closed"
	StatusDormant Status = "dormant"
)

// Direction marks a message as inbound or outbound.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// MessageKind classifies an utterance.
type MessageKind string

const (
	KindCustomerInbound    MessageKind = "customer_inbound"
	KindBotResponse        MessageKind = "bot_response"
	KindTransactional      MessageKind = "automated_transactional"
	KindReminder           MessageKind = "automated_reminder"
	KindReengagement       MessageKind = "automated_reengagement"
	KindPromotional        MessageKind = "scheduled_promotional"
	KindManualOutbound     MessageKind = "manual_outbound"
)

// Conversation is a chat session between one customer and one tenant.
// Exactly one non-closed conversation exists per (tenant, customer).
type Conversation struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	CustomerID         string    `json:"customer_id"`
	Status             Status    `json:"status"`
	Channel            string    `json:"channel"`
	LastIntent         string    `json:"last_intent,omitempty"`
	OperatorID         string    `json:"operator_id,omitempty"`
	TurnCount          int       `json:"turn_count"`
	LowConfidenceCount int       `json:"low_confidence_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Message is one immutable utterance. Append-only.
type Message struct {
	ID                string      `json:"id"`
	TenantID          string      `json:"tenant_id"`
	ConversationID    string      `json:"conversation_id"`
	Direction         Direction   `json:"direction"`
	Kind              MessageKind `json:"kind"`
	Text              string      `json:"text"`
	Payload           []byte      `json:"payload,omitempty"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	ProviderStatus    string      `json:"provider_status,omitempty"`
	TemplateRef       string      `json:"template_ref,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// PhaseKind discriminates the conversation pipeline phase.
type PhaseKind string

const (
	PhaseIdle             PhaseKind = "idle"
	PhaseClassifying      PhaseKind = "classifying"
	PhaseClarifying       PhaseKind = "clarifying"
	PhaseExecuting        PhaseKind = "executing"
	PhaseFormatting       PhaseKind = "formatting"
	PhaseAwaitingCustomer PhaseKind = "awaiting_customer"
	PhaseHandoff          PhaseKind = "handoff"
	PhaseClosed           PhaseKind = "closed"
)

// Phase is the tagged pipeline state; Journey is set while executing.
type Phase struct {
	Kind    PhaseKind `json:"kind"`
	Journey string    `json:"journey,omitempty"`
}

// KeyFact is one extracted durable fact about the customer.
type KeyFact struct {
	Fact            string    `json:"fact"`
	Confidence      float64   `json:"confidence"`
	ExtractedAt     time.Time `json:"extracted_at"`
	SourceMessageID string    `json:"source_message_id"`
}

// CartItem is one line in the working cart.
type CartItem struct {
	ItemID   string  `json:"item_id"`
	Variant  string  `json:"variant,omitempty"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// CatalogCursor tracks the customer's position in product discovery.
type CatalogCursor struct {
	LastQuery     string            `json:"last_query,omitempty"`
	LastFilters   map[string]string `json:"last_filters,omitempty"`
	LastResultIDs []string          `json:"last_result_ids,omitempty"`
	TotalEstimate int               `json:"total_estimate"`
	SelectedIDs   []string          `json:"selected_ids,omitempty"`
	Rejections    int               `json:"rejections"`
}

// State is the canonical per-conversation working memory. It is created
// on the first inbound message, mutated each turn under the conversation
// lock, and expires after the inactivity TTL.
type State struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	RequestID      string `json:"request_id"`
	CustomerID     string `json:"customer_id"`
	CustomerPhone  string `json:"customer_phone"`

	Phase Phase `json:"phase"`

	// Classifier outputs for the current turn.
	Intent               string  `json:"intent,omitempty"`
	IntentConfidence     float64 `json:"intent_confidence"`
	Journey              string  `json:"journey,omitempty"`
	ResponseLanguage     string  `json:"response_language,omitempty"`
	LanguageConfidence   float64 `json:"language_confidence"`
	GovernorClass        string  `json:"governor_classification,omitempty"`
	GovernorConfidence   float64 `json:"governor_confidence"`
	Slots                map[string]any `json:"slots,omitempty"`

	Catalog       CatalogCursor `json:"catalog"`
	Cart          []CartItem    `json:"cart,omitempty"`
	OrderID       string        `json:"order_id,omitempty"`
	OrderTotal    float64       `json:"order_total"`
	PaymentReqID  string        `json:"payment_request_id,omitempty"`
	PaymentStatus string        `json:"payment_status,omitempty"`

	KBSnippets []string `json:"kb_snippets,omitempty"`

	Escalated        bool   `json:"escalated"`
	EscalationReason string `json:"escalation_reason,omitempty"`
	HandoffTicketID  string `json:"handoff_ticket_id,omitempty"`

	TurnCount          int `json:"turn_count"`
	CasualTurns        int `json:"casual_turns"`
	SpamTurns          int `json:"spam_turns"`
	ClarifyLoops       int `json:"clarify_loops"`
	ConsecutiveToolErr int `json:"consecutive_tool_errors"`

	KeyFacts []KeyFact `json:"key_facts,omitempty"`
	Summary  string    `json:"summary,omitempty"`

	ResponseText string    `json:"response_text,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChatMessage is one entry of the bounded history window used to rebuild
// classifier prompts.
type ChatMessage struct {
	Role      string    `json:"role"` // customer | bot
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

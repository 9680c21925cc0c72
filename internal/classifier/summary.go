package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const maxSummaryLen = 800

var summarySystemPrompt = `You maintain a running summary of a WhatsApp conversation between a customer and a business assistant.
Respond with JSON only: {"summary": string (max 800 chars)}.
Keep concrete facts: what the customer wants, items and prices discussed, order and payment state, open questions. Drop greetings and filler.`

// Summarize condenses the conversation window into the short running
// summary carried in the session state. A rejected response degrades to
// an empty summary, never an error.
func (s *Service) Summarize(ctx context.Context, in TurnInput) (string, error) {
	raw, err := s.complete(ctx, "summary", summarySystemPrompt, in)
	if err != nil {
		return "", err
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		s.reject("summary", in.TenantID, fmt.Errorf("summary is not valid JSON: %w", err))
		return "", nil
	}
	sum := strings.TrimSpace(out.Summary)
	if len(sum) > maxSummaryLen {
		sum = sum[:maxSummaryLen]
	}
	return sum, nil
}

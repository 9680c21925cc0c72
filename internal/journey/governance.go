package journey

import "context"

func handleGreeting(ctx context.Context, r *Router, t *Turn) (Action, error) {
	st := t.State
	p := t.Tenant.Persona

	greeting := p.BotIntro
	if greeting == "" {
		name := p.BotName
		if name == "" {
			name = "our assistant"
		}
		greeting = "Hi! I'm " + name + ". I can help you browse products, place orders, or answer questions."
	}
	if p.HelpText != "" {
		greeting += "\n" + p.HelpText
	}
	st.CasualTurns++
	return Text(greeting), nil
}

// handleUnknown is the canned-clarification fallback for low-confidence
// or unroutable turns.
func handleUnknown(ctx context.Context, r *Router, t *Turn) (Action, error) {
	t.State.ClarifyLoops++
	help := t.Tenant.Persona.HelpText
	if help == "" {
		help = "You can ask me about our products, your orders, current offers, or type \"agent\" to reach a person."
	}
	return Text("I'm not sure I caught that. " + help), nil
}

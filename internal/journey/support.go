package journey

import (
	"context"
	"strings"

	"github.com/sokoflow/backend/internal/handoff"
)

// defaultKBMinScore applies when a tenant has not tuned the retrieval
// threshold.
const defaultKBMinScore = 0.6

func handleSupportQuestion(ctx context.Context, r *Router, t *Turn) (Action, error) {
	st := t.State
	question := slotString(t.Intent, "question")
	if question == "" {
		question = strings.TrimSpace(t.Text)
	}

	snippets, err := r.tools.KBRetrieve(ctx, t.input(), question, 3)
	if err != nil {
		return apology(err), err
	}

	minScore := t.Tenant.Persona.KBMinScore
	if minScore <= 0 {
		minScore = r.kbMinScore
	}
	if minScore <= 0 {
		minScore = defaultKBMinScore
	}

	st.KBSnippets = st.KBSnippets[:0]
	var grounded []string
	for _, s := range snippets {
		if s.Score >= minScore {
			grounded = append(grounded, s.Text)
			st.KBSnippets = append(st.KBSnippets, s.Text)
		}
	}
	if len(grounded) == 0 {
		// Nothing authoritative to say: escalate rather than guess.
		return r.Escalate(ctx, t, handoff.ReasonKnowledgeGap)
	}

	answer := grounded[0]
	if len(grounded) > 1 {
		answer += "\n\n" + grounded[1]
	}
	return Text(answer), nil
}

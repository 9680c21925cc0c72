package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/classifier"
	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/jobs"
	"github.com/sokoflow/backend/internal/journey"
	"github.com/sokoflow/backend/internal/outbound"
	"github.com/sokoflow/backend/internal/tenant"
	"github.com/sokoflow/backend/internal/webhook"
)

// KeywordReply confirms a STOP/START/HELP keyword. The consent flip
// already happened at the webhook edge; this sends the acknowledgment.
func (p *Pipeline) KeywordReply(ctx context.Context, env jobs.Envelope) error {
	ten, err := p.tenants.Get(ctx, env.TenantID)
	if err != nil {
		return err
	}
	cust, err := p.customers.GetByID(ctx, env.TenantID, env.CustomerID)
	if err != nil {
		return err
	}

	var text string
	switch webhook.Keyword(env.Keyword) {
	case webhook.KeywordStop:
		text = "You won't receive any more promotional messages from us. Reply START anytime to opt back in."
	case webhook.KeywordStart:
		text = "Welcome back! You'll receive our updates and offers again. Reply STOP anytime to opt out."
	case webhook.KeywordHelp:
		text = ten.Persona.HelpText
		if text == "" {
			text = "You're chatting with " + botName(ten) + ". Tell me what you're looking for, ask about an order, or reply STOP to opt out of promotions."
		}
	default:
		return apperr.Newf(apperr.CodeInvalidInput, "unknown keyword %q", env.Keyword)
	}

	act := journey.Text(text)
	act.Category = conversation.KindTransactional
	return p.deliverSimple(ctx, env, ten, cust, act)
}

// SubscriptionNotice tells the customer the business is unreachable while
// its subscription is inactive. The edge rate-limits this to one notice
// per customer per suppression window.
func (p *Pipeline) SubscriptionNotice(ctx context.Context, env jobs.Envelope) error {
	ten, err := p.tenants.Get(ctx, env.TenantID)
	if err != nil {
		return err
	}
	cust, err := p.customers.GetByID(ctx, env.TenantID, env.CustomerID)
	if err != nil {
		return err
	}

	act := journey.Text("Sorry, " + botName(ten) + " can't take messages right now. Please try again later or contact the business directly.")
	act.Category = conversation.KindTransactional
	return p.deliverSimple(ctx, env, ten, cust, act)
}

// RegenerateSummary refreshes the running summary from the history
// window. An expired session means there is nothing left to summarize.
func (p *Pipeline) RegenerateSummary(ctx context.Context, env jobs.Envelope) error {
	st, err := p.sessions.Load(ctx, env.TenantID, env.ConversationID)
	if errors.Is(err, conversation.ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	history, err := p.sessions.History(ctx, env.ConversationID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}

	sum, err := p.classify.Summarize(ctx, classifier.TurnInput{
		TenantID:    env.TenantID,
		MessageText: "Summarize the conversation so far.",
		History:     historyLines(history),
		KeyFacts:    factLines(st),
	})
	if err != nil {
		return err
	}
	if sum == "" {
		return nil
	}
	st.Summary = sum
	return p.sessions.Save(ctx, st)
}

// DeliverOutbound retries a send that quiet hours or the daily limit
// pushed into the future.
func (p *Pipeline) DeliverOutbound(ctx context.Context, env jobs.Envelope) error {
	var pl deliverPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		return apperr.Wrap(apperr.CodeInvalidInput, "undecodable deferred action", err)
	}
	ten, err := p.tenants.Get(ctx, env.TenantID)
	if err != nil {
		return err
	}
	cust, err := p.customers.GetByID(ctx, env.TenantID, env.CustomerID)
	if err != nil {
		return err
	}

	del := outbound.Delivery{Tenant: ten, Customer: cust, ConversationID: env.ConversationID, Turn: pl.Turn}
	if derr := p.outbound.Deliver(ctx, del, pl.Action); derr != nil {
		var deferred *outbound.Deferred
		if errors.As(derr, &deferred) {
			return p.scheduleDeferred(ctx, env, pl.Action, pl.Turn, deferred.ReleaseAt)
		}
		return derr
	}
	return nil
}

func (p *Pipeline) deliverSimple(ctx context.Context, env jobs.Envelope, ten *tenant.Tenant, cust *customer.Customer, act journey.Action) error {
	del := outbound.Delivery{Tenant: ten, Customer: cust, ConversationID: env.ConversationID, Ref: env.MessageID}
	if err := p.outbound.Deliver(ctx, del, act); err != nil {
		return fmt.Errorf("worker: deliver %s: %w", env.Kind, err)
	}
	return nil
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/classifier"
	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/customer"
	"github.com/sokoflow/backend/internal/handoff"
	"github.com/sokoflow/backend/internal/jobs"
	"github.com/sokoflow/backend/internal/journey"
	"github.com/sokoflow/backend/internal/observability/metrics"
	"github.com/sokoflow/backend/internal/outbound"
	"github.com/sokoflow/backend/internal/tenant"
	"github.com/sokoflow/backend/pkg/logging"
)

const mergedTTL = time.Hour

// casualTurnBudget maps a chattiness level to the casual turns allowed
// before the bot redirects. Level 0 redirects on the first casual turn;
// an unset level behaves like level 2.
func casualTurnBudget(level *int) int {
	if level == nil {
		return 2
	}
	switch {
	case *level <= 0:
		return 0
	case *level == 1:
		return 1
	case *level == 2:
		return 2
	default:
		return 4
	}
}

type tenantSource interface {
	Get(ctx context.Context, tenantID string) (*tenant.Tenant, error)
}

type customerSource interface {
	GetByID(ctx context.Context, tenantID, customerID string) (*customer.Customer, error)
}

type conversationStore interface {
	GetByID(ctx context.Context, tenantID, conversationID string) (*conversation.Conversation, error)
	GetMessage(ctx context.Context, tenantID, messageID string) (*conversation.Message, error)
	RecentMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]conversation.Message, error)
	IncrementTurnCount(ctx context.Context, tenantID, conversationID string) error
	IncrementLowConfidence(ctx context.Context, tenantID, conversationID string) error
	SetLastIntent(ctx context.Context, tenantID, conversationID, intent string) error
	SetStatus(ctx context.Context, tenantID, conversationID string, status conversation.Status, operatorID string) error
}

type classifierService interface {
	Govern(ctx context.Context, in classifier.TurnInput) (classifier.GovernorResult, error)
	ClassifyLanguage(ctx context.Context, in classifier.TurnInput) (classifier.LanguageResult, error)
	ClassifyIntent(ctx context.Context, in classifier.TurnInput) (classifier.IntentResult, error)
	Summarize(ctx context.Context, in classifier.TurnInput) (string, error)
}

type turnRouter interface {
	Dispatch(ctx context.Context, t *journey.Turn) (journey.Action, error)
	Escalate(ctx context.Context, t *journey.Turn, reason handoff.Reason) (journey.Action, error)
}

type deliverer interface {
	Deliver(ctx context.Context, del outbound.Delivery, act journey.Action) error
}

type ticketSource interface {
	GetByID(ctx context.Context, tenantID, ticketID string) (*handoff.Ticket, error)
}

type operatorNotifier interface {
	HandoffCreated(ctx context.Context, ten *tenant.Tenant, cust *customer.Customer, ticket *handoff.Ticket)
}

// Pipeline owns the per-turn orchestration: lock, session, classifiers,
// journey dispatch, and outbound delivery. Its methods are the handlers
// the runtime registers.
type Pipeline struct {
	tenants   tenantSource
	customers customerSource
	store     conversationStore
	sessions  *conversation.SessionStore
	locker    *conversation.Locker
	classify  classifierService
	router    turnRouter
	outbound  deliverer
	enqueuer  *jobs.Enqueuer
	rdb       *redis.Client
	tickets   ticketSource
	notifier  operatorNotifier

	mergeWindow      time.Duration
	turnBudget       time.Duration
	summaryEvery     int
	historyWindow    int
	clarifyThreshold float64
	langThreshold    float64

	metrics *metrics.PipelineMetrics
	logger  *logging.Logger
}

// PipelineConfig wires the pipeline dependencies and knobs.
type PipelineConfig struct {
	Tenants       tenantSource
	Customers     customerSource
	Conversations conversationStore
	Sessions      *conversation.SessionStore
	Locker        *conversation.Locker
	Classifiers   classifierService
	Router        turnRouter
	Outbound      deliverer
	Enqueuer      *jobs.Enqueuer
	Redis         *redis.Client

	// Optional. Tickets plus Notifier enable operator emails on handoff.
	Tickets  ticketSource
	Notifier operatorNotifier

	MergeWindow       time.Duration
	TurnBudget        time.Duration
	SummaryEvery      int
	HistoryWindow     int
	ClarifyThreshold  float64
	LanguageThreshold float64

	Metrics *metrics.PipelineMetrics
	Logger  *logging.Logger
}

// NewPipeline validates the wiring and applies defaults.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Tenants == nil || cfg.Customers == nil || cfg.Conversations == nil ||
		cfg.Sessions == nil || cfg.Locker == nil || cfg.Classifiers == nil ||
		cfg.Router == nil || cfg.Outbound == nil {
		panic("worker: incomplete pipeline wiring")
	}
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = 30 * time.Second
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.SummaryEvery <= 0 {
		cfg.SummaryEvery = 20
	}
	if cfg.ClarifyThreshold <= 0 {
		cfg.ClarifyThreshold = 0.50
	}
	if cfg.LanguageThreshold <= 0 {
		cfg.LanguageThreshold = 0.75
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Pipeline{
		tenants:          cfg.Tenants,
		customers:        cfg.Customers,
		store:            cfg.Conversations,
		sessions:         cfg.Sessions,
		locker:           cfg.Locker,
		classify:         cfg.Classifiers,
		router:           cfg.Router,
		outbound:         cfg.Outbound,
		enqueuer:         cfg.Enqueuer,
		rdb:              cfg.Redis,
		tickets:          cfg.Tickets,
		notifier:         cfg.Notifier,
		mergeWindow:      cfg.MergeWindow,
		turnBudget:       cfg.TurnBudget,
		summaryEvery:     cfg.SummaryEvery,
		historyWindow:    cfg.HistoryWindow,
		clarifyThreshold: cfg.ClarifyThreshold,
		langThreshold:    cfg.LanguageThreshold,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger.WithComponent("pipeline"),
	}
}

// deliverPayload rides in a deliver_outbound envelope for deferred sends.
type deliverPayload struct {
	Action journey.Action `json:"action"`
	Turn   int            `json:"turn"`
}

func mergedKey(messageID string) string {
	return "turn_merged:" + messageID
}

// ProcessInbound runs one conversation turn for an inbound message.
func (p *Pipeline) ProcessInbound(ctx context.Context, env jobs.Envelope) error {
	if env.TenantID == "" || env.ConversationID == "" || env.MessageID == "" {
		return apperr.New(apperr.CodeInvalidInput, "inbound job missing tenant, conversation, or message")
	}

	lock, err := p.locker.Acquire(ctx, env.ConversationID)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	// A burst merged into an earlier turn leaves a marker per message; a
	// job for one of those messages is a no-op.
	if p.rdb != nil {
		n, err := p.rdb.Exists(ctx, mergedKey(env.MessageID)).Result()
		if err == nil && n > 0 {
			p.logger.Info("message already handled by a merged turn", "message_id", env.MessageID)
			return nil
		}
	}

	ten, err := p.tenants.Get(ctx, env.TenantID)
	if err != nil {
		return err
	}
	if !ten.Status.CanReceiveMessages() {
		p.logger.Info("subscription inactive, dropping turn", "tenant_id", env.TenantID)
		return nil
	}
	cust, err := p.customers.GetByID(ctx, env.TenantID, env.CustomerID)
	if err != nil {
		return err
	}
	conv, err := p.store.GetByID(ctx, env.TenantID, env.ConversationID)
	if err != nil {
		return err
	}
	if conv.Status == conversation.StatusHandoff || conv.Status == conversation.StatusClosed {
		p.logger.Info("conversation not bot-owned, skipping",
			"conversation_id", env.ConversationID, "status", string(conv.Status))
		return nil
	}
	trigger, err := p.store.GetMessage(ctx, env.TenantID, env.MessageID)
	if err != nil {
		return err
	}

	// Hold the merge window so a rapid burst becomes one coherent turn.
	if p.mergeWindow > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.mergeWindow):
		}
	}
	recent, err := p.store.RecentMessages(ctx, env.TenantID, env.ConversationID, p.historyWindow)
	if err != nil {
		return err
	}
	text, mergedIDs := mergeBurst(trigger, recent)

	st, err := p.sessions.Load(ctx, env.TenantID, env.ConversationID)
	if errors.Is(err, conversation.ErrNoSession) {
		// Rebuild from what came before this burst; the burst itself is
		// appended after the turn like any other.
		st, err = p.sessions.Rebuild(ctx, conv, cust.PhoneE164, priorMessages(trigger, recent))
	}
	if err != nil {
		return err
	}
	st.RequestID = env.RequestID

	history, err := p.sessions.History(ctx, env.ConversationID)
	if err != nil {
		p.logger.Warn("history unavailable, classifying without it", "error", err)
	}

	started := time.Now()
	bctx, cancel := context.WithTimeout(ctx, p.turnBudget)
	defer cancel()

	act, reply, terr := p.runTurn(bctx, ten, cust, st, text, historyLines(history))
	if terr != nil {
		if bctx.Err() != nil && ctx.Err() == nil {
			act, reply = p.budgetExceeded(ctx, ten, cust, st, text)
		} else {
			return terr
		}
	}

	if err := p.store.IncrementTurnCount(ctx, env.TenantID, env.ConversationID); err != nil {
		p.logger.Warn("turn counter update failed", "error", err)
	}
	st.TurnCount++
	if st.Intent != "" {
		if err := p.store.SetLastIntent(ctx, env.TenantID, env.ConversationID, st.Intent); err != nil {
			p.logger.Warn("last intent update failed", "error", err)
		}
		if st.IntentConfidence < p.clarifyThreshold {
			if err := p.store.IncrementLowConfidence(ctx, env.TenantID, env.ConversationID); err != nil {
				p.logger.Warn("low confidence counter update failed", "error", err)
			}
		}
	}

	if reply {
		del := outbound.Delivery{Tenant: ten, Customer: cust, ConversationID: env.ConversationID, Turn: st.TurnCount}
		if derr := p.outbound.Deliver(ctx, del, act); derr != nil {
			var deferred *outbound.Deferred
			switch {
			case errors.As(derr, &deferred):
				if qerr := p.scheduleDeferred(ctx, env, act, st.TurnCount, deferred.ReleaseAt); qerr != nil {
					return qerr
				}
			case apperr.From(derr).Retryable():
				return derr
			default:
				p.logger.Error("outbound rejected", "error", derr,
					"tenant_id", env.TenantID, "conversation_id", env.ConversationID)
			}
		}
	}

	if act.Kind == journey.ActionHandoff {
		if err := p.store.SetStatus(ctx, env.TenantID, env.ConversationID, conversation.StatusHandoff, ""); err != nil {
			p.logger.Warn("handoff status update failed", "error", err)
		}
		p.notifyHandoff(ctx, ten, cust, act.TicketID)
	}

	if err := p.sessions.AppendHistory(ctx, env.ConversationID, conversation.ChatMessage{
		Role: "customer", Text: text, CreatedAt: trigger.CreatedAt,
	}); err != nil {
		p.logger.Warn("history append failed", "error", err)
	}
	if reply && act.Text != "" {
		if err := p.sessions.AppendHistory(ctx, env.ConversationID, conversation.ChatMessage{
			Role: "bot", Text: act.Text, CreatedAt: time.Now().UTC(),
		}); err != nil {
			p.logger.Warn("history append failed", "error", err)
		}
	}
	st.ResponseText = act.Text
	if err := p.sessions.Save(ctx, st); err != nil {
		return err
	}
	p.markMerged(ctx, mergedIDs)

	if p.enqueuer != nil && st.TurnCount%p.summaryEvery == 0 {
		if _, err := p.enqueuer.Enqueue(ctx, jobs.Envelope{
			Kind:           jobs.KindRegenerateSummary,
			TenantID:       env.TenantID,
			ConversationID: env.ConversationID,
			RequestID:      env.RequestID,
		}); err != nil {
			p.logger.Warn("summary job enqueue failed", "error", err)
		}
	}

	p.metrics.ObserveTurn(st.Journey, time.Since(started).Seconds())
	return nil
}

// runTurn applies governor, language, and intent classification, then
// dispatches. The bool reports whether a reply should go out.
func (p *Pipeline) runTurn(ctx context.Context, ten *tenant.Tenant, cust *customer.Customer, st *conversation.State, text string, history []string) (journey.Action, bool, error) {
	in := classifier.TurnInput{
		TenantID:    st.TenantID,
		BotPersona:  personaLine(ten),
		MessageText: text,
		History:     history,
		KeyFacts:    factLines(st),
	}

	gov, gerr := p.classify.Govern(ctx, in)
	if gerr != nil {
		if ctx.Err() != nil {
			return journey.Action{}, false, gerr
		}
		p.logger.Warn("governor unavailable, treating turn as business", "error", gerr)
	}
	st.GovernorClass = string(gov.Classification)
	st.GovernorConfidence = gov.Confidence

	turn := &journey.Turn{State: st, Tenant: ten, Customer: cust, Text: text}

	switch gov.Classification {
	case classifier.GovernorSpam:
		st.SpamTurns++
		if st.SpamTurns >= 2 {
			p.logger.Info("repeat spam, disengaging silently",
				"tenant_id", st.TenantID, "conversation_id", st.ConversationID)
			return journey.Action{}, false, nil
		}
		return journey.Text("This number is the business line for " + botName(ten) + ". How can I help you today?"), true, nil

	case classifier.GovernorAbuse:
		if gov.RecommendedAction == classifier.ActionHandoff {
			act, err := p.router.Escalate(ctx, turn, handoff.ReasonAbuse)
			return act, err == nil, err
		}
		st.SpamTurns++
		return journey.Text("I can't continue this conversation. If you need help with an order or booking, I'm happy to assist."), true, nil

	case classifier.GovernorCasual:
		st.CasualTurns++
		if st.CasualTurns > casualTurnBudget(ten.Persona.MaxChattiness) {
			return journey.Text("I'd love to chat, but I'm best at helping with " + botName(ten) + " orders, bookings, and questions. What can I do for you?"), true, nil
		}
	}

	p.resolveLanguage(ctx, in, ten, cust, st)

	res, err := p.classify.ClassifyIntent(ctx, in)
	if err != nil {
		return journey.Action{}, false, err
	}
	if clean, serr := classifier.SanitizeSlots(res.Slots); serr != nil {
		p.logger.Warn("slot map rejected", "error", serr, "tenant_id", st.TenantID)
		res.Slots = nil
	} else {
		res.Slots = clean
	}
	st.Intent = res.Intent
	st.IntentConfidence = res.Confidence
	st.Slots = res.Slots

	turn.Intent = res
	act, err := p.router.Dispatch(ctx, turn)
	if err != nil {
		return journey.Action{}, false, err
	}
	return act, true, nil
}

// budgetExceeded turns a blown turn budget into an apology, escalating
// once it happens on consecutive turns.
func (p *Pipeline) budgetExceeded(ctx context.Context, ten *tenant.Tenant, cust *customer.Customer, st *conversation.State, text string) (journey.Action, bool) {
	p.logger.Warn("turn budget exceeded",
		"tenant_id", st.TenantID, "conversation_id", st.ConversationID)
	st.ConsecutiveToolErr++
	if st.ConsecutiveToolErr >= 2 {
		turn := &journey.Turn{State: st, Tenant: ten, Customer: cust, Text: text, Intent: classifier.UnknownIntent()}
		if act, err := p.router.Escalate(ctx, turn, handoff.ReasonTurnBudget); err == nil {
			return act, true
		}
		p.logger.Error("escalation after budget overrun failed")
	}
	return journey.Text("Sorry, that took longer than it should have. Please send that again in a moment."), true
}

func (p *Pipeline) resolveLanguage(ctx context.Context, in classifier.TurnInput, ten *tenant.Tenant, cust *customer.Customer, st *conversation.State) {
	if cust.LanguagePref != "" {
		st.ResponseLanguage = cust.LanguagePref
		return
	}
	res, err := p.classify.ClassifyLanguage(ctx, in)
	if err != nil {
		p.logger.Warn("language classifier unavailable", "error", err)
	}
	allowed := len(ten.Persona.AllowedLanguages) == 0 || ten.Persona.AllowsLanguage(res.ResponseLanguage)
	if res.ResponseLanguage != "" && res.Confidence >= p.langThreshold && allowed {
		st.ResponseLanguage = res.ResponseLanguage
		st.LanguageConfidence = res.Confidence
		return
	}
	if st.ResponseLanguage == "" {
		st.ResponseLanguage = ten.Persona.DefaultLanguage
	}
}

func (p *Pipeline) scheduleDeferred(ctx context.Context, env jobs.Envelope, act journey.Action, turn int, at time.Time) error {
	if p.enqueuer == nil {
		return apperr.New(apperr.CodeInvalidInput, "deferred delivery needs an enqueuer")
	}
	raw, err := json.Marshal(deliverPayload{Action: act, Turn: turn})
	if err != nil {
		return fmt.Errorf("worker: encode deferred action: %w", err)
	}
	_, err = p.enqueuer.Enqueue(ctx, jobs.Envelope{
		Kind:           jobs.KindDeliverOutbound,
		TenantID:       env.TenantID,
		ConversationID: env.ConversationID,
		CustomerID:     env.CustomerID,
		RequestID:      env.RequestID,
		Payload:        raw,
		NotBefore:      at,
	})
	if err != nil {
		return err
	}
	p.logger.Info("outbound deferred to quiet-hours end",
		"conversation_id", env.ConversationID, "release_at", at.Format(time.RFC3339))
	return nil
}

func (p *Pipeline) notifyHandoff(ctx context.Context, ten *tenant.Tenant, cust *customer.Customer, ticketID string) {
	if p.notifier == nil || p.tickets == nil || ticketID == "" {
		return
	}
	ticket, err := p.tickets.GetByID(ctx, ten.ID, ticketID)
	if err != nil {
		p.logger.Warn("handoff ticket fetch for notification failed", "ticket_id", ticketID, "error", err)
		return
	}
	p.notifier.HandoffCreated(ctx, ten, cust, ticket)
}

func (p *Pipeline) markMerged(ctx context.Context, ids []string) {
	if p.rdb == nil {
		return
	}
	for _, id := range ids {
		if err := p.rdb.Set(ctx, mergedKey(id), "1", mergedTTL).Err(); err != nil {
			p.logger.Warn("merge marker write failed", "message_id", id, "error", err)
		}
	}
}

// mergeBurst folds inbound messages that landed at or after the trigger
// into one turn text, oldest first.
func mergeBurst(trigger *conversation.Message, recent []conversation.Message) (string, []string) {
	var texts []string
	var ids []string
	for _, m := range recent {
		if m.Direction != conversation.DirectionIn {
			continue
		}
		if m.CreatedAt.Before(trigger.CreatedAt) {
			continue
		}
		texts = append(texts, m.Text)
		ids = append(ids, m.ID)
	}
	if len(texts) == 0 {
		return trigger.Text, []string{trigger.ID}
	}
	return strings.Join(texts, "\n"), ids
}

func priorMessages(trigger *conversation.Message, recent []conversation.Message) []conversation.Message {
	var out []conversation.Message
	for _, m := range recent {
		if m.CreatedAt.Before(trigger.CreatedAt) {
			out = append(out, m)
		}
	}
	return out
}

func historyLines(history []conversation.ChatMessage) []string {
	out := make([]string, 0, len(history))
	for _, m := range history {
		out = append(out, m.Role+": "+m.Text)
	}
	return out
}

func factLines(st *conversation.State) []string {
	out := make([]string, 0, len(st.KeyFacts)+1)
	if st.Summary != "" {
		out = append(out, "Summary so far: "+st.Summary)
	}
	for _, f := range st.KeyFacts {
		out = append(out, f.Fact)
	}
	return out
}

func personaLine(ten *tenant.Tenant) string {
	p := ten.Persona
	parts := []string{botName(ten)}
	if p.BotIntro != "" {
		parts = append(parts, p.BotIntro)
	}
	if p.ToneStyle != "" {
		parts = append(parts, "Tone: "+p.ToneStyle)
	}
	return strings.Join(parts, ". ")
}

func botName(ten *tenant.Tenant) string {
	if ten.Persona.BotName != "" {
		return ten.Persona.BotName
	}
	return ten.Name
}

package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/observability/metrics"
	"github.com/sokoflow/backend/pkg/logging"
)

var classifierTracer = otel.Tracer("sokoflow.internal.classifier")

// chatClient is the slice of the OpenAI client the service uses.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// TurnInput is what every classifier sees about the current turn.
type TurnInput struct {
	TenantID    string
	BotPersona  string
	MessageText string
	History     []string
	KeyFacts    []string
}

// Service runs the three classifiers against the LLM with per-call
// deadlines. Rejected output degrades to safe defaults instead of
// failing the turn.
type Service struct {
	client  chatClient
	model   string
	timeout time.Duration
	logger  *logging.Logger
	metrics *metrics.PipelineMetrics
}

// NewService wires the classifier service.
func NewService(client chatClient, model string, timeout time.Duration, logger *logging.Logger, m *metrics.PipelineMetrics) *Service {
	if client == nil {
		panic("classifier: chat client required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{client: client, model: model, timeout: timeout, logger: logger.WithComponent("classifier"), metrics: m}
}

// ClassifyIntent returns the validated intent result. Schema rejections
// degrade to UNKNOWN with confidence 0 and are logged, never surfaced.
func (s *Service) ClassifyIntent(ctx context.Context, in TurnInput) (IntentResult, error) {
	raw, err := s.complete(ctx, "intent", intentSystemPrompt, in)
	if err != nil {
		return UnknownIntent(), err
	}
	result, perr := parseIntentResult(raw)
	if perr != nil {
		s.reject("intent", in.TenantID, perr)
		return UnknownIntent(), nil
	}
	return result, nil
}

// ClassifyLanguage returns the validated language policy result.
func (s *Service) ClassifyLanguage(ctx context.Context, in TurnInput) (LanguageResult, error) {
	raw, err := s.complete(ctx, "language", languageSystemPrompt, in)
	if err != nil {
		return LanguageResult{}, err
	}
	result, perr := parseLanguageResult(raw)
	if perr != nil {
		s.reject("language", in.TenantID, perr)
		return LanguageResult{}, nil
	}
	return result, nil
}

// Govern returns the validated governor verdict.
func (s *Service) Govern(ctx context.Context, in TurnInput) (GovernorResult, error) {
	raw, err := s.complete(ctx, "governor", governorSystemPrompt, in)
	if err != nil {
		return DefaultGovernor(), err
	}
	result, perr := parseGovernorResult(raw)
	if perr != nil {
		s.reject("governor", in.TenantID, perr)
		return DefaultGovernor(), nil
	}
	return result, nil
}

func (s *Service) reject(kind, tenantID string, err error) {
	s.logger.Warn("classifier output rejected", "kind", kind, "tenant_id", tenantID, "error", err)
	s.metrics.ObserveClassifierReject(kind)
}

func (s *Service) complete(ctx context.Context, kind, system string, in TurnInput) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := classifierTracer.Start(ctx, "classifier."+kind)
	defer span.End()
	span.SetAttributes(attribute.String("sokoflow.tenant_id", in.TenantID))

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: buildMessages(system, in),
	})
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Wrap(apperr.CodeExternalAPI, fmt.Sprintf("%s classifier call failed", kind), err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.Newf(apperr.CodeExternalAPI, "%s classifier returned no choices", kind)
	}
	return []byte(resp.Choices[0].Message.Content), nil
}

func buildMessages(system string, in TurnInput) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}
	if in.BotPersona != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Business persona: " + in.BotPersona,
		})
	}
	if len(in.KeyFacts) > 0 {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Known facts about this customer:\n- " + strings.Join(in.KeyFacts, "\n- "),
		})
	}
	if len(in.History) > 0 {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Recent conversation:\n" + strings.Join(in.History, "\n"),
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: in.MessageText})
	return msgs
}

// mustJSON inlines enum lists into prompts.
func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

var intentSystemPrompt = `You classify one WhatsApp customer message for a business assistant.
Respond with JSON only: {"intent": string, "confidence": number 0..1, "notes": string (max 512 chars), "suggested_journey": string, "slots": object}.
intent must be one of ` + mustJSON([]string{
	IntentBrowseProducts, IntentProductDetails, IntentPlaceOrder, IntentOrderStatus,
	IntentBookService, IntentMakePayment, IntentAskQuestion, IntentRequestOffer,
	IntentApplyCoupon, IntentUpdatePreferences, IntentOptOut, IntentRequestHuman,
	IntentComplaint, IntentGreeting, IntentOther,
}) + `.
suggested_journey must be one of ["sales","support","orders","offers","prefs","governance","payments"].
slots carries extracted parameters (query, item name, quantity, order id, coupon code, amount) with snake_case keys.
Never invent values; omit a slot rather than guess.`

var languageSystemPrompt = `You decide the reply language for one WhatsApp message.
Respond with JSON only: {"response_language": "en"|"sw"|"sheng"|"mixed", "confidence": number 0..1, "should_ask_language_question": boolean}.`

var governorSystemPrompt = `You judge whether one inbound WhatsApp message is business-related.
Respond with JSON only: {"classification": "business"|"casual"|"spam"|"abuse", "confidence": number 0..1, "recommended_action": "proceed"|"redirect"|"limit"|"stop"|"handoff"}.`

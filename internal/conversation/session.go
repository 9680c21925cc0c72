package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/sokoflow/backend/pkg/logging"
)

var sessionTracer = otel.Tracer("sokoflow.internal.conversation.session")

// ErrNoSession is returned when no live state exists for a conversation;
// callers rebuild from the persisted history.
var ErrNoSession = errors.New("conversation: no live session")

// SessionStore keeps the per-conversation working state and the bounded
// history window in Redis. Live state expires after the inactivity TTL; a
// follow-up message rebuilds it from Postgres.
type SessionStore struct {
	rdb           *redis.Client
	ttl           time.Duration
	historyWindow int
	logger        *logging.Logger
}

// NewSessionStore wires the session store.
func NewSessionStore(rdb *redis.Client, ttl time.Duration, historyWindow int, logger *logging.Logger) *SessionStore {
	if rdb == nil {
		panic("conversation: redis client required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if historyWindow <= 0 {
		historyWindow = 20
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionStore{rdb: rdb, ttl: ttl, historyWindow: historyWindow, logger: logger.WithComponent("session")}
}

func sessionKey(conversationID string) string {
	return fmt.Sprintf("session:%s", conversationID)
}

func historyKey(conversationID string) string {
	return fmt.Sprintf("history:%s", conversationID)
}

// Load returns the live state for a conversation, or ErrNoSession.
func (s *SessionStore) Load(ctx context.Context, tenantID, conversationID string) (*State, error) {
	ctx, span := sessionTracer.Start(ctx, "session.load")
	defer span.End()

	data, err := s.rdb.Get(ctx, sessionKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: load session: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("conversation: decode session: %w", err)
	}
	// A session written under another tenant's conversation id must never
	// leak across; treat it as absent.
	if state.TenantID != tenantID {
		return nil, ErrNoSession
	}
	return &state, nil
}

// Save persists the state and refreshes the inactivity TTL.
func (s *SessionStore) Save(ctx context.Context, state *State) error {
	ctx, span := sessionTracer.Start(ctx, "session.save")
	defer span.End()

	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("conversation: marshal session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(state.ConversationID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("conversation: persist session: %w", err)
	}
	return nil
}

// Evict drops the live state, used when a conversation closes.
func (s *SessionStore) Evict(ctx context.Context, conversationID string) error {
	if err := s.rdb.Del(ctx, sessionKey(conversationID), historyKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("conversation: evict session: %w", err)
	}
	return nil
}

// AppendHistory pushes one chat message onto the bounded window.
func (s *SessionStore) AppendHistory(ctx context.Context, conversationID string, msg ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("conversation: marshal history entry: %w", err)
	}
	key := historyKey(conversationID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.historyWindow), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conversation: append history: %w", err)
	}
	return nil
}

// History returns the window, oldest first.
func (s *SessionStore) History(ctx context.Context, conversationID string) ([]ChatMessage, error) {
	entries, err := s.rdb.LRange(ctx, historyKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation: load history: %w", err)
	}
	out := make([]ChatMessage, 0, len(entries))
	for _, raw := range entries {
		var msg ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			s.logger.Warn("corrupt history entry dropped", "conversation_id", conversationID)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Rebuild reconstructs state and history from persisted messages after a
// TTL expiry.
func (s *SessionStore) Rebuild(ctx context.Context, conv *Conversation, customerPhone string, messages []Message) (*State, error) {
	state := &State{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		CustomerPhone:  customerPhone,
		Phase:          Phase{Kind: PhaseIdle},
		TurnCount:      conv.TurnCount,
	}
	if conv.Status == StatusHandoff {
		state.Phase = Phase{Kind: PhaseHandoff}
	}
	for _, m := range messages {
		role := "customer"
		if m.Direction == DirectionOut {
			role = "bot"
		}
		if err := s.AppendHistory(ctx, conv.ID, ChatMessage{Role: role, Text: m.Text, CreatedAt: m.CreatedAt}); err != nil {
			return nil, err
		}
	}
	if err := s.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// AppendKeyFact adds one extracted fact to the append-only list.
func (st *State) AppendKeyFact(fact string, confidence float64, sourceMessageID string) {
	st.KeyFacts = append(st.KeyFacts, KeyFact{
		Fact:            fact,
		Confidence:      confidence,
		ExtractedAt:     time.Now().UTC(),
		SourceMessageID: sourceMessageID,
	})
}

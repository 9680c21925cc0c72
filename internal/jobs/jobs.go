// Package jobs defines the queue payload envelope and the Postgres job
// records that track every background execution.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sokoflow/backend/internal/queue"
)

// Kind names a background job type.
type Kind string

const (
	KindProcessInbound     Kind = "process_inbound_message"
	KindKeywordReply       Kind = "send_keyword_reply"
	KindSubscriptionNotice Kind = "subscription_notice"
	KindRegenerateSummary  Kind = "regenerate_summary"
	KindDeliverOutbound    Kind = "deliver_outbound"
)

// QueueFor maps a job kind to its named queue.
func QueueFor(kind Kind) queue.Name {
	switch kind {
	case KindProcessInbound:
		return queue.Messaging
	case KindKeywordReply, KindSubscriptionNotice, KindDeliverOutbound:
		return queue.Messaging
	case KindRegenerateSummary:
		return queue.Bot
	default:
		return queue.Default
	}
}

// MaxAttempts returns the retry budget for a job kind. Routine jobs get
// three attempts; money-adjacent jobs get five.
func MaxAttempts(kind Kind) int {
	switch kind {
	case KindDeliverOutbound:
		return 5
	default:
		return 3
	}
}

// Envelope is the queue payload. Everything a handler needs rides in the
// envelope; handlers re-load entities by id so stale copies never execute.
type Envelope struct {
	JobID          string    `json:"job_id"`
	Kind           Kind      `json:"kind"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	CustomerID     string    `json:"customer_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Keyword        string    `json:"keyword,omitempty"`
	Payload        []byte    `json:"payload,omitempty"`
	Attempt        int       `json:"attempt,omitempty"`
	NotBefore      time.Time `json:"not_before,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Encode serializes the envelope for the queue body.
func (e Envelope) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("jobs: encode: %w", err)
	}
	return string(raw), nil
}

// Decode parses a queue body back into an envelope.
func Decode(body string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return Envelope{}, fmt.Errorf("jobs: decode: %w", err)
	}
	if e.Kind == "" {
		return Envelope{}, fmt.Errorf("jobs: envelope missing kind")
	}
	return e, nil
}

// Enqueuer inserts the job record and publishes the envelope.
type Enqueuer struct {
	queues queue.Set
	store  *Store
}

// NewEnqueuer wires the enqueue path. store may be nil when job records
// are not wanted (tests).
func NewEnqueuer(queues queue.Set, store *Store) *Enqueuer {
	return &Enqueuer{queues: queues, store: store}
}

// Enqueue records and publishes one job.
func (q *Enqueuer) Enqueue(ctx context.Context, env Envelope) (string, error) {
	if env.JobID == "" {
		env.JobID = uuid.NewString()
	}
	env.EnqueuedAt = time.Now().UTC()

	if q.store != nil {
		if err := q.store.Insert(ctx, env); err != nil {
			return "", err
		}
	}
	body, err := env.Encode()
	if err != nil {
		return "", err
	}
	if err := q.queues.Get(QueueFor(env.Kind)).Send(ctx, body); err != nil {
		return "", fmt.Errorf("jobs: publish %s: %w", env.Kind, err)
	}
	return env.JobID, nil
}

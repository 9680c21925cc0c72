// Package queue abstracts the job broker. Production uses SQS; tests and
// local development use the in-memory implementation.
package queue

import "context"

// Name identifies one of the named worker queues.
type Name string

const (
	Default      Name = "default"
	Integrations Name = "integrations"
	Analytics    Name = "analytics"
	Messaging    Name = "messaging"
	Bot          Name = "bot"
)

// Names lists every queue the worker runtime polls.
func Names() []Name {
	return []Name{Default, Integrations, Analytics, Messaging, Bot}
}

// Message is one received queue entry.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Client is the broker contract for a single named queue.
type Client interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Set maps queue names to their clients.
type Set map[Name]Client

// Get returns the client for a queue, falling back to default.
func (s Set) Get(name Name) Client {
	if c, ok := s[name]; ok {
		return c
	}
	return s[Default]
}

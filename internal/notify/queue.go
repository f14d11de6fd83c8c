// Package notify publishes appended request events to a message bus so
// reviewers and executors can react without polling.
package notify

import (
	"context"
	"time"

	"github.com/cuihairu/execgate/internal/domain"
)

// Queue defines a minimal interface to publish event notifications.
// Implementations can be backed by Kafka, Redis Streams, or a no-op for dev.
type Queue interface {
	PublishEvent(ctx context.Context, m Message) error
	Close() error
}

// Message is the wire form of a notification.
type Message struct {
	RequestID string              `json:"request_id"`
	EventID   string              `json:"event_id"`
	Type      domain.EventType    `json:"type"`
	AuthorID  string              `json:"author_id"`
	CreatedAt time.Time           `json:"created_at"`
	Action    domain.ReviewAction `json:"action,omitempty"`
}

// MessageOf builds the notification for e.
func MessageOf(e domain.Event) Message {
	m := Message{
		RequestID: e.RequestID,
		EventID:   e.ID,
		Type:      e.Type(),
		AuthorID:  e.Author.ID,
		CreatedAt: e.CreatedAt.UTC(),
	}
	if r, ok := e.Payload.(domain.ReviewPayload); ok {
		m.Action = r.Action
	}
	return m
}

type Noop struct{}

func NewNoop() *Noop                                        { return &Noop{} }
func (n *Noop) PublishEvent(context.Context, Message) error { return nil }
func (n *Noop) Close() error                                { return nil }

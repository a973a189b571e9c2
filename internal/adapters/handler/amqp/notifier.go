package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
)

const source = "staydesk-handoff"

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Time          time.Time `json:"time"`
}

// Envelope is the message body: routing metadata next to the event data.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// AssignmentNotice is the data of assignment-related envelopes, shaped for
// consumers that page or message the receiving agent.
type AssignmentNotice struct {
	PropertyID     string    `json:"property_id"`
	ConversationID string    `json:"conversation_id"`
	TransferID     string    `json:"transfer_id,omitempty"`
	AssignmentID   string    `json:"assignment_id"`
	AgentID        string    `json:"agent_id"`
	Priority       string    `json:"priority"`
	Note           string    `json:"note,omitempty"`
	At             time.Time `json:"at"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Notifier publishes routing events to a topic exchange. Routing keys are
// handoff.{property}.{event type}.
type Notifier struct {
	ch       publisher
	closer   func() error
	exchange string
	mu       sync.Mutex
}

func NewNotifier(amqpURL, exchange string) (*Notifier, error) {
	host := ""
	if u, err := url.Parse(amqpURL); err == nil {
		host = u.Host
	}
	logger.Info("Connecting to RabbitMQ", "host", host, "exchange", exchange)

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	n := newNotifier(ch, exchange)
	n.closer = func() error {
		ch.Close()
		return conn.Close()
	}
	return n, nil
}

func newNotifier(ch publisher, exchange string) *Notifier {
	return &Notifier{ch: ch, exchange: exchange, closer: func() error { return nil }}
}

// Publish implements ports.EventSink.
func (n *Notifier) Publish(ctx context.Context, e domain.Event) error {
	env := envelopeOf(e)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch.PublishWithContext(ctx, n.exchange, routingKey(e), false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         source,
	})
}

func routingKey(e domain.Event) string {
	property := e.PropertyID
	if property == "" {
		property = "unknown"
	}
	return fmt.Sprintf("handoff.%s.%s", property, e.Type)
}

// envelopeOf correlates every message of a conversation by its ID.
func envelopeOf(e domain.Event) Envelope {
	meta := Meta{
		ID:            e.ID,
		CorrelationID: e.ConversationID,
		Type:          string(e.Type),
		Source:        source,
		Time:          e.At.UTC(),
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = meta.ID
	}
	if meta.Time.IsZero() {
		meta.Time = time.Now().UTC()
	}

	switch e.Type {
	case domain.EventTransferAssigned, domain.EventTransferAccepted, domain.EventAssignmentMoved,
		domain.EventAssignmentComplete, domain.EventAssignmentReleased, domain.EventAssignmentOrphaned:
		return Envelope{Meta: meta, Data: AssignmentNotice{
			PropertyID:     e.PropertyID,
			ConversationID: e.ConversationID,
			TransferID:     e.TransferID,
			AssignmentID:   e.AssignmentID,
			AgentID:        e.AgentID,
			Priority:       e.Priority.String(),
			Note:           e.Message,
			At:             meta.Time,
		}}
	}
	return Envelope{Meta: meta, Data: e}
}

func (n *Notifier) Close() error {
	return n.closer()
}

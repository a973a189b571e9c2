package amqp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"staydesk.handoff/internal/core/domain"
)

type sent struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	sent []sent
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.sent = append(c.sent, sent{exchange: exchange, key: key, msg: msg})
	return nil
}

func TestAssignmentEventsCarryNotice(t *testing.T) {
	ch := &fakeChannel{}
	n := newNotifier(ch, "staydesk.events")
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	err := n.Publish(context.Background(), domain.Event{
		ID:             "e1",
		Type:           domain.EventTransferAssigned,
		PropertyID:     "hotel-1",
		ConversationID: "conv-1",
		TransferID:     "tr-1",
		AssignmentID:   "as-1",
		AgentID:        "ana",
		Priority:       domain.PriorityEmergency,
		At:             at,
	})
	require.NoError(t, err)
	require.Len(t, ch.sent, 1)

	got := ch.sent[0]
	assert.Equal(t, "staydesk.events", got.exchange)
	assert.Equal(t, "handoff.hotel-1.transfer.assigned", got.key)
	assert.Equal(t, "e1", got.msg.MessageId)
	assert.Equal(t, "conv-1", got.msg.CorrelationId)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)

	var env struct {
		Meta Meta             `json:"meta"`
		Data AssignmentNotice `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.msg.Body, &env))
	assert.Equal(t, "transfer.assigned", env.Meta.Type)
	assert.Equal(t, at, env.Meta.Time)
	assert.Equal(t, "ana", env.Data.AgentID)
	assert.Equal(t, "emergency", env.Data.Priority)
}

func TestOtherEventsCarryTheEvent(t *testing.T) {
	ch := &fakeChannel{}
	n := newNotifier(ch, "x")

	require.NoError(t, n.Publish(context.Background(), domain.Event{ID: "e2", Type: domain.EventSLABreach, TransferID: "tr-9"}))
	got := ch.sent[0]
	assert.Equal(t, "handoff.unknown.sla.breach", got.key)
	assert.Equal(t, "e2", got.msg.CorrelationId)

	var env struct {
		Data domain.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.msg.Body, &env))
	assert.Equal(t, "tr-9", env.Data.TransferID)
}

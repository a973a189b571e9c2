package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"staydesk.handoff/internal/core/domain"
)

type doneToken struct {
	done chan struct{}
	err  error
}

func newToken(err error, complete bool) *doneToken {
	t := &doneToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type published struct {
	topic   string
	payload []byte
}

// fakeClient only implements Publish; any other call panics on the nil embed.
type fakeClient struct {
	mqtt.Client
	mu       sync.Mutex
	messages []published
	err      error
	hang     bool
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, payload: payload.([]byte)})
	return newToken(c.err, !c.hang)
}

func TestPublishRoutesByPropertyAndAgent(t *testing.T) {
	client := &fakeClient{}
	p := newPublisher(client, "")

	err := p.Publish(context.Background(), domain.Event{
		ID:         "e1",
		Type:       domain.EventTransferAssigned,
		PropertyID: "hotel-1",
		AgentID:    "ana",
		TransferID: "tr-1",
	})
	require.NoError(t, err)

	require.Len(t, client.messages, 2)
	assert.Equal(t, "staydesk/hotel-1/transfer/assigned", client.messages[0].topic)
	assert.Equal(t, "staydesk/hotel-1/agent/ana", client.messages[1].topic)

	var body struct {
		Type    string       `json:"type"`
		Payload domain.Event `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(client.messages[0].payload, &body))
	assert.Equal(t, "transfer.assigned", body.Type)
	assert.Equal(t, "tr-1", body.Payload.TransferID)
}

func TestPublishWithoutAgentUsesOneTopic(t *testing.T) {
	client := &fakeClient{}
	p := newPublisher(client, "desk")

	require.NoError(t, p.Publish(context.Background(), domain.Event{Type: domain.EventSLABreach, PropertyID: "hotel-2"}))
	require.Len(t, client.messages, 1)
	assert.Equal(t, "desk/hotel-2/sla/breach", client.messages[0].topic)
}

func TestPublishSurfacesBrokerErrors(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	p := newPublisher(client, "")

	err := p.Publish(context.Background(), domain.Event{Type: domain.EventSLABreach, PropertyID: "hotel-1"})
	assert.ErrorContains(t, err, "not connected")
}

func TestPublishHonoursContext(t *testing.T) {
	client := &fakeClient{hang: true}
	p := newPublisher(client, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Publish(ctx, domain.Event{Type: domain.EventSLABreach, PropertyID: "hotel-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

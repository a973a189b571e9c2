package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"staydesk.handoff/internal/core/domain"
)

const testProperty = "hotel-1"

type harness struct {
	clock      *clock
	store      *memStore
	queue      *MemoryQueue
	manual     *MemoryManualQueue
	events     *EventBus
	presence   *PresenceTracker
	builder    *HandoffBuilder
	sla        *SLARecorder
	manager    *AssignmentManager
	dispatcher *Dispatcher
	convs      *fakeConversations
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  newClock(),
		store:  newMemStore(),
		queue:  NewMemoryQueue(),
		manual: NewMemoryManualQueue(),
		events: NewEventBus(1024),
		convs:  &fakeConversations{},
	}
	h.events.now = h.clock.Now

	h.presence = NewPresenceTracker(h.store, NewScorer(DefaultWeights(), 90*time.Second), h.events)
	h.presence.now = h.clock.Now

	h.builder = NewHandoffBuilder(h.convs, fakeGuests{}, 10, time.Second)
	h.builder.now = h.clock.Now

	var err error
	h.sla, err = NewSLARecorder(h.store, h.store, h.store, h.events, SLAOptions{QueueWaitSLA: 2 * time.Minute})
	require.NoError(t, err)
	h.sla.now = h.clock.Now

	h.manager = NewAssignmentManager(h.store, h.store, h.queue, h.manual, h.presence, h.builder, h.sla, h.events)
	h.manager.now = h.clock.Now

	h.dispatcher = NewDispatcher(h.queue, h.manager, DispatcherConfig{
		Interval:    time.Second,
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    10 * time.Second,
	})
	h.dispatcher.now = h.clock.Now

	h.manager.OnEnqueue(h.dispatcher.Notify)
	h.presence.OnAvailabilityChange(h.dispatcher.NotifyAvailability)
	return h
}

// addAgent registers an agent and brings it online.
func (h *harness) addAgent(t *testing.T, id, department string, capacity int, skills ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.presence.Register(ctx, &domain.Agent{
		ID:         id,
		PropertyID: testProperty,
		Name:       "Agent " + id,
		Department: department,
		Capacity:   capacity,
		Skills:     skills,
	})
	require.NoError(t, err)
	_, err = h.presence.RecordHeartbeat(ctx, id)
	require.NoError(t, err)
}

func (h *harness) request(t *testing.T, conversationID string, priority domain.TransferPriority) *domain.TransferRequest {
	t.Helper()
	req, err := h.manager.RequestTransfer(context.Background(), &domain.TransferRequest{
		PropertyID:      testProperty,
		ConversationID:  conversationID,
		GuestID:         "guest-" + conversationID,
		Reason:          "guest asked for a human",
		Priority:        priority,
		DetectionMethod: domain.DetectionExplicitRequest,
	})
	require.NoError(t, err)
	return req
}

// drainEvents returns every event emitted so far.
func (h *harness) drainEvents() []domain.Event {
	var out []domain.Event
	for {
		select {
		case e := <-h.events.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventTypes(events []domain.Event) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"staydesk.handoff/internal/core/domain"
)

func TestRegisterValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.presence.Register(ctx, &domain.Agent{PropertyID: testProperty, Name: "Ana", Capacity: 0})
	assert.ErrorIs(t, err, domain.ErrValidation)

	agent, err := h.presence.Register(ctx, &domain.Agent{PropertyID: testProperty, Name: "Ana", Capacity: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, domain.AgentStateOffline, agent.State)

	_, err = h.presence.Register(ctx, &domain.Agent{ID: agent.ID, PropertyID: testProperty, Name: "Ana", Capacity: 3})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestHeartbeatFromOfflineStartsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.presence.Register(ctx, &domain.Agent{ID: "ana", PropertyID: testProperty, Name: "Ana", Capacity: 2})
	require.NoError(t, err)

	session, err := h.presence.RecordHeartbeat(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, int64(1), session.Heartbeats)
	assert.Equal(t, h.clock.Now(), session.StartedAt)

	h.clock.Advance(30 * time.Second)
	session, err = h.presence.RecordHeartbeat(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, int64(2), session.Heartbeats)

	status, err := h.presence.Snapshot("ana")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStateAvailable, status.Agent.State)
	assert.True(t, status.Reachable)
	require.NotNil(t, status.Session)

	stored, _ := h.store.GetAgent(ctx, "ana")
	assert.Equal(t, domain.AgentStateAvailable, stored.State)
	assert.Contains(t, eventTypes(h.drainEvents()), domain.EventAgentStateChanged)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	h := newHarness(t)
	_, err := h.presence.RecordHeartbeat(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetStateWakesDispatcherAndEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "ana", "front_desk", 2)
	// Consume the wake-up from the first heartbeat.
	<-h.dispatcher.wakeCh

	agent, err := h.presence.SetState(ctx, "ana", domain.AgentStateAway, "lunch")
	require.NoError(t, err)
	assert.Equal(t, "lunch", agent.StatusMessage)
	select {
	case <-h.dispatcher.wakeCh:
	default:
		t.Fatal("state change did not wake the dispatcher")
	}

	_, err = h.presence.SetState(ctx, "ana", domain.AgentStateOffline, "")
	require.NoError(t, err)
	status, _ := h.presence.Snapshot("ana")
	assert.Nil(t, status.Session)
	assert.Nil(t, status.Agent.SessionStartedAt)
}

func TestSetStateKeepsActiveAssignments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "ana", "", 2)
	req := h.request(t, "conv-1", domain.PriorityNormal)
	a, err := h.manager.AutoAssign(ctx, req.ID)
	require.NoError(t, err)

	_, err = h.presence.SetState(ctx, "ana", domain.AgentStateDoNotDisturb, "meeting")
	require.NoError(t, err)

	stored, _ := h.store.GetAssignment(ctx, a.ID)
	assert.Equal(t, domain.AssignmentStatusActive, stored.Status)
	load, _ := h.presence.CurrentLoad("ana")
	assert.Equal(t, 1, load.Active)
	assert.Empty(t, h.presence.Rank(&domain.TransferRequest{PropertyID: testProperty}))
}

func TestCurrentLoad(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "ana", "", 4)
	req := &domain.TransferRequest{PropertyID: testProperty}
	_, err := h.presence.Reserve("ana", req)
	require.NoError(t, err)

	load, err := h.presence.CurrentLoad("ana")
	require.NoError(t, err)
	assert.Equal(t, domain.Workload{AgentID: "ana", Active: 1, Capacity: 4, Free: 3, Ratio: 0.25}, load)

	h.presence.Release("ana")
	h.presence.Release("ana")
	load, _ = h.presence.CurrentLoad("ana")
	assert.Equal(t, 0, load.Active, "workload never goes negative")

	_, err = h.presence.CurrentLoad("ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReserveRejectsIneligibleAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "ana", "", 1)
	req := &domain.TransferRequest{PropertyID: testProperty}

	_, err := h.presence.Reserve("ana", &domain.TransferRequest{PropertyID: "hotel-2"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.presence.Reserve("ana", req)
	require.NoError(t, err)
	_, err = h.presence.Reserve("ana", req)
	assert.ErrorIs(t, err, domain.ErrCapacityExhausted)

	h.presence.Release("ana")
	_, err = h.presence.SetState(ctx, "ana", domain.AgentStateDoNotDisturb, "")
	require.NoError(t, err)
	_, err = h.presence.Reserve("ana", req)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSweepDemotesStaleAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAgent(t, "ana", "", 2)
	h.addAgent(t, "ben", "", 2)
	_, err := h.presence.Reserve("ana", &domain.TransferRequest{PropertyID: testProperty})
	require.NoError(t, err)

	h.clock.Advance(60 * time.Second)
	_, err = h.presence.RecordHeartbeat(ctx, "ben")
	require.NoError(t, err)
	assert.Empty(t, h.presence.Sweep(ctx))

	h.clock.Advance(31 * time.Second)
	orphaned := h.presence.Sweep(ctx)
	assert.Equal(t, []string{"ana"}, orphaned)

	status, _ := h.presence.Snapshot("ana")
	assert.Equal(t, domain.AgentStateOffline, status.Agent.State)
	assert.False(t, status.Reachable)
	stored, _ := h.store.GetAgent(ctx, "ana")
	assert.Equal(t, domain.AgentStateOffline, stored.State)

	status, _ = h.presence.Snapshot("ben")
	assert.Equal(t, domain.AgentStateAvailable, status.Agent.State)
	assert.Equal(t, 1, h.presence.ReachableCount())
}

func TestLoadRebuildsWorkloadFromActiveAssignments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()
	require.NoError(t, h.store.CreateAgent(ctx, &domain.Agent{
		ID: "ana", PropertyID: testProperty, Capacity: 3, State: domain.AgentStateBusy, LastHeartbeat: now,
	}))
	for _, id := range []string{"a1", "a2"} {
		require.NoError(t, h.store.CreateAssignment(ctx, &domain.Assignment{
			ID: id, AgentID: "ana", ConversationID: "conv-" + id, Status: domain.AssignmentStatusActive,
		}))
	}
	require.NoError(t, h.store.CreateAssignment(ctx, &domain.Assignment{
		ID: "old", AgentID: "ana", ConversationID: "conv-old", Status: domain.AssignmentStatusCompleted,
	}))

	require.NoError(t, h.presence.Load(ctx, h.store))
	load, err := h.presence.CurrentLoad("ana")
	require.NoError(t, err)
	assert.Equal(t, 2, load.Active)

	status, _ := h.presence.Snapshot("ana")
	require.NotNil(t, status.Session)
	assert.Equal(t, 2, status.Session.ActiveConversations)
}

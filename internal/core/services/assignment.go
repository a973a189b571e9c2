package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
	"staydesk.handoff/internal/core/metrics"
	"staydesk.handoff/internal/core/ports"
	"staydesk.handoff/internal/core/tracing"
)

const (
	reasonAgentUnreachable = "agent unreachable"
	systemActor            = "system"
)

// AssignmentManager owns the hand-off state machine. Every mutation of a
// conversation runs under that conversation's lock, and repository writes are
// compare-and-swap on the previous status, so concurrent callers lose with
// ErrConflict instead of double-assigning.
type AssignmentManager struct {
	transfers   ports.TransferRepository
	assignments ports.AssignmentRepository
	queue       ports.TransferQueue
	manual      ports.ManualQueue
	presence    *PresenceTracker
	handoff     *HandoffBuilder
	sla         *SLARecorder
	events      *EventBus
	locks       *keyedMutex
	now         func() time.Time

	wake func()
}

func NewAssignmentManager(
	transfers ports.TransferRepository,
	assignments ports.AssignmentRepository,
	queue ports.TransferQueue,
	manual ports.ManualQueue,
	presence *PresenceTracker,
	handoff *HandoffBuilder,
	sla *SLARecorder,
	events *EventBus,
) *AssignmentManager {
	return &AssignmentManager{
		transfers:   transfers,
		assignments: assignments,
		queue:       queue,
		manual:      manual,
		presence:    presence,
		handoff:     handoff,
		sla:         sla,
		events:      events,
		locks:       newKeyedMutex(),
		now:         time.Now,
		wake:        func() {},
	}
}

// OnEnqueue registers the callback run after a request enters the queue.
func (m *AssignmentManager) OnEnqueue(fn func()) {
	m.wake = fn
}

// RequestTransfer validates and enqueues a new request. A conversation with a
// non-terminal request is rejected with ErrDuplicateTransfer.
func (m *AssignmentManager) RequestTransfer(ctx context.Context, req *domain.TransferRequest) (*domain.TransferRequest, error) {
	method, err := domain.ParseDetectionMethod(string(req.DetectionMethod))
	if err != nil {
		return nil, err
	}
	req.DetectionMethod = method
	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(req.ConversationID)
	defer unlock()

	existing, err := m.transfers.FindOpenTransfer(ctx, req.ConversationID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrDuplicateTransfer, existing.ID, existing.Status)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	now := m.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}
	req.Status = domain.TransferStatusPending
	req.UpdatedAt = now

	if err := m.transfers.CreateTransfer(ctx, req); err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}
	if err := m.queue.Enqueue(ctx, req); err != nil {
		m.cancelLocked(ctx, req, "enqueue failed")
		return nil, fmt.Errorf("enqueue transfer: %w", err)
	}

	metrics.RecordTransfer(req.Priority.String(), "requested")
	logger.InfoContext(ctx, "Transfer requested",
		"transfer_id", req.ID, "conversation_id", req.ConversationID,
		"priority", req.Priority, "detection", req.DetectionMethod)
	m.emit(domain.EventTransferRequested, req, nil, req.Reason)
	m.wake()
	return req.Clone(), nil
}

// AutoAssign commits req to the best-ranked agent.
func (m *AssignmentManager) AutoAssign(ctx context.Context, requestID string) (*domain.Assignment, error) {
	return m.assign(ctx, requestID, "")
}

// Assign commits req to a specific agent. Manually escalated requests can only
// be placed this way.
func (m *AssignmentManager) Assign(ctx context.Context, requestID, agentID string) (*domain.Assignment, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, domain.Validationf("agent_id is required")
	}
	return m.assign(ctx, requestID, agentID)
}

func (m *AssignmentManager) assign(ctx context.Context, requestID, agentID string) (*domain.Assignment, error) {
	req, err := m.transfers.GetTransfer(ctx, requestID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpanWith(ctx, "assignment.commit",
		"transfer.id", req.ID, "conversation.id", req.ConversationID, "agent.id", agentID)
	defer span.End()

	unlock := m.locks.Lock(req.ConversationID)
	a, req, err := m.commitLocked(ctx, requestID, agentID)
	unlock()
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	m.attachHandoff(ctx, req)
	return a, nil
}

// commitLocked performs the pending → in_progress transition. The caller holds
// the conversation lock.
func (m *AssignmentManager) commitLocked(ctx context.Context, requestID, agentID string) (*domain.Assignment, *domain.TransferRequest, error) {
	req, err := m.transfers.GetTransfer(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if agentID != "" && req.Status == domain.TransferStatusInProgress &&
		req.AssignedAgentID != nil && *req.AssignedAgentID == agentID && req.AssignmentID != nil {
		// Retried assignment to the same agent.
		a, err := m.assignments.GetAssignment(ctx, *req.AssignmentID)
		if err != nil {
			return nil, nil, err
		}
		return a, req, nil
	}
	if req.Status != domain.TransferStatusPending {
		return nil, nil, fmt.Errorf("%w: request %s is %s", domain.ErrIllegalTransition, req.ID, req.Status)
	}

	orphan, err := m.activeAssignment(ctx, req.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	if orphan != nil && !orphan.NeedsReassignment && !recovers(req, orphan) {
		if req.DetectionMethod == domain.DetectionOrphanRecovery {
			if err := m.cancelLocked(ctx, req, "conversation already reassigned"); err != nil {
				return nil, nil, err
			}
			return nil, nil, fmt.Errorf("%w: request %s was superseded", domain.ErrIllegalTransition, req.ID)
		}
		return nil, nil, fmt.Errorf("%w: conversation %s already has active assignment %s", domain.ErrConflict, req.ConversationID, orphan.ID)
	}

	var agent domain.Agent
	if agentID == "" {
		var exclude []string
		if orphan != nil {
			exclude = append(exclude, orphan.AgentID)
		}
		best, err := m.presence.ReserveBest(req, exclude...)
		if err != nil {
			if errors.Is(err, domain.ErrCapacityExhausted) {
				metrics.IncCapacityExhausted()
			}
			return nil, nil, err
		}
		agent = best.Agent
	} else {
		if orphan != nil && orphan.AgentID == agentID {
			return nil, nil, domain.Validationf("agent %s is the unreachable owner of this conversation", agentID)
		}
		if agent, err = m.presence.Reserve(agentID, req); err != nil {
			return nil, nil, err
		}
	}

	now := m.now()
	a := &domain.Assignment{
		ID:                uuid.NewString(),
		PropertyID:        req.PropertyID,
		ConversationID:    req.ConversationID,
		TransferRequestID: req.ID,
		AgentID:           agent.ID,
		Status:            domain.AssignmentStatusActive,
		AssignedAt:        now,
		UpdatedAt:         now,
	}

	if orphan == nil {
		err = m.assignments.CreateAssignment(ctx, a)
	} else {
		a.PreviousAssignmentID = &orphan.ID
		closed := orphan.Clone()
		closed.Status = domain.AssignmentStatusTransferred
		closed.ReleasedAt = &now
		closed.EndReason = reasonAgentUnreachable
		closed.NeedsReassignment = false
		closed.UpdatedAt = now
		err = m.assignments.TransferAssignment(ctx, closed, a, &domain.AssignmentTransfer{
			ID:               uuid.NewString(),
			PropertyID:       req.PropertyID,
			ConversationID:   req.ConversationID,
			FromAssignmentID: orphan.ID,
			ToAssignmentID:   a.ID,
			FromAgentID:      orphan.AgentID,
			ToAgentID:        agent.ID,
			Reason:           "orphan recovery: " + reasonAgentUnreachable,
			TransferredBy:    systemActor,
			TransferredAt:    now,
		})
	}
	if err != nil {
		m.presence.Release(agent.ID)
		return nil, nil, fmt.Errorf("persist assignment: %w", err)
	}
	if orphan != nil {
		m.presence.Release(orphan.AgentID)
	}

	req.Status = domain.TransferStatusInProgress
	req.AssignedAgentID = &agent.ID
	req.AssignmentID = &a.ID
	req.AssignedAt = &now
	req.NextAttemptAt = nil
	req.UpdatedAt = now
	wasManual := req.ManualRequired
	req.ManualRequired = false
	if err := m.transfers.UpdateTransfer(ctx, req, domain.TransferStatusPending); err != nil {
		m.rollbackAssignment(ctx, a, "request no longer pending")
		return nil, nil, err
	}

	if err := m.queue.Remove(ctx, req.ID); err != nil {
		logger.WarnContext(ctx, "Failed to remove assigned request from queue", "transfer_id", req.ID, "error", err)
	}
	if wasManual && m.manual != nil {
		if err := m.manual.Remove(ctx, req.ID); err != nil {
			logger.WarnContext(ctx, "Failed to remove request from manual queue", "transfer_id", req.ID, "error", err)
		}
	}
	m.presence.RecordAssigned(ctx, agent.ID, now)

	metrics.RecordAssigned(req.Priority.String(), req.Waiting(now))
	logger.InfoContext(ctx, "Transfer assigned",
		"transfer_id", req.ID, "assignment_id", a.ID, "agent_id", agent.ID,
		"queue_wait", req.Waiting(now).Round(time.Millisecond))
	m.emit(domain.EventTransferAssigned, req, a, "")
	return a.Clone(), req, nil
}

// recovers reports whether req is the recovery request queued for orphan
// before the orphan could be flagged.
func recovers(req *domain.TransferRequest, orphan *domain.Assignment) bool {
	return req.DetectionMethod == domain.DetectionOrphanRecovery &&
		req.PreviousRequestID != nil && *req.PreviousRequestID == orphan.TransferRequestID
}

func (m *AssignmentManager) rollbackAssignment(ctx context.Context, a *domain.Assignment, reason string) {
	undo := a.Clone()
	now := m.now()
	undo.Status = domain.AssignmentStatusReleased
	undo.ReleasedAt = &now
	undo.EndReason = reason
	if err := m.assignments.UpdateAssignment(ctx, undo, domain.AssignmentStatusActive); err != nil {
		logger.ErrorContext(ctx, "Failed to roll back assignment", "assignment_id", a.ID, "error", err)
	}
	m.presence.Release(a.AgentID)
}

func (m *AssignmentManager) attachHandoff(ctx context.Context, req *domain.TransferRequest) {
	if m.handoff == nil || req.Handoff != nil {
		return
	}
	hc, err := m.handoff.Build(ctx, req)
	if err != nil {
		logger.DebugContext(ctx, "Handoff context built degraded", "transfer_id", req.ID, "error", err)
	}
	if err := m.transfers.AttachHandoff(ctx, req.ID, hc); err != nil {
		logger.WarnContext(ctx, "Failed to attach handoff context", "transfer_id", req.ID, "error", err)
	}
}

// Accept is the agent taking a request. A pending request is assigned to that
// agent; an in-progress one owned by the agent records the response time once.
func (m *AssignmentManager) Accept(ctx context.Context, requestID, agentID string) (*domain.Assignment, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, domain.Validationf("agent_id is required")
	}
	req, err := m.transfers.GetTransfer(ctx, requestID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(req.ConversationID)
	req, err = m.transfers.GetTransfer(ctx, requestID)
	if err != nil {
		unlock()
		return nil, err
	}

	var (
		assigned  *domain.TransferRequest
		committed *domain.Assignment
	)
	if req.Status == domain.TransferStatusPending {
		committed, assigned, err = m.commitLocked(ctx, requestID, agentID)
		if err != nil {
			unlock()
			return nil, err
		}
		req = assigned
	}
	a, err := m.acceptLocked(ctx, req, agentID)
	unlock()
	if err != nil {
		return nil, err
	}
	if committed != nil {
		m.attachHandoff(ctx, req)
	}
	return a, nil
}

func (m *AssignmentManager) acceptLocked(ctx context.Context, req *domain.TransferRequest, agentID string) (*domain.Assignment, error) {
	if req.Status != domain.TransferStatusInProgress || req.AssignmentID == nil {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrIllegalTransition, req.ID, req.Status)
	}
	if req.AssignedAgentID == nil || *req.AssignedAgentID != agentID {
		return nil, fmt.Errorf("%w: request %s is assigned to another agent", domain.ErrConflict, req.ID)
	}

	a, err := m.assignments.GetAssignment(ctx, *req.AssignmentID)
	if err != nil {
		return nil, err
	}
	if a.AcceptedAt != nil {
		return a, nil
	}

	now := m.now()
	responseMs := now.Sub(a.AssignedAt).Milliseconds()
	a.AcceptedAt = &now
	a.ResponseTimeMs = &responseMs
	a.UpdatedAt = now
	if err := m.assignments.UpdateAssignment(ctx, a, domain.AssignmentStatusActive); err != nil {
		return nil, err
	}

	req.AcceptedAt = &now
	req.UpdatedAt = now
	if err := m.transfers.UpdateTransfer(ctx, req, domain.TransferStatusInProgress); err != nil {
		logger.WarnContext(ctx, "Failed to stamp accept time on request", "transfer_id", req.ID, "error", err)
	}
	m.emit(domain.EventTransferAccepted, req, a, "")
	return a, nil
}

// Transfer moves an active assignment to another agent.
func (m *AssignmentManager) Transfer(ctx context.Context, assignmentID, newAgentID, reason string) (*domain.Assignment, error) {
	if strings.TrimSpace(newAgentID) == "" {
		return nil, domain.Validationf("agent_id is required")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual transfer"
	}
	current, err := m.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpanWith(ctx, "assignment.transfer",
		"assignment.id", assignmentID, "conversation.id", current.ConversationID, "agent.id", newAgentID)
	defer span.End()

	unlock := m.locks.Lock(current.ConversationID)
	defer unlock()

	if current, err = m.assignments.GetAssignment(ctx, assignmentID); err != nil {
		return nil, err
	}
	if current.Status == domain.AssignmentStatusTransferred {
		if prior, err := m.transferredTo(ctx, current, newAgentID); err != nil || prior != nil {
			return prior, err
		}
	}
	if current.Status != domain.AssignmentStatusActive {
		return nil, fmt.Errorf("%w: assignment %s is %s", domain.ErrIllegalTransition, current.ID, current.Status)
	}
	if current.AgentID == newAgentID {
		return nil, domain.Validationf("assignment %s is already held by agent %s", current.ID, newAgentID)
	}
	req, err := m.transfers.GetTransfer(ctx, current.TransferRequestID)
	if err != nil {
		return nil, err
	}
	// A moved orphan continues under its pending recovery request.
	recovery, err := m.openRecovery(ctx, current.ConversationID)
	if err != nil {
		return nil, err
	}
	if recovery != nil && !recovers(recovery, current) {
		recovery = nil
	}
	if _, err := m.presence.Reserve(newAgentID, req); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	now := m.now()
	by := systemActor
	if actor, ok := domain.ActorFrom(ctx); ok && actor.AgentID != "" {
		by = actor.AgentID
	}

	closed := current.Clone()
	closed.Status = domain.AssignmentStatusTransferred
	closed.ReleasedAt = &now
	closed.EndReason = reason
	closed.NeedsReassignment = false
	closed.UpdatedAt = now

	next := &domain.Assignment{
		ID:                   uuid.NewString(),
		PropertyID:           current.PropertyID,
		ConversationID:       current.ConversationID,
		TransferRequestID:    current.TransferRequestID,
		AgentID:              newAgentID,
		Status:               domain.AssignmentStatusActive,
		AssignedAt:           now,
		MessageCount:         current.MessageCount,
		PreviousAssignmentID: &current.ID,
		UpdatedAt:            now,
	}
	if recovery != nil {
		next.TransferRequestID = recovery.ID
	}
	record := &domain.AssignmentTransfer{
		ID:               uuid.NewString(),
		PropertyID:       current.PropertyID,
		ConversationID:   current.ConversationID,
		FromAssignmentID: current.ID,
		ToAssignmentID:   next.ID,
		FromAgentID:      current.AgentID,
		ToAgentID:        newAgentID,
		Reason:           reason,
		TransferredBy:    by,
		TransferredAt:    now,
	}
	if err := m.assignments.TransferAssignment(ctx, closed, next, record); err != nil {
		m.presence.Release(newAgentID)
		tracing.RecordError(span, err)
		return nil, err
	}
	m.presence.Release(current.AgentID)

	if recovery != nil {
		req = m.claimRecovery(ctx, recovery, next)
	} else if req.Status == domain.TransferStatusInProgress {
		req.AssignedAgentID = &next.AgentID
		req.AssignmentID = &next.ID
		req.AcceptedAt = nil
		req.UpdatedAt = now
		if err := m.transfers.UpdateTransfer(ctx, req, domain.TransferStatusInProgress); err != nil {
			logger.WarnContext(ctx, "Failed to repoint request to new assignment", "transfer_id", req.ID, "error", err)
		}
	}

	logger.InfoContext(ctx, "Assignment transferred",
		"conversation_id", current.ConversationID, "from_agent", current.AgentID, "to_agent", newAgentID, "reason", reason)
	m.emit(domain.EventAssignmentMoved, req, next, reason)
	if next.History, err = m.assignments.ListTransferHistory(ctx, next.ConversationID); err != nil {
		logger.WarnContext(ctx, "Failed to load transfer history", "conversation_id", next.ConversationID, "error", err)
	}
	return next, nil
}

// transferredTo returns the successor of an already transferred assignment when
// it went to agentID, so a retried transfer answers with the same result.
func (m *AssignmentManager) transferredTo(ctx context.Context, current *domain.Assignment, agentID string) (*domain.Assignment, error) {
	history, err := m.assignments.ListTransferHistory(ctx, current.ConversationID)
	if err != nil {
		return nil, err
	}
	for _, rec := range history {
		if rec.FromAssignmentID != current.ID || rec.ToAgentID != agentID {
			continue
		}
		next, err := m.assignments.GetAssignment(ctx, rec.ToAssignmentID)
		if err != nil {
			return nil, err
		}
		next.History = history
		return next, nil
	}
	return nil, nil
}

// claimRecovery moves the pending recovery request of a hand-transferred orphan
// onto its new assignment, so completing that assignment closes the request.
func (m *AssignmentManager) claimRecovery(ctx context.Context, recovery *domain.TransferRequest, next *domain.Assignment) *domain.TransferRequest {
	now := next.AssignedAt
	claimed := recovery.Clone()
	claimed.Status = domain.TransferStatusInProgress
	claimed.AssignedAgentID = &next.AgentID
	claimed.AssignmentID = &next.ID
	claimed.AssignedAt = &now
	claimed.NextAttemptAt = nil
	claimed.ManualRequired = false
	claimed.UpdatedAt = now
	if err := m.transfers.UpdateTransfer(ctx, claimed, domain.TransferStatusPending); err != nil {
		logger.WarnContext(ctx, "Failed to claim recovery request", "transfer_id", recovery.ID, "error", err)
		return recovery
	}
	if err := m.queue.Remove(ctx, recovery.ID); err != nil {
		logger.WarnContext(ctx, "Failed to remove recovery request from queue", "transfer_id", recovery.ID, "error", err)
	}
	if recovery.ManualRequired && m.manual != nil {
		if err := m.manual.Remove(ctx, recovery.ID); err != nil {
			logger.WarnContext(ctx, "Failed to remove recovery request from manual queue", "transfer_id", recovery.ID, "error", err)
		}
	}
	metrics.RecordAssigned(claimed.Priority.String(), claimed.Waiting(now))
	m.emit(domain.EventTransferAssigned, claimed, next, "")
	return claimed
}

// Complete ends an active assignment successfully. Completing an already
// completed assignment returns it unchanged.
func (m *AssignmentManager) Complete(ctx context.Context, assignmentID, notes string) (*domain.Assignment, error) {
	return m.finish(ctx, assignmentID, domain.AssignmentStatusCompleted, notes)
}

// Release hands the conversation back without completing it. Repeating the
// call on a released assignment returns it unchanged.
func (m *AssignmentManager) Release(ctx context.Context, assignmentID, reason string) (*domain.Assignment, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "released by agent"
	}
	return m.finish(ctx, assignmentID, domain.AssignmentStatusReleased, reason)
}

// CompleteRequest completes the active assignment behind a transfer request.
func (m *AssignmentManager) CompleteRequest(ctx context.Context, requestID, notes string) (*domain.Assignment, error) {
	req, err := m.transfers.GetTransfer(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.AssignmentID == nil {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrIllegalTransition, req.ID, req.Status)
	}
	return m.Complete(ctx, *req.AssignmentID, notes)
}

func (m *AssignmentManager) finish(ctx context.Context, assignmentID string, target domain.AssignmentStatus, text string) (*domain.Assignment, error) {
	a, err := m.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(a.ConversationID)
	defer unlock()

	if a, err = m.assignments.GetAssignment(ctx, assignmentID); err != nil {
		return nil, err
	}
	if a.Status == target {
		return a, nil
	}
	if a.Status != domain.AssignmentStatusActive {
		return nil, fmt.Errorf("%w: assignment %s is %s", domain.ErrIllegalTransition, a.ID, a.Status)
	}

	now := m.now()
	orphaned := a.NeedsReassignment
	closed := a.Clone()
	closed.Status = target
	closed.ReleasedAt = &now
	closed.NeedsReassignment = false
	closed.UpdatedAt = now
	if target == domain.AssignmentStatusCompleted {
		closed.Notes = text
	} else {
		closed.EndReason = text
	}
	if err := m.assignments.UpdateAssignment(ctx, closed, domain.AssignmentStatusActive); err != nil {
		return nil, err
	}
	m.presence.Release(a.AgentID)

	req, err := m.transfers.GetTransfer(ctx, a.TransferRequestID)
	if err != nil {
		logger.WarnContext(ctx, "Finished assignment has no request", "assignment_id", a.ID, "error", err)
	} else if req.Status == domain.TransferStatusInProgress {
		req.Status = domain.TransferStatusCompleted
		req.CompletedAt = &now
		req.UpdatedAt = now
		if err := m.transfers.UpdateTransfer(ctx, req, domain.TransferStatusInProgress); err != nil {
			logger.WarnContext(ctx, "Failed to complete request", "transfer_id", req.ID, "error", err)
		}
		m.recordSLA(ctx, req, closed, target)
	}

	// The recovery may already be queued while the orphan is not yet flagged.
	if orphaned || (req != nil && req.Status == domain.TransferStatusCancelled) {
		m.cancelRecovery(ctx, a)
	}

	eventType := domain.EventAssignmentComplete
	outcome := "completed"
	if target == domain.AssignmentStatusReleased {
		eventType = domain.EventAssignmentReleased
		outcome = "released"
	}
	if req != nil {
		metrics.RecordTransfer(req.Priority.String(), outcome)
	}
	logger.InfoContext(ctx, "Assignment finished",
		"assignment_id", a.ID, "status", target, "handle_time", closed.HandleTime(now).Round(time.Second))
	m.emit(eventType, req, closed, text)
	return closed, nil
}

func (m *AssignmentManager) recordSLA(ctx context.Context, req *domain.TransferRequest, a *domain.Assignment, status domain.AssignmentStatus) {
	if m.sla == nil {
		return
	}
	outcome := domain.SLAOutcomeCompleted
	if status == domain.AssignmentStatusReleased {
		outcome = domain.SLAOutcomeReleased
	}
	history, err := m.assignments.ListTransferHistory(ctx, a.ConversationID)
	if err != nil {
		logger.WarnContext(ctx, "Failed to load transfer history", "conversation_id", a.ConversationID, "error", err)
	}
	moves := 0
	for _, h := range history {
		if h.TransferredAt.After(req.RequestedAt) || h.TransferredAt.Equal(req.RequestedAt) {
			moves++
		}
	}
	if _, err := m.sla.Record(ctx, req, a, outcome, moves); err != nil {
		logger.ErrorContext(ctx, "Failed to record SLA", "transfer_id", req.ID, "error", err)
	}
}

// cancelRecovery drops the pending recovery request of an orphaned assignment
// that was closed by hand.
func (m *AssignmentManager) cancelRecovery(ctx context.Context, orphan *domain.Assignment) {
	open, err := m.openRecovery(ctx, orphan.ConversationID)
	if err != nil || open == nil || !recovers(open, orphan) {
		return
	}
	m.cancelLocked(ctx, open, "orphaned assignment closed")
}

// Cancel withdraws a pending request. Cancelling a cancelled request is a no-op;
// a request that already has an agent returns ErrConflict.
func (m *AssignmentManager) Cancel(ctx context.Context, requestID, reason string) (*domain.TransferRequest, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled"
	}
	req, err := m.transfers.GetTransfer(ctx, requestID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(req.ConversationID)
	defer unlock()

	if req, err = m.transfers.GetTransfer(ctx, requestID); err != nil {
		return nil, err
	}
	switch req.Status {
	case domain.TransferStatusCancelled:
		return req, nil
	case domain.TransferStatusPending:
	default:
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrIllegalTransition, req.ID, req.Status)
	}
	if err := m.cancelLocked(ctx, req, reason); err != nil {
		return nil, err
	}
	return req, nil
}

func (m *AssignmentManager) cancelLocked(ctx context.Context, req *domain.TransferRequest, reason string) error {
	now := m.now()
	previous := req.Status
	req.Status = domain.TransferStatusCancelled
	req.CancelReason = reason
	req.CancelledAt = &now
	req.NextAttemptAt = nil
	req.UpdatedAt = now
	if err := m.transfers.UpdateTransfer(ctx, req, previous); err != nil {
		return err
	}
	if err := m.queue.Remove(ctx, req.ID); err != nil {
		logger.WarnContext(ctx, "Failed to remove cancelled request from queue", "transfer_id", req.ID, "error", err)
	}
	if req.ManualRequired && m.manual != nil {
		if err := m.manual.Remove(ctx, req.ID); err != nil {
			logger.WarnContext(ctx, "Failed to remove cancelled request from manual queue", "transfer_id", req.ID, "error", err)
		}
	}
	metrics.RecordTransfer(req.Priority.String(), "cancelled")
	logger.InfoContext(ctx, "Transfer cancelled", "transfer_id", req.ID, "reason", reason)
	m.emit(domain.EventTransferCancelled, req, nil, reason)
	return nil
}

// NoteAttempt persists the dispatch attempt counter of a pending request.
func (m *AssignmentManager) NoteAttempt(ctx context.Context, requestID string, attempts int, next *time.Time) error {
	req, err := m.transfers.GetTransfer(ctx, requestID)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(req.ConversationID)
	defer unlock()

	if req, err = m.transfers.GetTransfer(ctx, requestID); err != nil {
		return err
	}
	if req.Status != domain.TransferStatusPending {
		return nil
	}
	req.Attempts = attempts
	req.NextAttemptAt = next
	req.UpdatedAt = m.now()
	return m.transfers.UpdateTransfer(ctx, req, domain.TransferStatusPending)
}

// EscalateManual takes a request out of automatic dispatch and parks it for a supervisor.
func (m *AssignmentManager) EscalateManual(ctx context.Context, requestID, reason string) (*domain.TransferRequest, error) {
	req, err := m.transfers.GetTransfer(ctx, requestID)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(req.ConversationID)
	defer unlock()

	if req, err = m.transfers.GetTransfer(ctx, requestID); err != nil {
		return nil, err
	}
	if req.Status != domain.TransferStatusPending {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrIllegalTransition, req.ID, req.Status)
	}
	if req.ManualRequired {
		return req, nil
	}

	req.ManualRequired = true
	req.NextAttemptAt = nil
	req.UpdatedAt = m.now()
	if err := m.transfers.UpdateTransfer(ctx, req, domain.TransferStatusPending); err != nil {
		return nil, err
	}
	if err := m.queue.Remove(ctx, req.ID); err != nil {
		logger.WarnContext(ctx, "Failed to remove escalated request from queue", "transfer_id", req.ID, "error", err)
	}
	if m.manual != nil {
		if err := m.manual.Add(ctx, req, reason); err != nil {
			return nil, fmt.Errorf("park request for manual assignment: %w", err)
		}
	}

	metrics.RecordTransfer(req.Priority.String(), "manual_required")
	logger.WarnContext(ctx, "Transfer needs manual assignment", "transfer_id", req.ID, "attempts", req.Attempts, "reason", reason)
	m.emit(domain.EventManualRequired, req, nil, reason)
	return req, nil
}

// RestoreQueue re-enqueues every pending request found in the repository,
// oldest first. Requests flagged for a supervisor go back to the manual queue.
// It runs once at start-up, before the dispatcher.
func (m *AssignmentManager) RestoreQueue(ctx context.Context) (int, error) {
	pending, err := m.transfers.ListTransfers(ctx, ports.TransferFilter{
		Statuses: []domain.TransferStatus{domain.TransferStatusPending},
	})
	if err != nil {
		return 0, fmt.Errorf("list pending transfers: %w", err)
	}
	slices.SortStableFunc(pending, func(a, b *domain.TransferRequest) int {
		return a.RequestedAt.Compare(b.RequestedAt)
	})

	restored := 0
	for _, req := range pending {
		if req.ManualRequired {
			if m.manual == nil {
				continue
			}
			if err := m.manual.Add(ctx, req, "restored"); err != nil {
				return restored, fmt.Errorf("restore manual request %s: %w", req.ID, err)
			}
			restored++
			continue
		}
		item := req.Clone()
		item.QueueSeq = 0
		if err := m.queue.Enqueue(ctx, item); err != nil {
			logger.WarnContext(ctx, "Failed to restore queued request", "transfer_id", req.ID, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		logger.InfoContext(ctx, "Transfer queue restored", "requests", restored)
		m.wake()
	}
	return restored, nil
}

// RecoverOrphans re-queues every active assignment of an unreachable agent. It
// is idempotent and resumable: a sweep that failed halfway is completed by the
// next one, and flagged assignments only get their recovery request re-queued.
func (m *AssignmentManager) RecoverOrphans(ctx context.Context, agentID string) (int, error) {
	active, err := m.assignments.ListAssignments(ctx, ports.AssignmentFilter{
		AgentID:  agentID,
		Statuses: []domain.AssignmentStatus{domain.AssignmentStatusActive},
	})
	if err != nil {
		return 0, fmt.Errorf("list active assignments of %s: %w", agentID, err)
	}

	recovered, requeued := 0, 0
	for _, a := range active {
		ok, err := m.recoverOne(ctx, a.ID)
		if err != nil {
			logger.ErrorContext(ctx, "Orphan recovery failed", "assignment_id", a.ID, "agent_id", agentID, "error", err)
			continue
		}
		if ok {
			recovered++
		} else if a.NeedsReassignment {
			requeued++
		}
	}
	if recovered+requeued > 0 {
		m.wake()
	}
	return recovered, nil
}

// recoverOne supersedes the orphaned assignment's request, queues a recovery
// request and only then flags the assignment. Every step tolerates having run
// before, so a failure leaves the assignment unflagged for the next sweep.
// It reports whether the assignment was newly flagged.
func (m *AssignmentManager) recoverOne(ctx context.Context, assignmentID string) (bool, error) {
	a, err := m.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return false, err
	}
	unlock := m.locks.Lock(a.ConversationID)
	defer unlock()

	if a, err = m.assignments.GetAssignment(ctx, assignmentID); err != nil {
		return false, err
	}
	if a.Status != domain.AssignmentStatusActive {
		return false, nil
	}

	now := m.now()
	original, err := m.transfers.GetTransfer(ctx, a.TransferRequestID)
	if err != nil {
		return false, err
	}
	if original.Status == domain.TransferStatusInProgress {
		superseded := original.Clone()
		superseded.Status = domain.TransferStatusCancelled
		superseded.CancelReason = reasonAgentUnreachable
		superseded.CancelledAt = &now
		superseded.UpdatedAt = now
		if err := m.transfers.UpdateTransfer(ctx, superseded, domain.TransferStatusInProgress); err != nil {
			return false, err
		}
	}

	recovery, err := m.openRecovery(ctx, a.ConversationID)
	if err != nil {
		return false, err
	}
	created := recovery == nil
	if created {
		priority := original.Priority
		if priority < domain.PriorityHigh {
			priority = domain.PriorityHigh
		}
		recovery = &domain.TransferRequest{
			ID:                uuid.NewString(),
			PropertyID:        original.PropertyID,
			ConversationID:    original.ConversationID,
			GuestID:           original.GuestID,
			GuestName:         original.GuestName,
			RoomNumber:        original.RoomNumber,
			Reason:            original.Reason,
			Priority:          priority,
			DetectionMethod:   domain.DetectionOrphanRecovery,
			Department:        original.Department,
			Skills:            original.Skills,
			Status:            domain.TransferStatusPending,
			PreviousRequestID: &original.ID,
			RequestedAt:       now,
			UpdatedAt:         now,
		}
		if err := m.transfers.CreateTransfer(ctx, recovery); err != nil {
			return false, err
		}
	}
	if !recovery.ManualRequired {
		if err := m.queue.Enqueue(ctx, recovery); err != nil {
			return false, err
		}
	}

	if a.NeedsReassignment {
		return false, nil
	}
	a.NeedsReassignment = true
	a.UpdatedAt = now
	if err := m.assignments.UpdateAssignment(ctx, a, domain.AssignmentStatusActive); err != nil {
		return false, err
	}

	metrics.IncOrphansRecovered()
	logger.WarnContext(ctx, "Orphaned assignment re-queued",
		"assignment_id", a.ID, "agent_id", a.AgentID, "transfer_id", recovery.ID,
		"priority", recovery.Priority, "resumed", !created)
	m.emit(domain.EventAssignmentOrphaned, recovery, a, reasonAgentUnreachable)
	if created {
		m.emit(domain.EventTransferRequested, recovery, nil, recovery.Reason)
	}
	return true, nil
}

// openRecovery returns the pending orphan recovery request of a conversation, if any.
func (m *AssignmentManager) openRecovery(ctx context.Context, conversationID string) (*domain.TransferRequest, error) {
	open, err := m.transfers.FindOpenTransfer(ctx, conversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if open.Status != domain.TransferStatusPending || open.DetectionMethod != domain.DetectionOrphanRecovery {
		return nil, nil
	}
	return open, nil
}

func (m *AssignmentManager) activeAssignment(ctx context.Context, conversationID string) (*domain.Assignment, error) {
	list, err := m.assignments.ListAssignments(ctx, ports.AssignmentFilter{
		ConversationID: conversationID,
		Statuses:       []domain.AssignmentStatus{domain.AssignmentStatusActive},
		Limit:          1,
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (m *AssignmentManager) emit(t domain.EventType, req *domain.TransferRequest, a *domain.Assignment, message string) {
	if m.events == nil {
		return
	}
	e := domain.Event{Type: t, Message: message}
	if req != nil {
		e.PropertyID = req.PropertyID
		e.ConversationID = req.ConversationID
		e.TransferID = req.ID
		e.Priority = req.Priority
	}
	if a != nil {
		e.PropertyID = a.PropertyID
		e.ConversationID = a.ConversationID
		e.AssignmentID = a.ID
		e.AgentID = a.AgentID
	}
	m.events.Emit(e)
}

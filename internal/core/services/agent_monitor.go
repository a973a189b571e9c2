package services

import (
	"context"
	"time"

	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
	"staydesk.handoff/internal/core/metrics"
	"staydesk.handoff/internal/core/ports"
)

// AgentMonitor periodically sweeps the presence table. Agents whose heartbeat
// expired are demoted to offline and their conversations re-queued.
type AgentMonitor struct {
	presence    *PresenceTracker
	manager     *AssignmentManager
	assignments ports.AssignmentRepository
	manual      ports.ManualQueue
	interval    time.Duration
}

func NewAgentMonitor(presence *PresenceTracker, manager *AssignmentManager, assignments ports.AssignmentRepository, manual ports.ManualQueue, interval time.Duration) *AgentMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AgentMonitor{
		presence:    presence,
		manager:     manager,
		assignments: assignments,
		manual:      manual,
		interval:    interval,
	}
}

// Start begins monitoring agents
func (am *AgentMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(am.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			am.checkAgents(ctx)
		}
	}
}

// checkAgents runs one sweep and returns the number of re-queued conversations.
func (am *AgentMonitor) checkAgents(ctx context.Context) int {
	recovered := 0
	for _, agentID := range am.presence.Sweep(ctx) {
		n, err := am.manager.RecoverOrphans(ctx, agentID)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to recover conversations of unreachable agent", "agent_id", agentID, "error", err)
			continue
		}
		recovered += n
	}

	am.refreshGauges(ctx)
	return recovered
}

func (am *AgentMonitor) refreshGauges(ctx context.Context) {
	if am.assignments != nil {
		n, err := am.assignments.CountAssignments(ctx, ports.AssignmentFilter{
			Statuses: []domain.AssignmentStatus{domain.AssignmentStatusActive},
		})
		if err == nil {
			metrics.SetActiveAssignments(int(n))
		}
	}
	if am.manual != nil {
		if n, err := am.manual.Count(ctx); err == nil {
			metrics.SetManualQueueDepth(n)
		}
	}
}

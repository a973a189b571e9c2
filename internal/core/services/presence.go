package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
	"staydesk.handoff/internal/core/metrics"
	"staydesk.handoff/internal/core/ports"
)

// AgentStatus is the read model returned by the status endpoint.
type AgentStatus struct {
	Agent     domain.Agent         `json:"agent"`
	Reachable bool                 `json:"reachable"`
	Session   *domain.AgentSession `json:"session,omitempty"`
}

// PresenceTracker owns the live state and workload of every agent. One RWMutex
// guards the whole table so that ranking sees a consistent snapshot and a
// reservation re-checks eligibility in the same critical section that bumps
// the workload.
type PresenceTracker struct {
	repo   ports.AgentRepository
	scorer *Scorer
	events *EventBus
	now    func() time.Time

	mu       sync.RWMutex
	agents   map[string]*domain.Agent
	sessions map[string]*domain.AgentSession

	wakeMu sync.RWMutex
	wake   func()
}

func NewPresenceTracker(repo ports.AgentRepository, scorer *Scorer, events *EventBus) *PresenceTracker {
	return &PresenceTracker{
		repo:     repo,
		scorer:   scorer,
		events:   events,
		now:      time.Now,
		agents:   make(map[string]*domain.Agent),
		sessions: make(map[string]*domain.AgentSession),
	}
}

// OnAvailabilityChange registers the callback run after any change that can
// make a queued request assignable.
func (p *PresenceTracker) OnAvailabilityChange(fn func()) {
	p.wakeMu.Lock()
	p.wake = fn
	p.wakeMu.Unlock()
}

func (p *PresenceTracker) notify() {
	p.wakeMu.RLock()
	fn := p.wake
	p.wakeMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Load rebuilds the table from the repositories at start-up.
func (p *PresenceTracker) Load(ctx context.Context, assignments ports.AssignmentRepository) error {
	agents, err := p.repo.ListAgents(ctx, "")
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	active, err := assignments.ListAssignments(ctx, ports.AssignmentFilter{
		Statuses: []domain.AssignmentStatus{domain.AssignmentStatusActive},
	})
	if err != nil {
		return fmt.Errorf("load active assignments: %w", err)
	}

	workload := make(map[string]int)
	for _, a := range active {
		workload[a.AgentID]++
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range agents {
		agent := *a
		agent.Workload = workload[agent.ID]
		p.agents[agent.ID] = &agent
		if agent.State != domain.AgentStateOffline {
			started := agent.LastHeartbeat
			if agent.SessionStartedAt != nil {
				started = *agent.SessionStartedAt
			}
			p.sessions[agent.ID] = &domain.AgentSession{
				AgentID:             agent.ID,
				StartedAt:           started,
				LastHeartbeat:       agent.LastHeartbeat,
				ActiveConversations: agent.Workload,
			}
		}
	}
	logger.Info("Presence table loaded", "agents", len(agents), "active_assignments", len(active))
	return nil
}

// Register onboards a new agent. It starts offline until the first heartbeat.
func (p *PresenceTracker) Register(ctx context.Context, agent *domain.Agent) (*domain.Agent, error) {
	if strings.TrimSpace(agent.PropertyID) == "" {
		return nil, domain.Validationf("property_id is required")
	}
	if strings.TrimSpace(agent.Name) == "" {
		return nil, domain.Validationf("name is required")
	}
	if agent.Capacity < 1 || agent.Capacity > 50 {
		return nil, domain.Validationf("capacity must be between 1 and 50")
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}

	now := p.now()
	agent.State = domain.AgentStateOffline
	agent.Workload = 0
	agent.CreatedAt = now
	agent.UpdatedAt = now

	p.mu.Lock()
	if _, exists := p.agents[agent.ID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: agent %s already registered", domain.ErrConflict, agent.ID)
	}
	stored := *agent
	p.agents[agent.ID] = &stored
	p.mu.Unlock()

	if err := p.repo.CreateAgent(ctx, agent); err != nil {
		p.mu.Lock()
		delete(p.agents, agent.ID)
		p.mu.Unlock()
		return nil, err
	}
	out := stored
	return &out, nil
}

// RecordHeartbeat refreshes liveness. A heartbeat from an offline agent starts a new session as available.
func (p *PresenceTracker) RecordHeartbeat(ctx context.Context, agentID string) (domain.AgentSession, error) {
	if err := p.ensureLoaded(ctx, agentID); err != nil {
		return domain.AgentSession{}, err
	}

	now := p.now()
	p.mu.Lock()
	agent := p.agents[agentID]
	wasReachable := agent.State.Accepting() && p.scorer.Reachable(agent, now)
	started := false

	session := p.sessions[agentID]
	if agent.State == domain.AgentStateOffline || session == nil {
		agent.State = domain.AgentStateAvailable
		agent.SessionStartedAt = &now
		session = &domain.AgentSession{AgentID: agentID, StartedAt: now}
		p.sessions[agentID] = session
		started = true
	}
	agent.LastHeartbeat = now
	agent.UpdatedAt = now
	session.LastHeartbeat = now
	session.Heartbeats++
	session.ActiveConversations = agent.Workload

	snapshot := *agent
	out := *session
	p.mu.Unlock()

	if started {
		if err := p.repo.UpdatePresence(ctx, &snapshot); err != nil {
			logger.WarnContext(ctx, "Failed to persist session start", "agent_id", agentID, "error", err)
		}
		p.emitState(snapshot, "session started")
	} else if err := p.repo.UpdateHeartbeat(ctx, agentID, now); err != nil {
		logger.WarnContext(ctx, "Failed to persist heartbeat", "agent_id", agentID, "error", err)
	}

	if !wasReachable && snapshot.State.Accepting() {
		p.notify()
	}
	return out, nil
}

// SetState changes the agent's presence. It never closes active assignments.
func (p *PresenceTracker) SetState(ctx context.Context, agentID string, state domain.AgentState, message string) (domain.Agent, error) {
	if len(message) > 280 {
		return domain.Agent{}, domain.Validationf("status message exceeds 280 characters")
	}
	if err := p.ensureLoaded(ctx, agentID); err != nil {
		return domain.Agent{}, err
	}

	now := p.now()
	p.mu.Lock()
	agent := p.agents[agentID]
	previous := agent.State
	agent.State = state
	agent.StatusMessage = message
	agent.UpdatedAt = now

	switch {
	case state == domain.AgentStateOffline:
		delete(p.sessions, agentID)
		agent.SessionStartedAt = nil
	case previous == domain.AgentStateOffline:
		agent.SessionStartedAt = &now
		agent.LastHeartbeat = now
		p.sessions[agentID] = &domain.AgentSession{
			AgentID:             agentID,
			StartedAt:           now,
			LastHeartbeat:       now,
			ActiveConversations: agent.Workload,
		}
	}
	snapshot := *agent
	p.mu.Unlock()

	if err := p.repo.UpdatePresence(ctx, &snapshot); err != nil {
		logger.WarnContext(ctx, "Failed to persist presence", "agent_id", agentID, "error", err)
	}
	if previous != state {
		logger.InfoContext(ctx, "Agent state changed", "agent_id", agentID, "from", previous, "to", state)
		p.emitState(snapshot, message)
	}
	p.notify()
	return snapshot, nil
}

// CurrentLoad returns the live workload view of one agent.
func (p *PresenceTracker) CurrentLoad(agentID string) (domain.Workload, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	agent, ok := p.agents[agentID]
	if !ok {
		return domain.Workload{}, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return workloadOf(agent), nil
}

func workloadOf(a *domain.Agent) domain.Workload {
	w := domain.Workload{AgentID: a.ID, Active: a.Workload, Capacity: a.Capacity}
	if free := a.Capacity - a.Workload; free > 0 {
		w.Free = free
	}
	if a.Capacity > 0 {
		w.Ratio = float64(a.Workload) / float64(a.Capacity)
	}
	return w
}

// Snapshot returns a copy of the agent and its session.
func (p *PresenceTracker) Snapshot(agentID string) (AgentStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	agent, ok := p.agents[agentID]
	if !ok {
		return AgentStatus{}, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	status := AgentStatus{Agent: *agent, Reachable: p.scorer.Reachable(agent, p.now())}
	if s, ok := p.sessions[agentID]; ok {
		session := *s
		status.Session = &session
	}
	return status, nil
}

// List returns copies of the agents of one property, or all agents when propertyID is empty.
func (p *PresenceTracker) List(propertyID string) []domain.Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collect(propertyID)
}

func (p *PresenceTracker) collect(propertyID string) []domain.Agent {
	out := make([]domain.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		if propertyID == "" || a.PropertyID == propertyID {
			out = append(out, *a)
		}
	}
	return out
}

// Rank scores the property's agents against req on a read snapshot.
func (p *PresenceTracker) Rank(req *domain.TransferRequest) []RankedAgent {
	p.mu.RLock()
	candidates := p.collect(req.PropertyID)
	p.mu.RUnlock()
	return p.scorer.Rank(candidates, req, p.now())
}

// ReserveBest picks the top-ranked agent not in exclude and takes one of its
// slots. Returns ErrCapacityExhausted when nobody qualifies.
func (p *PresenceTracker) ReserveBest(req *domain.TransferRequest, exclude ...string) (RankedAgent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, candidate := range p.scorer.Rank(p.collect(req.PropertyID), req, now) {
		if contains(exclude, candidate.Agent.ID) {
			continue
		}
		p.take(candidate.Agent.ID, now)
		candidate.Agent = *p.agents[candidate.Agent.ID]
		return candidate, nil
	}
	return RankedAgent{}, fmt.Errorf("%w: no eligible agent for conversation %s", domain.ErrCapacityExhausted, req.ConversationID)
}

// Reserve takes a slot on a specific agent. The department filter is skipped
// because the caller chose the agent explicitly.
func (p *PresenceTracker) Reserve(agentID string, req *domain.TransferRequest) (domain.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	agent, ok := p.agents[agentID]
	if !ok || agent.PropertyID != req.PropertyID {
		return domain.Agent{}, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	if !agent.State.Accepting() || !p.scorer.Reachable(agent, now) {
		return domain.Agent{}, fmt.Errorf("%w: agent %s is not accepting conversations (%s)", domain.ErrConflict, agentID, agent.State)
	}
	if agent.Workload >= agent.Capacity {
		return domain.Agent{}, fmt.Errorf("%w: agent %s is at capacity %d", domain.ErrCapacityExhausted, agentID, agent.Capacity)
	}
	p.take(agentID, now)
	return *agent, nil
}

func (p *PresenceTracker) take(agentID string, now time.Time) {
	agent := p.agents[agentID]
	agent.Workload++
	agent.LastAssignedAt = &now
	if s, ok := p.sessions[agentID]; ok {
		s.ActiveConversations = agent.Workload
	}
}

// RecordAssigned persists the last assignment time set by a reservation.
func (p *PresenceTracker) RecordAssigned(ctx context.Context, agentID string, at time.Time) {
	if err := p.repo.TouchLastAssigned(ctx, agentID, at); err != nil {
		logger.WarnContext(ctx, "Failed to persist last assignment time", "agent_id", agentID, "error", err)
	}
}

// Release gives back one slot and wakes the dispatcher.
func (p *PresenceTracker) Release(agentID string) {
	p.mu.Lock()
	if agent, ok := p.agents[agentID]; ok && agent.Workload > 0 {
		agent.Workload--
		if s, ok := p.sessions[agentID]; ok {
			s.ActiveConversations = agent.Workload
		}
	}
	p.mu.Unlock()
	p.notify()
}

// Sweep demotes agents whose heartbeat expired and returns every unreachable
// agent that still holds conversations, newly demoted or not.
func (p *PresenceTracker) Sweep(ctx context.Context) []string {
	now := p.now()
	var (
		orphaned []string
		demoted  []domain.Agent
		online   int
	)

	p.mu.Lock()
	for id, agent := range p.agents {
		if p.scorer.Reachable(agent, now) && agent.State != domain.AgentStateOffline {
			online++
			continue
		}
		if agent.State != domain.AgentStateOffline {
			agent.State = domain.AgentStateOffline
			agent.StatusMessage = "heartbeat expired"
			agent.SessionStartedAt = nil
			agent.UpdatedAt = now
			delete(p.sessions, id)
			demoted = append(demoted, *agent)
		}
		if agent.Workload > 0 {
			orphaned = append(orphaned, id)
		}
	}
	p.mu.Unlock()

	metrics.SetReachableAgents(online)
	for i := range demoted {
		a := demoted[i]
		logger.WarnContext(ctx, "Agent heartbeat expired", "agent_id", a.ID, "last_heartbeat", a.LastHeartbeat)
		if err := p.repo.UpdatePresence(ctx, &a); err != nil {
			logger.WarnContext(ctx, "Failed to persist demotion", "agent_id", a.ID, "error", err)
		}
		p.emitState(a, a.StatusMessage)
	}
	return orphaned
}

// ReachableCount is the number of agents currently inside the heartbeat window.
func (p *PresenceTracker) ReachableCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := p.now()
	n := 0
	for _, a := range p.agents {
		if a.State != domain.AgentStateOffline && p.scorer.Reachable(a, now) {
			n++
		}
	}
	return n
}

func (p *PresenceTracker) ensureLoaded(ctx context.Context, agentID string) error {
	p.mu.RLock()
	_, ok := p.agents[agentID]
	p.mu.RUnlock()
	if ok {
		return nil
	}

	agent, err := p.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if _, ok := p.agents[agentID]; !ok {
		p.agents[agentID] = agent
	}
	p.mu.Unlock()
	return nil
}

func (p *PresenceTracker) emitState(a domain.Agent, message string) {
	if p.events == nil {
		return
	}
	text := string(a.State)
	if message != "" {
		text += ": " + message
	}
	p.events.Emit(domain.Event{
		Type:       domain.EventAgentStateChanged,
		PropertyID: a.PropertyID,
		AgentID:    a.ID,
		Message:    text,
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

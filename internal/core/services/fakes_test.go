package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/ports"
)

// memStore is an in-memory stand-in for the gorm repository. Every read
// returns a copy and every update is compare-and-swap on status, like the real one.
type memStore struct {
	mu          sync.Mutex
	agents      map[string]*domain.Agent
	transfers   map[string]*domain.TransferRequest
	assignments map[string]*domain.Assignment
	history     []domain.AssignmentTransfer
	sla         map[string]*domain.SLARecord
}

func newMemStore() *memStore {
	return &memStore{
		agents:      make(map[string]*domain.Agent),
		transfers:   make(map[string]*domain.TransferRequest),
		assignments: make(map[string]*domain.Assignment),
		sla:         make(map[string]*domain.SLARecord),
	}
}

func (s *memStore) CreateAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.agents[a.ID] = &c
	return nil
}

func (s *memStore) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	c := *a
	return &c, nil
}

func (s *memStore) ListAgents(_ context.Context, propertyID string) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Agent
	for _, a := range s.agents {
		if propertyID == "" || a.PropertyID == propertyID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) UpdatePresence(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.agents[a.ID] = &c
	return nil
}

func (s *memStore) UpdateHeartbeat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		a.LastHeartbeat = at
	}
	return nil
}

func (s *memStore) TouchLastAssigned(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		a.LastAssignedAt = &at
	}
	return nil
}

func (s *memStore) CreateTransfer(_ context.Context, req *domain.TransferRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[req.ID] = req.Clone()
	return nil
}

func (s *memStore) GetTransfer(_ context.Context, id string) (*domain.TransferRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("transfer %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *memStore) FindOpenTransfer(_ context.Context, conversationID string) (*domain.TransferRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.transfers {
		if r.ConversationID == conversationID && !r.Status.Terminal() {
			return r.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) UpdateTransfer(_ context.Context, req *domain.TransferRequest, expected domain.TransferStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.transfers[req.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != expected {
		return domain.ErrConflict
	}
	c := req.Clone()
	c.Handoff = cur.Handoff
	s.transfers[req.ID] = c
	return nil
}

func (s *memStore) AttachHandoff(_ context.Context, id string, hc *domain.HandoffContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.transfers[id]; ok && r.Handoff == nil {
		r.Handoff = hc
	}
	return nil
}

func (s *memStore) ListTransfers(_ context.Context, f ports.TransferFilter) ([]*domain.TransferRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TransferRequest
	for _, r := range s.transfers {
		if f.PropertyID != "" && r.PropertyID != f.PropertyID {
			continue
		}
		if f.ConversationID != "" && r.ConversationID != f.ConversationID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, r.Status) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func hasStatus[T comparable](list []T, v T) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (s *memStore) CreateAssignment(_ context.Context, a *domain.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[a.ID] = a.Clone()
	return nil
}

func (s *memStore) GetAssignment(_ context.Context, id string) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", id, domain.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *memStore) UpdateAssignment(_ context.Context, a *domain.Assignment, expected domain.AssignmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.assignments[a.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != expected {
		return domain.ErrConflict
	}
	s.assignments[a.ID] = a.Clone()
	return nil
}

func (s *memStore) TransferAssignment(_ context.Context, from, to *domain.Assignment, rec *domain.AssignmentTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.assignments[from.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != domain.AssignmentStatusActive {
		return domain.ErrConflict
	}
	s.assignments[from.ID] = from.Clone()
	s.assignments[to.ID] = to.Clone()
	s.history = append(s.history, *rec)
	return nil
}

func (s *memStore) ListAssignments(_ context.Context, f ports.AssignmentFilter) ([]*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Assignment
	for _, a := range s.assignments {
		if f.PropertyID != "" && a.PropertyID != f.PropertyID {
			continue
		}
		if f.AgentID != "" && a.AgentID != f.AgentID {
			continue
		}
		if f.ConversationID != "" && a.ConversationID != f.ConversationID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, a.Status) {
			continue
		}
		if !f.EndedFrom.IsZero() && (a.ReleasedAt == nil || a.ReleasedAt.Before(f.EndedFrom)) {
			continue
		}
		if !f.EndedTo.IsZero() && (a.ReleasedAt == nil || !a.ReleasedAt.Before(f.EndedTo)) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) CountAssignments(ctx context.Context, f ports.AssignmentFilter) (int64, error) {
	list, err := s.ListAssignments(ctx, f)
	return int64(len(list)), err
}

func (s *memStore) ListTransferHistory(_ context.Context, conversationID string) ([]domain.AssignmentTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AssignmentTransfer
	for _, h := range s.history {
		if h.ConversationID == conversationID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *memStore) RecordSLA(_ context.Context, rec *domain.SLARecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sla[rec.TransferRequestID]; ok {
		return false, nil
	}
	c := *rec
	s.sla[rec.TransferRequestID] = &c
	return true, nil
}

func (s *memStore) ListSLA(_ context.Context, f ports.SLAFilter) ([]*domain.SLARecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.SLARecord
	for _, r := range s.sla {
		if f.PropertyID != "" && r.PropertyID != f.PropertyID {
			continue
		}
		if f.AgentID != "" && r.AgentID != f.AgentID {
			continue
		}
		if !f.From.IsZero() && r.EndedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !r.EndedAt.Before(f.To) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (s *memStore) activeFor(conversationID string) []*domain.Assignment {
	list, _ := s.ListAssignments(context.Background(), ports.AssignmentFilter{
		ConversationID: conversationID,
		Statuses:       []domain.AssignmentStatus{domain.AssignmentStatusActive},
	})
	return list
}

type fakeConversations struct {
	messages []domain.ConversationMessage
	issues   []domain.ConversationIssue
	err      error
	delay    time.Duration
}

func (f *fakeConversations) RecentMessages(ctx context.Context, _ string, limit int) ([]domain.ConversationMessage, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	msgs := f.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeConversations) UnresolvedIssues(context.Context, string) ([]domain.ConversationIssue, error) {
	return f.issues, f.err
}

type fakeGuests map[string]*domain.GuestProfile

func (f fakeGuests) Guest(_ context.Context, id string) (*domain.GuestProfile, error) {
	g, ok := f[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return g, nil
}

// clock is a settable time source shared by the components under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func allSLA() ports.SLAFilter { return ports.SLAFilter{} }

func portsActiveFor(agentID string) ports.AssignmentFilter {
	return ports.AssignmentFilter{AgentID: agentID, Statuses: []domain.AssignmentStatus{domain.AssignmentStatusActive}}
}

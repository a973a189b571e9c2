package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/ports"
)

type AssignmentPage struct {
	Assignments []*domain.Assignment        `json:"assignments"`
	Transfers   []domain.AssignmentTransfer `json:"transfer_history,omitempty"`
	Total       int64                       `json:"total"`
	Offset      int                         `json:"offset"`
	Limit       int                         `json:"limit"`
}

func (s *Server) handleActiveAssignments(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	filter := ports.AssignmentFilter{
		PropertyID: actorOf(r).PropertyID,
		AgentID:    strings.TrimSpace(r.URL.Query().Get("agent_id")),
		Statuses:   []domain.AssignmentStatus{domain.AssignmentStatusActive},
		Offset:     offset,
		Limit:      limit,
	}
	s.listAssignments(w, r, filter, false)
}

// handleAssignmentHistory lists finished assignments. from and to (RFC 3339)
// bound the assignment time; conversation_id also returns the move audit.
func (s *Server) handleAssignmentHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit := pageParams(r)
	filter := ports.AssignmentFilter{
		PropertyID:     actorOf(r).PropertyID,
		AgentID:        strings.TrimSpace(q.Get("agent_id")),
		ConversationID: strings.TrimSpace(q.Get("conversation_id")),
		Statuses: []domain.AssignmentStatus{
			domain.AssignmentStatusCompleted,
			domain.AssignmentStatusTransferred,
			domain.AssignmentStatusReleased,
		},
		Offset: offset,
		Limit:  limit,
	}
	var err error
	if filter.Since, err = parseTime(q.Get("from")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if filter.Until, err = parseTime(q.Get("to")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.listAssignments(w, r, filter, filter.ConversationID != "")
}

func (s *Server) listAssignments(w http.ResponseWriter, r *http.Request, filter ports.AssignmentFilter, withAudit bool) {
	items, err := s.assignments.ListAssignments(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	count := filter
	count.Offset, count.Limit = 0, 0
	total, err := s.assignments.CountAssignments(r.Context(), count)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	page := AssignmentPage{
		Assignments: append([]*domain.Assignment{}, items...),
		Total:       total,
		Offset:      filter.Offset,
		Limit:       filter.Limit,
	}
	if withAudit {
		if page.Transfers, err = s.assignments.ListTransferHistory(r.Context(), filter.ConversationID); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, page)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, domain.Validationf("invalid time %q, want RFC 3339", v)
	}
	return t, nil
}

func (s *Server) handleAssignmentStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sla.AssignmentStatistics(r.Context(), actorOf(r).PropertyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAgentPerformance(w http.ResponseWriter, r *http.Request) {
	propertyID := actorOf(r).PropertyID
	names := make(map[string]string)
	for _, a := range s.presence.List(propertyID) {
		names[a.ID] = a.Name
	}
	perf, err := s.sla.AgentPerformance(r.Context(), propertyID, names)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

type TransferAssignmentRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (s *Server) handleTransferAssignment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body TransferAssignmentRequest
	if err := readJSON(w, r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if _, err := s.scopedAssignment(r, id); err != nil {
		writeDomainError(w, r, err)
		return
	}

	a, err := s.manager.Transfer(r.Context(), id, strings.TrimSpace(body.AgentID), strings.TrimSpace(body.Reason))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCompleteAssignment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body NotesRequest
	if err := readJSON(w, r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if _, err := s.scopedAssignment(r, id); err != nil {
		writeDomainError(w, r, err)
		return
	}

	a, err := s.manager.Complete(r.Context(), id, strings.TrimSpace(body.Notes))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReleaseAssignment(w http.ResponseWriter, r *http.Request) {
	var body ReasonRequest
	if err := readJSON(w, r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.release(w, r, chi.URLParam(r, "id"), body.Reason)
}

type BulkAssignRequest struct {
	TransferIDs []string `json:"transfer_ids"`
}

type BulkAssignResult struct {
	TransferID   string `json:"transfer_id"`
	AssignmentID string `json:"assignment_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

type BulkAssignResponse struct {
	Results  []BulkAssignResult `json:"results"`
	Assigned int                `json:"assigned"`
	Failed   int                `json:"failed"`
}

// handleBulkAutoAssign auto-assigns the listed requests, or every queued
// request of the property when none are listed. Each request succeeds or fails
// on its own.
func (s *Server) handleBulkAutoAssign(w http.ResponseWriter, r *http.Request) {
	var body BulkAssignRequest
	if err := readJSON(w, r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	propertyID := actorOf(r).PropertyID

	ids := body.TransferIDs
	if len(ids) == 0 {
		queued, err := s.queue.PeekOrdered(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		for _, req := range queued {
			if req.PropertyID == propertyID {
				ids = append(ids, req.ID)
			}
		}
	}

	resp := BulkAssignResponse{Results: make([]BulkAssignResult, 0, len(ids))}
	for _, id := range ids {
		result := BulkAssignResult{TransferID: id}
		a, err := s.bulkAssignOne(r, id)
		if err != nil {
			result.Error = err.Error()
			resp.Failed++
		} else {
			result.AssignmentID = a.ID
			result.AgentID = a.AgentID
			resp.Assigned++
		}
		resp.Results = append(resp.Results, result)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) bulkAssignOne(r *http.Request, id string) (*domain.Assignment, error) {
	if _, err := s.scopedTransfer(r, id); err != nil {
		return nil, err
	}
	return s.manager.AutoAssign(r.Context(), id)
}

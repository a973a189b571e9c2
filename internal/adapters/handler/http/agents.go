package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
	"staydesk.handoff/internal/core/ports"
)

type RegisterAgentRequest struct {
	ID         string   `json:"id"`
	PropertyID string   `json:"property_id"`
	Name       string   `json:"name"`
	Email      string   `json:"email"`
	Department string   `json:"department"`
	Skills     []string `json:"skills"`
	Capacity   int      `json:"capacity"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := readJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	propertyID, err := bodyProperty(r, req.PropertyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	agent, err := s.presence.Register(r.Context(), &domain.Agent{
		ID:         strings.TrimSpace(req.ID),
		PropertyID: propertyID,
		Name:       strings.TrimSpace(req.Name),
		Email:      strings.TrimSpace(req.Email),
		Department: strings.TrimSpace(req.Department),
		Skills:     req.Skills,
		Capacity:   req.Capacity,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// handleListAgents returns the property's agents ranked for a hypothetical
// request built from the query. all=true lists every agent unranked instead.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	propertyID := actorOf(r).PropertyID

	if q.Get("all") == "true" {
		writeJSON(w, http.StatusOK, s.presence.List(propertyID))
		return
	}

	priority, err := domain.ParsePriority(q.Get("priority"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	probe := &domain.TransferRequest{
		PropertyID: propertyID,
		Department: strings.TrimSpace(q.Get("department")),
		Priority:   priority,
	}
	if skills := q.Get("skills"); skills != "" {
		for _, sk := range strings.Split(skills, ",") {
			if sk = strings.TrimSpace(sk); sk != "" {
				probe.Skills = append(probe.Skills, sk)
			}
		}
	}
	writeJSON(w, http.StatusOK, s.presence.Rank(probe))
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.scopedAgent(r, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type SetStatusRequest struct {
	State   string `json:"state"`
	Message string `json:"message"`
}

func (s *Server) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.scopedAgent(r, id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req SetStatusRequest
	if err := readJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	state, err := domain.ParseAgentState(req.State)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	agent, err := s.presence.SetState(r.Context(), id, state, strings.TrimSpace(req.Message))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentWorkload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.scopedAgent(r, id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	load, err := s.presence.CurrentLoad(id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

// AssignmentView is one conversation held by an agent, with the request state
// encoded as a status-tagged variant.
type AssignmentView struct {
	AssignmentID   string          `json:"assignment_id"`
	TransferID     string          `json:"transfer_id"`
	ConversationID string          `json:"conversation_id"`
	State          json.RawMessage `json:"state"`
}

type HeartbeatResponse struct {
	Session     domain.AgentSession `json:"session"`
	Assignments []AssignmentView    `json:"assignments"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.scopedAgent(r, id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	session, err := s.presence.RecordHeartbeat(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := HeartbeatResponse{Session: session, Assignments: []AssignmentView{}}
	active, err := s.assignments.ListAssignments(r.Context(), ports.AssignmentFilter{
		AgentID:  id,
		Statuses: []domain.AssignmentStatus{domain.AssignmentStatusActive},
	})
	if err != nil {
		logger.WarnContext(r.Context(), "Failed to list assignments for heartbeat", "agent_id", id, "error", err)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	for _, a := range active {
		req, err := s.transfers.GetTransfer(r.Context(), a.TransferRequestID)
		if err != nil {
			continue
		}
		state, err := domain.EncodeTransferState(req.State())
		if err != nil {
			continue
		}
		resp.Assignments = append(resp.Assignments, AssignmentView{
			AssignmentID:   a.ID,
			TransferID:     req.ID,
			ConversationID: a.ConversationID,
			State:          state,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type AssignRequest struct {
	TransferID string `json:"transfer_id"`
}

func (s *Server) handleAgentAssign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req AssignRequest
	if err := readJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if strings.TrimSpace(req.TransferID) == "" {
		writeDomainError(w, r, domain.Validationf("transfer_id is required"))
		return
	}
	if _, err := s.scopedTransfer(r, req.TransferID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	a, err := s.manager.Assign(r.Context(), req.TransferID, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type ReleaseRequest struct {
	AssignmentID string `json:"assignment_id"`
	Reason       string `json:"reason"`
}

func (s *Server) handleAgentRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := readJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if strings.TrimSpace(req.AssignmentID) == "" {
		writeDomainError(w, r, domain.Validationf("assignment_id is required"))
		return
	}
	s.release(w, r, req.AssignmentID, req.Reason)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request, assignmentID, reason string) {
	if _, err := s.scopedAssignment(r, assignmentID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	a, err := s.manager.Release(r.Context(), assignmentID, strings.TrimSpace(reason))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// bodyProperty reconciles the property named in a body with the caller's.
func bodyProperty(r *http.Request, fromBody string) (string, error) {
	fromBody = strings.TrimSpace(fromBody)
	caller := actorOf(r).PropertyID
	switch {
	case fromBody == "":
		return caller, nil
	case caller != "" && caller != fromBody:
		return "", domain.Validationf("property_id %q does not match caller property %q", fromBody, caller)
	}
	return fromBody, nil
}

package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
)

// CreateTransferRequest is what the upstream classifier posts when a
// conversation needs a human.
type CreateTransferRequest struct {
	PropertyID      string                  `json:"property_id"`
	ConversationID  string                  `json:"conversation_id"`
	GuestID         string                  `json:"guest_id"`
	GuestName       string                  `json:"guest_name"`
	RoomNumber      string                  `json:"room_number"`
	Reason          string                  `json:"reason"`
	Priority        domain.TransferPriority `json:"priority"`
	DetectionMethod string                  `json:"detection_method"`
	Department      string                  `json:"department"`
	Skills          []string                `json:"skills"`
}

func (c *CreateTransferRequest) toDomain(r *http.Request) (*domain.TransferRequest, error) {
	propertyID, err := bodyProperty(r, c.PropertyID)
	if err != nil {
		return nil, err
	}
	return &domain.TransferRequest{
		PropertyID:      propertyID,
		ConversationID:  strings.TrimSpace(c.ConversationID),
		GuestID:         strings.TrimSpace(c.GuestID),
		GuestName:       strings.TrimSpace(c.GuestName),
		RoomNumber:      strings.TrimSpace(c.RoomNumber),
		Reason:          strings.TrimSpace(c.Reason),
		Priority:        c.Priority,
		DetectionMethod: domain.DetectionMethod(c.DetectionMethod),
		Department:      strings.TrimSpace(c.Department),
		Skills:          c.Skills,
	}, nil
}

func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var body CreateTransferRequest
	if err := readJSON(w, r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	req, err := body.toDomain(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	created, err := s.manager.RequestTransfer(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type CreateManualRequest struct {
	CreateTransferRequest
	AgentID string `json:"agent_id"`
}

type CreateManualResponse struct {
	Transfer    *domain.TransferRequest `json:"transfer"`
	Assignment  *domain.Assignment      `json:"assignment,omitempty"`
	AssignError string                  `json:"assign_error,omitempty"`
}

// handleCreateManual is a supervisor opening a hand-off by hand, optionally
// straight to a chosen agent.
func (s *Server) handleCreateManual(w http.ResponseWriter, r *http.Request) {
	var body CreateManualRequest
	if err := readJSON(w, r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	body.DetectionMethod = string(domain.DetectionManual)
	req, err := body.toDomain(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	created, err := s.manager.RequestTransfer(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp := CreateManualResponse{Transfer: created}

	if agentID := strings.TrimSpace(body.AgentID); agentID != "" {
		a, err := s.manager.Assign(r.Context(), created.ID, agentID)
		if err != nil {
			// The dispatcher may have placed it first; the request itself stands.
			logger.WarnContext(r.Context(), "Manual transfer created but not assigned", "transfer_id", created.ID, "agent_id", agentID, "error", err)
			resp.AssignError = err.Error()
		} else {
			resp.Assignment = a
		}
		if fresh, err := s.transfers.GetTransfer(r.Context(), created.ID); err == nil {
			resp.Transfer = fresh
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

type QueueEntry struct {
	*domain.TransferRequest
	Position       int     `json:"position"`
	WaitingSeconds float64 `json:"waiting_seconds"`
}

type QueueResponse struct {
	Pending []QueueEntry              `json:"pending"`
	Manual  []*domain.TransferRequest `json:"manual"`
	Total   int                       `json:"total"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	propertyID := actorOf(r).PropertyID
	ordered, err := s.queue.PeekOrdered(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	now := time.Now()
	resp := QueueResponse{Pending: []QueueEntry{}, Manual: []*domain.TransferRequest{}}
	for _, req := range ordered {
		if req.PropertyID != propertyID {
			continue
		}
		resp.Pending = append(resp.Pending, QueueEntry{
			TransferRequest: req,
			Position:        len(resp.Pending) + 1,
			WaitingSeconds:  req.Waiting(now).Seconds(),
		})
	}

	if s.manual != nil {
		offset, limit := pageParams(r)
		manual, err := s.manual.List(r.Context(), propertyID, offset, limit)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		resp.Manual = append(resp.Manual, manual...)
	}
	resp.Total = len(resp.Pending) + len(resp.Manual)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransferStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sla.TransferStatistics(r.Context(), actorOf(r).PropertyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type TransferDetails struct {
	Transfer   *domain.TransferRequest     `json:"transfer"`
	State      json.RawMessage             `json:"state"`
	Assignment *domain.Assignment          `json:"assignment,omitempty"`
	History    []domain.AssignmentTransfer `json:"transfer_history"`
}

func (s *Server) handleTransferDetails(w http.ResponseWriter, r *http.Request) {
	req, err := s.scopedTransfer(r, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	state, err := domain.EncodeTransferState(req.State())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	details := TransferDetails{Transfer: req, State: state, History: []domain.AssignmentTransfer{}}

	if req.AssignmentID != nil {
		a, err := s.assignments.GetAssignment(r.Context(), *req.AssignmentID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			writeDomainError(w, r, err)
			return
		}
		details.Assignment = a
	}
	history, err := s.assignments.ListTransferHistory(r.Context(), req.ConversationID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	details.History = append(details.History, history...)
	writeJSON(w, http.StatusOK, details)
}

type AgentActionRequest struct {
	AgentID string `json:"agent_id"`
}

// handleAccept takes the acting agent from the body or, failing that, the X-Agent-ID header.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body AgentActionRequest
	if err := readJSON(w, r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	agentID := strings.TrimSpace(body.AgentID)
	if agentID == "" {
		agentID = actorOf(r).AgentID
	}
	if _, err := s.scopedTransfer(r, id); err != nil {
		writeDomainError(w, r, err)
		return
	}

	a, err := s.manager.Accept(r.Context(), id, agentID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleAssignAgent places the request on the named agent, or on the best
// ranked one when no agent is named.
func (s *Server) handleAssignAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body AgentActionRequest
	if err := readJSON(w, r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if _, err := s.scopedTransfer(r, id); err != nil {
		writeDomainError(w, r, err)
		return
	}

	var (
		a   *domain.Assignment
		err error
	)
	if agentID := strings.TrimSpace(body.AgentID); agentID != "" {
		a, err = s.manager.Assign(r.Context(), id, agentID)
	} else {
		a, err = s.manager.AutoAssign(r.Context(), id)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type NotesRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleCompleteTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body NotesRequest
	if err := readJSON(w, r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if _, err := s.scopedTransfer(r, id); err != nil {
		writeDomainError(w, r, err)
		return
	}

	a, err := s.manager.CompleteRequest(r.Context(), id, strings.TrimSpace(body.Notes))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body ReasonRequest
	if err := readJSON(w, r, &body); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if _, err := s.scopedTransfer(r, id); err != nil {
		writeDomainError(w, r, err)
		return
	}

	req, err := s.manager.Cancel(r.Context(), id, strings.TrimSpace(body.Reason))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleProcessAllPending runs one dispatch pass now, ignoring backoff delays.
func (s *Server) handleProcessAllPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.DrainNow(r.Context()))
}

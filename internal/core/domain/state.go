package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransferState is the status-tagged view of a transfer request. Each variant only
// carries the fields meaningful for its status; clients decode it once with
// DecodeTransferState and switch on the concrete type.
type TransferState interface {
	Status() TransferStatus
	sealed()
}

type PendingState struct {
	Priority       TransferPriority `json:"priority"`
	RequestedAt    time.Time        `json:"requested_at"`
	Attempts       int              `json:"attempts"`
	ManualRequired bool             `json:"manual_required"`
}

type InProgressState struct {
	AgentID      string     `json:"agent_id"`
	AssignmentID string     `json:"assignment_id"`
	AssignedAt   time.Time  `json:"assigned_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
}

type CompletedState struct {
	AgentID      string    `json:"agent_id"`
	AssignmentID string    `json:"assignment_id"`
	CompletedAt  time.Time `json:"completed_at"`
}

type CancelledState struct {
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

func (PendingState) Status() TransferStatus    { return TransferStatusPending }
func (InProgressState) Status() TransferStatus { return TransferStatusInProgress }
func (CompletedState) Status() TransferStatus  { return TransferStatusCompleted }
func (CancelledState) Status() TransferStatus  { return TransferStatusCancelled }

func (PendingState) sealed()    {}
func (InProgressState) sealed() {}
func (CompletedState) sealed()  {}
func (CancelledState) sealed()  {}

// State projects the request onto its status variant.
func (r *TransferRequest) State() TransferState {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	derefTime := func(t *time.Time) time.Time {
		if t == nil {
			return time.Time{}
		}
		return *t
	}

	switch r.Status {
	case TransferStatusInProgress:
		return InProgressState{
			AgentID:      deref(r.AssignedAgentID),
			AssignmentID: deref(r.AssignmentID),
			AssignedAt:   derefTime(r.AssignedAt),
			AcceptedAt:   r.AcceptedAt,
		}
	case TransferStatusCompleted:
		return CompletedState{
			AgentID:      deref(r.AssignedAgentID),
			AssignmentID: deref(r.AssignmentID),
			CompletedAt:  derefTime(r.CompletedAt),
		}
	case TransferStatusCancelled:
		return CancelledState{Reason: r.CancelReason, CancelledAt: derefTime(r.CancelledAt)}
	default:
		return PendingState{
			Priority:       r.Priority,
			RequestedAt:    r.RequestedAt,
			Attempts:       r.Attempts,
			ManualRequired: r.ManualRequired,
		}
	}
}

// EncodeTransferState writes the variant with a "status" tag next to its fields.
func EncodeTransferState(s TransferState) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(s.Status())
	fields["status"] = tag
	return json.Marshal(fields)
}

// DecodeTransferState is the single place a wire payload becomes a typed state.
func DecodeTransferState(data []byte) (TransferState, error) {
	var head struct {
		Status TransferStatus `json:"status"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode transfer state: %w", err)
	}

	var (
		state TransferState
		err   error
	)
	switch head.Status {
	case TransferStatusPending:
		var v PendingState
		err = json.Unmarshal(data, &v)
		state = v
	case TransferStatusInProgress:
		var v InProgressState
		err = json.Unmarshal(data, &v)
		state = v
	case TransferStatusCompleted:
		var v CompletedState
		err = json.Unmarshal(data, &v)
		state = v
	case TransferStatusCancelled:
		var v CancelledState
		err = json.Unmarshal(data, &v)
		state = v
	default:
		return nil, Validationf("unknown transfer status %q", head.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s state: %w", head.Status, err)
	}
	return state, nil
}

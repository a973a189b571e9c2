package domain

import "time"

type AssignmentStatus string

const (
	AssignmentStatusActive      AssignmentStatus = "active"
	AssignmentStatusCompleted   AssignmentStatus = "completed"
	AssignmentStatusTransferred AssignmentStatus = "transferred"
	AssignmentStatusReleased    AssignmentStatus = "released"
)

func (s AssignmentStatus) Terminal() bool {
	return s != AssignmentStatusActive
}

// Assignment is the live binding of one conversation to one agent.
type Assignment struct {
	ID                   string           `json:"id" gorm:"primaryKey"`
	PropertyID           string           `json:"property_id" gorm:"index"`
	ConversationID       string           `json:"conversation_id" gorm:"index"`
	TransferRequestID    string           `json:"transfer_request_id" gorm:"index"`
	AgentID              string           `json:"agent_id" gorm:"index"`
	Status               AssignmentStatus `json:"status" gorm:"index"`
	AssignedAt           time.Time        `json:"assigned_at"`
	AcceptedAt           *time.Time       `json:"accepted_at,omitempty"`
	ReleasedAt           *time.Time       `json:"released_at,omitempty"`
	ResponseTimeMs       *int64           `json:"response_time_ms,omitempty"`
	MessageCount         int              `json:"message_count"`
	Notes                string           `json:"notes,omitempty"`
	EndReason            string           `json:"end_reason,omitempty"`
	NeedsReassignment    bool             `json:"needs_reassignment"`
	PreviousAssignmentID *string          `json:"previous_assignment_id,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`

	History []AssignmentTransfer `json:"transfer_history,omitempty" gorm:"-"`
}

func (Assignment) TableName() string {
	return "assignments"
}

func (a *Assignment) Clone() *Assignment {
	if a == nil {
		return nil
	}
	c := *a
	if a.History != nil {
		c.History = append([]AssignmentTransfer(nil), a.History...)
	}
	return &c
}

// HandleTime is assign→end, or assign→now while still active.
func (a *Assignment) HandleTime(now time.Time) time.Duration {
	end := now
	if a.ReleasedAt != nil {
		end = *a.ReleasedAt
	}
	return end.Sub(a.AssignedAt)
}

// AssignmentTransfer is the append-only audit record of an agent-to-agent move.
type AssignmentTransfer struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	PropertyID       string    `json:"property_id" gorm:"index"`
	ConversationID   string    `json:"conversation_id" gorm:"index"`
	FromAssignmentID string    `json:"from_assignment_id"`
	ToAssignmentID   string    `json:"to_assignment_id"`
	FromAgentID      string    `json:"from_agent_id"`
	ToAgentID        string    `json:"to_agent_id"`
	Reason           string    `json:"reason"`
	TransferredBy    string    `json:"transferred_by,omitempty"`
	TransferredAt    time.Time `json:"transferred_at"`
}

func (AssignmentTransfer) TableName() string {
	return "assignment_transfers"
}

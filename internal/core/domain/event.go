package domain

import "time"

type EventType string

const (
	EventTransferRequested  EventType = "transfer.requested"
	EventTransferAssigned   EventType = "transfer.assigned"
	EventTransferAccepted   EventType = "transfer.accepted"
	EventTransferCancelled  EventType = "transfer.cancelled"
	EventManualRequired     EventType = "transfer.manual_required"
	EventAssignmentMoved    EventType = "assignment.transferred"
	EventAssignmentComplete EventType = "assignment.completed"
	EventAssignmentReleased EventType = "assignment.released"
	EventAssignmentOrphaned EventType = "assignment.orphaned"
	EventAgentStateChanged  EventType = "agent.state_changed"
	EventSLABreach          EventType = "sla.breach"
)

// Event is emitted on the outbound channel after a routing transition commits.
type Event struct {
	ID             string           `json:"id"`
	Type           EventType        `json:"type"`
	PropertyID     string           `json:"property_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	TransferID     string           `json:"transfer_id,omitempty"`
	AssignmentID   string           `json:"assignment_id,omitempty"`
	AgentID        string           `json:"agent_id,omitempty"`
	Priority       TransferPriority `json:"priority"`
	Message        string           `json:"message,omitempty"`
	At             time.Time        `json:"at"`
}

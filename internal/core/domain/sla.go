package domain

import "time"

type SLAOutcome string

const (
	SLAOutcomeCompleted SLAOutcome = "completed"
	SLAOutcomeReleased  SLAOutcome = "released"
)

// SLARecord is written once per transfer request when its hand-off ends.
type SLARecord struct {
	TransferRequestID string           `json:"transfer_request_id" gorm:"primaryKey"`
	PropertyID        string           `json:"property_id" gorm:"index"`
	ConversationID    string           `json:"conversation_id"`
	AssignmentID      string           `json:"assignment_id"`
	AgentID           string           `json:"agent_id" gorm:"index"`
	Priority          TransferPriority `json:"priority"`
	Outcome           SLAOutcome       `json:"outcome"`
	RequestedAt       time.Time        `json:"requested_at"`
	AssignedAt        time.Time        `json:"assigned_at"`
	EndedAt           time.Time        `json:"ended_at" gorm:"index"`
	QueueWaitMs       int64            `json:"queue_wait_ms"`
	HandleTimeMs      int64            `json:"handle_time_ms"`
	ResponseTimeMs    *int64           `json:"response_time_ms,omitempty"`
	Transfers         int              `json:"transfers"`
}

func (SLARecord) TableName() string {
	return "sla_records"
}

// TransferStatistics is computed on read over one property-local calendar day.
type TransferStatistics struct {
	PropertyID             string  `json:"property_id"`
	Day                    string  `json:"day"`
	Timezone               string  `json:"timezone"`
	Pending                int     `json:"pending"`
	Emergency              int     `json:"emergency"`
	InProgress             int     `json:"in_progress"`
	ManualRequired         int     `json:"manual_required"`
	CompletedToday         int     `json:"completed_today"`
	ReleasedToday          int     `json:"released_today"`
	AvgQueueWaitSeconds    float64 `json:"avg_queue_wait_seconds"`
	AvgHandleTimeSeconds   float64 `json:"avg_handle_time_seconds"`
	AvgResponseTimeSeconds float64 `json:"avg_response_time_seconds"`
	SLABreaches            int     `json:"sla_breaches"`
}

type AssignmentStatistics struct {
	PropertyID             string  `json:"property_id"`
	Day                    string  `json:"day"`
	Timezone               string  `json:"timezone"`
	Active                 int     `json:"active"`
	AwaitingReassignment   int     `json:"awaiting_reassignment"`
	CompletedToday         int     `json:"completed_today"`
	ReleasedToday          int     `json:"released_today"`
	TransferredToday       int     `json:"transferred_today"`
	AvgHandleTimeSeconds   float64 `json:"avg_handle_time_seconds"`
	AvgResponseTimeSeconds float64 `json:"avg_response_time_seconds"`
}

type AgentPerformance struct {
	AgentID                string  `json:"agent_id"`
	Name                   string  `json:"name,omitempty"`
	Active                 int     `json:"active"`
	Completed              int     `json:"completed"`
	Released               int     `json:"released"`
	TransferredOut         int     `json:"transferred_out"`
	AvgHandleTimeSeconds   float64 `json:"avg_handle_time_seconds"`
	AvgResponseTimeSeconds float64 `json:"avg_response_time_seconds"`
}

package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TransferPriority orders the queue. Higher value is served first.
type TransferPriority int

const (
	PriorityNormal TransferPriority = iota
	PriorityHigh
	PriorityEmergency
)

func (p TransferPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

func ParsePriority(s string) (TransferPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "low", "medium":
		return PriorityNormal, nil
	case "high", "urgent":
		return PriorityHigh, nil
	case "emergency", "critical":
		return PriorityEmergency, nil
	}
	return PriorityNormal, Validationf("unknown priority %q", s)
}

func (p TransferPriority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *TransferPriority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return Validationf("priority must be a string")
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

type TransferStatus string

const (
	TransferStatusPending    TransferStatus = "pending"
	TransferStatusInProgress TransferStatus = "in_progress"
	TransferStatusCompleted  TransferStatus = "completed"
	TransferStatusCancelled  TransferStatus = "cancelled"
)

func (s TransferStatus) Terminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusCancelled
}

type DetectionMethod string

const (
	DetectionKeyword         DetectionMethod = "keyword"
	DetectionSentiment       DetectionMethod = "sentiment"
	DetectionExplicitRequest DetectionMethod = "explicit_request"
	DetectionClassifier      DetectionMethod = "classifier"
	DetectionManual          DetectionMethod = "manual"
	DetectionOrphanRecovery  DetectionMethod = "orphan_recovery"
)

func ParseDetectionMethod(s string) (DetectionMethod, error) {
	m := DetectionMethod(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case DetectionKeyword, DetectionSentiment, DetectionExplicitRequest, DetectionClassifier,
		DetectionManual, DetectionOrphanRecovery:
		return m, nil
	case "":
		return DetectionClassifier, nil
	}
	return "", Validationf("unknown detection method %q", s)
}

type TransferRequest struct {
	ID                string           `json:"id" gorm:"primaryKey"`
	PropertyID        string           `json:"property_id" gorm:"index"`
	ConversationID    string           `json:"conversation_id" gorm:"index"`
	GuestID           string           `json:"guest_id"`
	GuestName         string           `json:"guest_name,omitempty"`
	RoomNumber        string           `json:"room_number,omitempty"`
	Reason            string           `json:"reason"`
	Priority          TransferPriority `json:"priority"`
	DetectionMethod   DetectionMethod  `json:"detection_method"`
	Department        string           `json:"department,omitempty"`
	Skills            []string         `json:"skills,omitempty" gorm:"serializer:json"`
	Status            TransferStatus   `json:"status" gorm:"index"`
	AssignedAgentID   *string          `json:"assigned_agent_id,omitempty"`
	AssignmentID      *string          `json:"assignment_id,omitempty"`
	Handoff           *HandoffContext  `json:"handoff,omitempty" gorm:"serializer:json"`
	Attempts          int              `json:"attempts"`
	NextAttemptAt     *time.Time       `json:"next_attempt_at,omitempty"`
	ManualRequired    bool             `json:"manual_required"`
	PreviousRequestID *string          `json:"previous_request_id,omitempty"`
	CancelReason      string           `json:"cancel_reason,omitempty"`
	QueueSeq          int64            `json:"queue_seq"`
	RequestedAt       time.Time        `json:"requested_at"`
	AssignedAt        *time.Time       `json:"assigned_at,omitempty"`
	AcceptedAt        *time.Time       `json:"accepted_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	CancelledAt       *time.Time       `json:"cancelled_at,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func (TransferRequest) TableName() string {
	return "transfer_requests"
}

// Validate checks the fields an upstream caller must provide.
func (r *TransferRequest) Validate() error {
	if strings.TrimSpace(r.PropertyID) == "" {
		return Validationf("property_id is required")
	}
	if strings.TrimSpace(r.ConversationID) == "" {
		return Validationf("conversation_id is required")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return Validationf("reason is required")
	}
	if len(r.Reason) > 2000 {
		return Validationf("reason exceeds maximum length of 2000 characters")
	}
	if r.Priority < PriorityNormal || r.Priority > PriorityEmergency {
		return Validationf("priority out of range")
	}
	return nil
}

// Clone returns a copy safe to hand across goroutines.
func (r *TransferRequest) Clone() *TransferRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Skills != nil {
		c.Skills = append([]string(nil), r.Skills...)
	}
	return &c
}

// Waiting returns how long the request has been waiting, measured from RequestedAt.
func (r *TransferRequest) Waiting(now time.Time) time.Duration {
	end := now
	if r.AssignedAt != nil {
		end = *r.AssignedAt
	}
	return end.Sub(r.RequestedAt)
}

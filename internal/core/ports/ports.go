package ports

import (
	"context"
	"time"

	"staydesk.handoff/internal/core/domain"
)

type AgentRepository interface {
	CreateAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context, propertyID string) ([]*domain.Agent, error)
	UpdatePresence(ctx context.Context, agent *domain.Agent) error
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error
	TouchLastAssigned(ctx context.Context, id string, at time.Time) error
}

type TransferFilter struct {
	PropertyID     string
	ConversationID string
	Statuses       []domain.TransferStatus
	ManualRequired *bool
	Since          time.Time
	Offset         int
	Limit          int
}

type TransferRepository interface {
	CreateTransfer(ctx context.Context, req *domain.TransferRequest) error
	GetTransfer(ctx context.Context, id string) (*domain.TransferRequest, error)
	// FindOpenTransfer returns the non-terminal request of a conversation or ErrNotFound.
	FindOpenTransfer(ctx context.Context, conversationID string) (*domain.TransferRequest, error)
	// UpdateTransfer writes req only if the stored status still equals expected, else ErrConflict.
	// The attached handoff context is never overwritten.
	UpdateTransfer(ctx context.Context, req *domain.TransferRequest, expected domain.TransferStatus) error
	// AttachHandoff stores the context only if none is attached yet.
	AttachHandoff(ctx context.Context, id string, handoff *domain.HandoffContext) error
	ListTransfers(ctx context.Context, filter TransferFilter) ([]*domain.TransferRequest, error)
}

type AssignmentFilter struct {
	PropertyID     string
	AgentID        string
	ConversationID string
	Statuses       []domain.AssignmentStatus
	// Since and Until bound AssignedAt; EndedFrom and EndedTo bound ReleasedAt.
	Since     time.Time
	Until     time.Time
	EndedFrom time.Time
	EndedTo   time.Time
	Offset    int
	Limit     int
}

type AssignmentRepository interface {
	CreateAssignment(ctx context.Context, a *domain.Assignment) error
	GetAssignment(ctx context.Context, id string) (*domain.Assignment, error)
	// UpdateAssignment writes a only if the stored status still equals expected, else ErrConflict.
	UpdateAssignment(ctx context.Context, a *domain.Assignment, expected domain.AssignmentStatus) error
	// TransferAssignment closes from, opens to and appends the audit record atomically.
	TransferAssignment(ctx context.Context, from, to *domain.Assignment, record *domain.AssignmentTransfer) error
	ListAssignments(ctx context.Context, filter AssignmentFilter) ([]*domain.Assignment, error)
	CountAssignments(ctx context.Context, filter AssignmentFilter) (int64, error)
	ListTransferHistory(ctx context.Context, conversationID string) ([]domain.AssignmentTransfer, error)
}

type SLAFilter struct {
	PropertyID string
	AgentID    string
	From       time.Time
	To         time.Time
}

type SLARepository interface {
	// RecordSLA inserts the record once per transfer request; created is false on a repeat.
	RecordSLA(ctx context.Context, rec *domain.SLARecord) (created bool, err error)
	ListSLA(ctx context.Context, filter SLAFilter) ([]*domain.SLARecord, error)
}

// TransferQueue holds pending requests ordered by priority, then age, then insertion.
type TransferQueue interface {
	Enqueue(ctx context.Context, req *domain.TransferRequest) error
	// DequeueNext pops the head or returns ErrQueueEmpty.
	DequeueNext(ctx context.Context) (*domain.TransferRequest, error)
	PeekOrdered(ctx context.Context) ([]*domain.TransferRequest, error)
	Remove(ctx context.Context, requestID string) error
	Len(ctx context.Context) (int, error)
}

// ManualQueue parks requests that exhausted automatic dispatch.
type ManualQueue interface {
	Add(ctx context.Context, req *domain.TransferRequest, reason string) error
	List(ctx context.Context, propertyID string, offset, limit int) ([]*domain.TransferRequest, error)
	Remove(ctx context.Context, requestID string) error
	Count(ctx context.Context) (int64, error)
}

type ConversationSource interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.ConversationMessage, error)
	UnresolvedIssues(ctx context.Context, conversationID string) ([]domain.ConversationIssue, error)
}

type GuestDirectory interface {
	Guest(ctx context.Context, guestID string) (*domain.GuestProfile, error)
}

// EventSink delivers routing events to a notification channel. Fire-and-forget.
type EventSink interface {
	Publish(ctx context.Context, event domain.Event) error
}

type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan domain.Event, error)
}

package domain

import "time"

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentUnknown  Sentiment = "unknown"
)

// HandoffContext is built once per transfer and never modified afterwards.
type HandoffContext struct {
	ConversationID    string                `json:"conversation_id"`
	GuestName         string                `json:"guest_name,omitempty"`
	RoomNumber        string                `json:"room_number,omitempty"`
	Reason            string                `json:"reason"`
	Priority          TransferPriority      `json:"priority"`
	Summary           string                `json:"summary"`
	GuestSentiment    Sentiment             `json:"guest_sentiment"`
	UnresolvedIssues  []string              `json:"unresolved_issues,omitempty"`
	Highlights        []string              `json:"highlights,omitempty"`
	RecentMessages    []ConversationMessage `json:"recent_messages,omitempty"`
	SuggestedResponse string                `json:"suggested_response,omitempty"`
	Degraded          bool                  `json:"degraded"`
	BuiltAt           time.Time             `json:"built_at"`
}

type MessageSender string

const (
	SenderGuest  MessageSender = "guest"
	SenderBot    MessageSender = "bot"
	SenderAgent  MessageSender = "agent"
	SenderSystem MessageSender = "system"
)

// ConversationMessage is the read model of a message owned by the ingestion service.
type ConversationMessage struct {
	ID             string        `json:"id" gorm:"primaryKey"`
	ConversationID string        `json:"conversation_id" gorm:"index"`
	Sender         MessageSender `json:"sender"`
	Content        string        `json:"content"`
	Sentiment      *float64      `json:"sentiment,omitempty"` // -1..1, scored upstream
	CreatedAt      time.Time     `json:"created_at"`
}

func (ConversationMessage) TableName() string {
	return "messages"
}

// ConversationIssue marks something the bot could not resolve.
type ConversationIssue struct {
	ID             string     `json:"id" gorm:"primaryKey"`
	ConversationID string     `json:"conversation_id" gorm:"index"`
	Description    string     `json:"description"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (ConversationIssue) TableName() string {
	return "conversation_issues"
}

// GuestProfile is the read model of the guest directory.
type GuestProfile struct {
	ID         string `json:"id" gorm:"primaryKey"`
	PropertyID string `json:"property_id"`
	Name       string `json:"name"`
	RoomNumber string `json:"room_number"`
	Language   string `json:"language"`
	VIP        bool   `json:"vip"`
}

func (GuestProfile) TableName() string {
	return "guests"
}

package pg

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"staydesk.handoff/internal/core/domain"
)

// ConversationStore reads the message and issue tables written by the
// conversation service.
type ConversationStore struct {
	db *gorm.DB
}

func NewConversationStore(db *gorm.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// RecentMessages returns the last limit messages, oldest first.
func (s *ConversationStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.ConversationMessage, error) {
	var msgs []domain.ConversationMessage
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at desc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("recent messages of %s: %w", conversationID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *ConversationStore) UnresolvedIssues(ctx context.Context, conversationID string) ([]domain.ConversationIssue, error) {
	var issues []domain.ConversationIssue
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND resolved_at IS NULL", conversationID).
		Order("created_at").
		Find(&issues).Error
	if err != nil {
		return nil, fmt.Errorf("unresolved issues of %s: %w", conversationID, err)
	}
	return issues, nil
}

// GuestStore reads guest profiles from the property management tables.
type GuestStore struct {
	db *gorm.DB
}

func NewGuestStore(db *gorm.DB) *GuestStore {
	return &GuestStore{db: db}
}

func (s *GuestStore) Guest(ctx context.Context, guestID string) (*domain.GuestProfile, error) {
	var g domain.GuestProfile
	if err := s.db.WithContext(ctx).First(&g, "id = ?", guestID).Error; err != nil {
		return nil, notFound(err, "guest", guestID)
	}
	return &g, nil
}

package pg

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/ports"
)

var openStatuses = []domain.TransferStatus{domain.TransferStatusPending, domain.TransferStatusInProgress}

func (r *Repository) CreateTransfer(ctx context.Context, req *domain.TransferRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *Repository) GetTransfer(ctx context.Context, id string) (*domain.TransferRequest, error) {
	var req domain.TransferRequest
	if err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "transfer request", id)
	}
	return &req, nil
}

func (r *Repository) FindOpenTransfer(ctx context.Context, conversationID string) (*domain.TransferRequest, error) {
	var req domain.TransferRequest
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND status IN ?", conversationID, openStatuses).
		Order("requested_at desc").
		First(&req).Error
	if err != nil {
		return nil, notFound(err, "open transfer for conversation", conversationID)
	}
	return &req, nil
}

func (r *Repository) UpdateTransfer(ctx context.Context, req *domain.TransferRequest, expected domain.TransferStatus) error {
	res := r.db.WithContext(ctx).Model(&domain.TransferRequest{ID: req.ID}).
		Where("status = ?", expected).
		Select("*").Omit("id", "handoff").
		Updates(req)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.casMiss(ctx, &domain.TransferRequest{}, "transfer request", req.ID)
	}
	return nil
}

func (r *Repository) AttachHandoff(ctx context.Context, id string, handoff *domain.HandoffContext) error {
	if handoff == nil {
		return nil
	}
	return r.db.WithContext(ctx).Model(&domain.TransferRequest{ID: id}).
		Where("handoff IS NULL OR handoff = ?", "null").
		Select("handoff").
		Updates(&domain.TransferRequest{Handoff: handoff}).Error
}

func (r *Repository) ListTransfers(ctx context.Context, f ports.TransferFilter) ([]*domain.TransferRequest, error) {
	var out []*domain.TransferRequest
	q := r.db.WithContext(ctx).Order("requested_at desc")
	if f.PropertyID != "" {
		q = q.Where("property_id = ?", f.PropertyID)
	}
	if f.ConversationID != "" {
		q = q.Where("conversation_id = ?", f.ConversationID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.ManualRequired != nil {
		q = q.Where("manual_required = ?", *f.ManualRequired)
	}
	if !f.Since.IsZero() {
		q = q.Where("requested_at >= ?", f.Since)
	}
	q = paginate(q, f.Offset, f.Limit)
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return out, nil
}

func paginate(q *gorm.DB, offset, limit int) *gorm.DB {
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

package pg

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/ports"
)

func (r *Repository) CreateAssignment(ctx context.Context, a *domain.Assignment) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repository) GetAssignment(ctx context.Context, id string) (*domain.Assignment, error) {
	var a domain.Assignment
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "assignment", id)
	}
	return &a, nil
}

func (r *Repository) UpdateAssignment(ctx context.Context, a *domain.Assignment, expected domain.AssignmentStatus) error {
	res := updateAssignment(r.db.WithContext(ctx), a, expected)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.casMiss(ctx, &domain.Assignment{}, "assignment", a.ID)
	}
	return nil
}

func updateAssignment(db *gorm.DB, a *domain.Assignment, expected domain.AssignmentStatus) *gorm.DB {
	return db.Model(&domain.Assignment{ID: a.ID}).
		Where("status = ?", expected).
		Select("*").Omit("id").
		Updates(a)
}

// TransferAssignment closes from, opens to and appends the audit record in one transaction.
func (r *Repository) TransferAssignment(ctx context.Context, from, to *domain.Assignment, record *domain.AssignmentTransfer) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := updateAssignment(tx, from, domain.AssignmentStatusActive)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: assignment %s is no longer active", domain.ErrConflict, from.ID)
		}
		if err := tx.Create(to).Error; err != nil {
			return err
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return fmt.Errorf("transfer assignment %s: %w", from.ID, err)
	}
	return nil
}

func (r *Repository) ListAssignments(ctx context.Context, f ports.AssignmentFilter) ([]*domain.Assignment, error) {
	var out []*domain.Assignment
	q := paginate(assignmentQuery(r.db.WithContext(ctx), f).Order("assigned_at desc"), f.Offset, f.Limit)
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return out, nil
}

func (r *Repository) CountAssignments(ctx context.Context, f ports.AssignmentFilter) (int64, error) {
	var n int64
	if err := assignmentQuery(r.db.WithContext(ctx).Model(&domain.Assignment{}), f).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func assignmentQuery(q *gorm.DB, f ports.AssignmentFilter) *gorm.DB {
	if f.PropertyID != "" {
		q = q.Where("property_id = ?", f.PropertyID)
	}
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.ConversationID != "" {
		q = q.Where("conversation_id = ?", f.ConversationID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if !f.Since.IsZero() {
		q = q.Where("assigned_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("assigned_at < ?", f.Until)
	}
	if !f.EndedFrom.IsZero() {
		q = q.Where("released_at >= ?", f.EndedFrom)
	}
	if !f.EndedTo.IsZero() {
		q = q.Where("released_at < ?", f.EndedTo)
	}
	return q
}

func (r *Repository) ListTransferHistory(ctx context.Context, conversationID string) ([]domain.AssignmentTransfer, error) {
	var out []domain.AssignmentTransfer
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("transferred_at").
		Find(&out).Error
	return out, err
}

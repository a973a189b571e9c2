package pg

import (
	"context"

	"gorm.io/gorm/clause"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/ports"
)

// RecordSLA inserts once per transfer request; a repeat is a no-op.
func (r *Repository) RecordSLA(ctx context.Context, rec *domain.SLARecord) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) ListSLA(ctx context.Context, f ports.SLAFilter) ([]*domain.SLARecord, error) {
	var out []*domain.SLARecord
	q := r.db.WithContext(ctx).Order("ended_at")
	if f.PropertyID != "" {
		q = q.Where("property_id = ?", f.PropertyID)
	}
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if !f.From.IsZero() {
		q = q.Where("ended_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("ended_at < ?", f.To)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

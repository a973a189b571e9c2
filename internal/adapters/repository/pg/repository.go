package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"staydesk.handoff/internal/core/domain"
)

// Repository persists agents, transfer requests, assignments, the transfer
// audit trail and SLA records. It implements every repository port.
type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (*Repository, error) {
	return Open(postgres.Open(dsn))
}

// Open migrates the routing tables on any gorm dialector.
func Open(dialector gorm.Dialector) (*Repository, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&domain.Agent{},
		&domain.TransferRequest{},
		&domain.Assignment{},
		&domain.AssignmentTransfer{},
		&domain.SLARecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Repository{db: db}, nil
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Agent methods
func (r *Repository) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	exists := fmt.Errorf("%w: agent %s already exists", domain.ErrConflict, agent.ID)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&domain.Agent{}).Where("id = ?", agent.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return exists
		}
		return tx.Create(agent).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return exists
	}
	return err
}

func (r *Repository) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var agent domain.Agent
	if err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "agent", id)
	}
	return &agent, nil
}

func (r *Repository) ListAgents(ctx context.Context, propertyID string) ([]*domain.Agent, error) {
	var agents []*domain.Agent
	q := r.db.WithContext(ctx).Order("id")
	if propertyID != "" {
		q = q.Where("property_id = ?", propertyID)
	}
	if err := q.Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}

func (r *Repository) UpdatePresence(ctx context.Context, agent *domain.Agent) error {
	res := r.db.WithContext(ctx).Model(&domain.Agent{ID: agent.ID}).
		Select("state", "status_message", "last_heartbeat", "session_started_at").
		Updates(agent)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, agent.ID)
	}
	return nil
}

func (r *Repository) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Agent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_heartbeat": at,
			"updated_at":     at,
		}).Error
}

func (r *Repository) TouchLastAssigned(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Agent{}).Where("id = ?", id).
		Update("last_assigned_at", at).Error
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
	}
	return err
}

// casMiss explains a compare-and-swap update that touched no row.
func (r *Repository) casMiss(ctx context.Context, model interface{}, kind, id string) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
	}
	return fmt.Errorf("%w: %s %s changed status", domain.ErrConflict, kind, id)
}

package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncAttemptModel is the GORM model for the append-only sync log
type SyncAttemptModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID       uuid.UUID `gorm:"type:uuid;not null;index"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;index:idx_sync_attempt_logs_key,priority:1"`
	Platform    string    `gorm:"type:varchar(32);not null;index:idx_sync_attempt_logs_key,priority:2"`
	SubResource string    `gorm:"type:varchar(255);not null;default:'';index:idx_sync_attempt_logs_key,priority:3"`
	Trigger     string    `gorm:"column:trigger_type;type:varchar(16);not null"`
	Outcome     string    `gorm:"type:varchar(32);not null"`
	PageIndex   int       `gorm:"not null;default:0"`
	RecordCount int       `gorm:"not null;default:0"`
	Detail      string    `gorm:"type:text"`
	AttemptedAt time.Time `gorm:"not null;index:idx_sync_attempt_logs_key,priority:4"`
}

// TableName returns the table name for the model
func (SyncAttemptModel) TableName() string {
	return "sync_attempt_logs"
}

// ToEntity converts the model to a domain entity
func (m *SyncAttemptModel) ToEntity() *integration.SyncAttempt {
	return &integration.SyncAttempt{
		ID:          m.ID,
		RunID:       m.RunID,
		UserID:      m.UserID,
		Platform:    integration.Platform(m.Platform),
		SubResource: m.SubResource,
		Trigger:     integration.SyncTrigger(m.Trigger),
		Outcome:     integration.SyncOutcome(m.Outcome),
		PageIndex:   m.PageIndex,
		RecordCount: m.RecordCount,
		Detail:      m.Detail,
		AttemptedAt: m.AttemptedAt,
	}
}

// SyncAttemptModelFromEntity creates a model from a domain entity
func SyncAttemptModelFromEntity(e *integration.SyncAttempt) *SyncAttemptModel {
	return &SyncAttemptModel{
		ID:          e.ID,
		RunID:       e.RunID,
		UserID:      e.UserID,
		Platform:    string(e.Platform),
		SubResource: e.SubResource,
		Trigger:     string(e.Trigger),
		Outcome:     string(e.Outcome),
		PageIndex:   e.PageIndex,
		RecordCount: e.RecordCount,
		Detail:      e.Detail,
		AttemptedAt: e.AttemptedAt,
	}
}

// GormSyncAttemptRepository implements integration.SyncAttemptRepository using GORM
type GormSyncAttemptRepository struct {
	db *gorm.DB
}

// NewGormSyncAttemptRepository creates a new GormSyncAttemptRepository
func NewGormSyncAttemptRepository(db *gorm.DB) *GormSyncAttemptRepository {
	return &GormSyncAttemptRepository{db: db}
}

// Append inserts a log row
func (r *GormSyncAttemptRepository) Append(ctx context.Context, attempt *integration.SyncAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(SyncAttemptModelFromEntity(attempt)).Error
}

// LatestTerminal returns the newest row that closed an invocation for key
func (r *GormSyncAttemptRepository) LatestTerminal(ctx context.Context, key integration.ConnectionKey, trigger integration.SyncTrigger) (*integration.SyncAttempt, error) {
	query := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND sub_resource = ? AND outcome <> ?",
			key.UserID, string(key.Platform), key.SubResource, string(integration.SyncOutcomePageCommitted))
	if trigger != "" {
		query = query.Where("trigger_type = ?", string(trigger))
	}

	var model SyncAttemptModel
	if err := query.Order("attempted_at DESC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrSyncAttemptNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// ListByUserPlatform returns the newest rows first
func (r *GormSyncAttemptRepository) ListByUserPlatform(ctx context.Context, userID uuid.UUID, platform integration.Platform, limit int) ([]*integration.SyncAttempt, error) {
	if limit <= 0 {
		limit = 50
	}

	var models []SyncAttemptModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", userID, string(platform)).
		Order("attempted_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]*integration.SyncAttempt, len(models))
	for i := range models {
		attempts[i] = models[i].ToEntity()
	}
	return attempts, nil
}

// Ensure GormSyncAttemptRepository implements SyncAttemptRepository
var _ integration.SyncAttemptRepository = (*GormSyncAttemptRepository)(nil)

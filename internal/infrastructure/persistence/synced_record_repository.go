package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// syncedRecordBatchSize bounds the number of rows per INSERT statement
const syncedRecordBatchSize = 200

// SyncedRecordModel is the GORM model for mirrored remote records
type SyncedRecordModel struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:uq_synced_records_native,priority:1"`
	Platform      string           `gorm:"type:varchar(32);not null;uniqueIndex:uq_synced_records_native,priority:2"`
	NativeID      string           `gorm:"type:varchar(255);not null;uniqueIndex:uq_synced_records_native,priority:3"`
	SubResource   string           `gorm:"type:varchar(255);not null;default:''"`
	Kind          string           `gorm:"type:varchar(32);not null"`
	Title         string           `gorm:"type:text"`
	OccurredAt    *time.Time       `gorm:"index"`
	Metrics       map[string]int64 `gorm:"type:jsonb;serializer:json"`
	Amount        *decimal.Decimal `gorm:"type:decimal(20,4)"`
	Currency      string           `gorm:"type:varchar(8)"`
	Payload       map[string]any   `gorm:"type:jsonb;serializer:json"`
	FirstSyncedAt time.Time        `gorm:"not null"`
	LastSyncedAt  time.Time        `gorm:"not null"`
}

// TableName returns the table name for the model
func (SyncedRecordModel) TableName() string {
	return "synced_records"
}

// ToEntity converts the model to a domain entity
func (m *SyncedRecordModel) ToEntity() *integration.SyncedRecord {
	metrics := m.Metrics
	if metrics == nil {
		metrics = map[string]int64{}
	}
	return &integration.SyncedRecord{
		ID:            m.ID,
		UserID:        m.UserID,
		Platform:      integration.Platform(m.Platform),
		SubResource:   m.SubResource,
		NativeID:      m.NativeID,
		Kind:          integration.RecordKind(m.Kind),
		Title:         m.Title,
		OccurredAt:    m.OccurredAt,
		Metrics:       metrics,
		Amount:        m.Amount,
		Currency:      m.Currency,
		Payload:       m.Payload,
		FirstSyncedAt: m.FirstSyncedAt,
		LastSyncedAt:  m.LastSyncedAt,
	}
}

// SyncedRecordModelFromEntity creates a model from a domain entity
func SyncedRecordModelFromEntity(e *integration.SyncedRecord) *SyncedRecordModel {
	return &SyncedRecordModel{
		ID:            e.ID,
		UserID:        e.UserID,
		Platform:      string(e.Platform),
		SubResource:   e.SubResource,
		NativeID:      e.NativeID,
		Kind:          string(e.Kind),
		Title:         e.Title,
		OccurredAt:    e.OccurredAt,
		Metrics:       e.Metrics,
		Amount:        e.Amount,
		Currency:      e.Currency,
		Payload:       e.Payload,
		FirstSyncedAt: e.FirstSyncedAt,
		LastSyncedAt:  e.LastSyncedAt,
	}
}

// GormSyncedRecordRepository implements integration.SyncedRecordRepository using GORM
type GormSyncedRecordRepository struct {
	db *gorm.DB
}

// NewGormSyncedRecordRepository creates a new GormSyncedRecordRepository
func NewGormSyncedRecordRepository(db *gorm.DB) *GormSyncedRecordRepository {
	return &GormSyncedRecordRepository{db: db}
}

// UpsertBatch inserts new records and updates the mutable fields of existing ones.
// first_synced_at and id survive re-syncs. When a batch names the same native id
// twice only the last occurrence is written, since PostgreSQL rejects a statement
// that updates one row twice.
func (r *GormSyncedRecordRepository) UpsertBatch(ctx context.Context, records []*integration.SyncedRecord) error {
	if len(records) == 0 {
		return nil
	}

	type nativeKey struct {
		userID   uuid.UUID
		platform integration.Platform
		nativeID string
	}
	position := make(map[nativeKey]int, len(records))
	models := make([]*SyncedRecordModel, 0, len(records))
	for _, rec := range records {
		k := nativeKey{rec.UserID, rec.Platform, rec.NativeID}
		if i, ok := position[k]; ok {
			models[i] = SyncedRecordModelFromEntity(rec)
			continue
		}
		position[k] = len(models)
		models = append(models, SyncedRecordModelFromEntity(rec))
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "platform"},
			{Name: "native_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"sub_resource",
			"kind",
			"title",
			"occurred_at",
			"metrics",
			"amount",
			"currency",
			"payload",
			"last_synced_at",
		}),
	}).CreateInBatches(models, syncedRecordBatchSize).Error
}

// FindByNativeID returns the record with the given native id
func (r *GormSyncedRecordRepository) FindByNativeID(ctx context.Context, userID uuid.UUID, platform integration.Platform, nativeID string) (*integration.SyncedRecord, error) {
	var model SyncedRecordModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND native_id = ?", userID, string(platform), nativeID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrSyncedRecordNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// ListByUserPlatform returns records ordered by most recent occurrence
func (r *GormSyncedRecordRepository) ListByUserPlatform(ctx context.Context, userID uuid.UUID, platform integration.Platform, limit, offset int) ([]*integration.SyncedRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var models []SyncedRecordModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", userID, string(platform)).
		Order("last_synced_at DESC").
		Order("native_id ASC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]*integration.SyncedRecord, len(models))
	for i := range models {
		records[i] = models[i].ToEntity()
	}
	return records, nil
}

// CountByUserPlatform counts a user's records for a platform
func (r *GormSyncedRecordRepository) CountByUserPlatform(ctx context.Context, userID uuid.UUID, platform integration.Platform) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SyncedRecordModel{}).
		Where("user_id = ? AND platform = ?", userID, string(platform)).
		Count(&count).Error
	return count, err
}

// DeleteByUserPlatform removes a user's records for a platform and returns the number removed
func (r *GormSyncedRecordRepository) DeleteByUserPlatform(ctx context.Context, userID uuid.UUID, platform integration.Platform) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", userID, string(platform)).
		Delete(&SyncedRecordModel{})
	return result.RowsAffected, result.Error
}

// Ensure GormSyncedRecordRepository implements SyncedRecordRepository
var _ integration.SyncedRecordRepository = (*GormSyncedRecordRepository)(nil)

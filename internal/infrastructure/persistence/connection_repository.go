package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/erp/platformsync/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConnectionModel is the GORM model for platform connections.
// The (user_id, platform, sub_resource) unique index is the connection key;
// sub_resource is '' for account-level platforms so the index covers them too.
type ConnectionModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID             uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_platform_connections_key,priority:1;index:idx_platform_connections_user_active,priority:1"`
	Platform           string    `gorm:"type:varchar(32);not null;uniqueIndex:uq_platform_connections_key,priority:2"`
	SubResource        string    `gorm:"type:varchar(255);not null;default:'';uniqueIndex:uq_platform_connections_key,priority:3"`
	AccessTokenCipher  string    `gorm:"type:text;not null"`
	RefreshTokenCipher string    `gorm:"type:text;not null;default:''"`
	ExpiresAt          *time.Time
	IsActive           bool              `gorm:"not null;index:idx_platform_connections_user_active,priority:2"`
	Metadata           map[string]string `gorm:"type:jsonb;serializer:json"`
	LastRefreshedAt    *time.Time
	DeactivatedAt      *time.Time
	DeactivationReason string    `gorm:"type:varchar(32);not null;default:''"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (ConnectionModel) TableName() string {
	return "platform_connections"
}

// ToEntity converts the model to a domain entity
func (m *ConnectionModel) ToEntity() *integration.Connection {
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &integration.Connection{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		UserID:             m.UserID,
		Platform:           integration.Platform(m.Platform),
		SubResource:        m.SubResource,
		AccessTokenCipher:  m.AccessTokenCipher,
		RefreshTokenCipher: m.RefreshTokenCipher,
		ExpiresAt:          m.ExpiresAt,
		IsActive:           m.IsActive,
		Metadata:           metadata,
		LastRefreshedAt:    m.LastRefreshedAt,
		DeactivatedAt:      m.DeactivatedAt,
		DeactivationReason: integration.DeactivationReason(m.DeactivationReason),
	}
}

// ConnectionModelFromEntity creates a model from a domain entity
func ConnectionModelFromEntity(e *integration.Connection) *ConnectionModel {
	return &ConnectionModel{
		ID:                 e.ID,
		UserID:             e.UserID,
		Platform:           string(e.Platform),
		SubResource:        e.SubResource,
		AccessTokenCipher:  e.AccessTokenCipher,
		RefreshTokenCipher: e.RefreshTokenCipher,
		ExpiresAt:          e.ExpiresAt,
		IsActive:           e.IsActive,
		Metadata:           e.Metadata,
		LastRefreshedAt:    e.LastRefreshedAt,
		DeactivatedAt:      e.DeactivatedAt,
		DeactivationReason: string(e.DeactivationReason),
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

// connectionUpsertColumns are overwritten when a row with the same key exists.
// id and created_at keep the values of the first insert.
var connectionUpsertColumns = []string{
	"access_token_cipher",
	"refresh_token_cipher",
	"expires_at",
	"is_active",
	"metadata",
	"last_refreshed_at",
	"deactivated_at",
	"deactivation_reason",
	"updated_at",
}

// GormConnectionRepository implements integration.ConnectionRepository using GORM
type GormConnectionRepository struct {
	db *gorm.DB
}

// NewGormConnectionRepository creates a new GormConnectionRepository
func NewGormConnectionRepository(db *gorm.DB) *GormConnectionRepository {
	return &GormConnectionRepository{db: db}
}

// Upsert writes the connection with INSERT ... ON CONFLICT DO UPDATE.
// The entity's ID and CreatedAt are refreshed from the stored row afterwards.
func (r *GormConnectionRepository) Upsert(ctx context.Context, conn *integration.Connection) error {
	if conn.UpdatedAt.IsZero() {
		conn.UpdatedAt = time.Now()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = conn.UpdatedAt
	}
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}

	model := ConnectionModelFromEntity(conn)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "platform"},
			{Name: "sub_resource"},
		},
		DoUpdates: clause.AssignmentColumns(connectionUpsertColumns),
	}).Create(model).Error
	if err != nil {
		return err
	}

	var stored ConnectionModel
	err = r.db.WithContext(ctx).
		Select("id", "created_at").
		Where("user_id = ? AND platform = ? AND sub_resource = ?", conn.UserID, string(conn.Platform), conn.SubResource).
		First(&stored).Error
	if err != nil {
		return err
	}
	conn.ID = stored.ID
	conn.CreatedAt = stored.CreatedAt
	return nil
}

// FindActive returns the active connection for key
func (r *GormConnectionRepository) FindActive(ctx context.Context, key integration.ConnectionKey) (*integration.Connection, error) {
	var model ConnectionModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND sub_resource = ? AND is_active = ?",
			key.UserID, string(key.Platform), key.SubResource, true).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrConnectionNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByKey returns the connection for key regardless of its state
func (r *GormConnectionRepository) FindByKey(ctx context.Context, key integration.ConnectionKey) (*integration.Connection, error) {
	var model ConnectionModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND sub_resource = ?",
			key.UserID, string(key.Platform), key.SubResource).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrConnectionNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// ListByUser returns all connections of a user, active first
func (r *GormConnectionRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*integration.Connection, error) {
	var models []ConnectionModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("is_active DESC").
		Order("platform ASC").
		Order("sub_resource ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toConnectionEntities(models), nil
}

// ListActive pages through active connections by ascending ID
func (r *GormConnectionRepository) ListActive(ctx context.Context, afterID uuid.UUID, limit int) ([]*integration.Connection, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ConnectionModel
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND id > ?", true, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toConnectionEntities(models), nil
}

// UpdateTokens writes refreshed token ciphertext onto the active row for key.
// The active flag and deactivation fields are never part of the statement, so a
// concurrent disconnect wins and surfaces as ErrConnectionNotFound.
func (r *GormConnectionRepository) UpdateTokens(ctx context.Context, key integration.ConnectionKey, accessCipher, refreshCipher string, expiresAt *time.Time) error {
	now := time.Now()
	updates := map[string]any{
		"access_token_cipher": accessCipher,
		"expires_at":          expiresAt,
		"last_refreshed_at":   now,
		"updated_at":          now,
	}
	if refreshCipher != "" {
		updates["refresh_token_cipher"] = refreshCipher
	}

	result := r.db.WithContext(ctx).
		Model(&ConnectionModel{}).
		Where("user_id = ? AND platform = ? AND sub_resource = ? AND is_active = ?",
			key.UserID, string(key.Platform), key.SubResource, true).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return integration.ErrConnectionNotFound
	}
	return nil
}

// Deactivate flips the active row for key to inactive.
// Missing or already inactive rows are left untouched and no error is returned.
func (r *GormConnectionRepository) Deactivate(ctx context.Context, key integration.ConnectionKey, reason integration.DeactivationReason) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&ConnectionModel{}).
		Where("user_id = ? AND platform = ? AND sub_resource = ? AND is_active = ?",
			key.UserID, string(key.Platform), key.SubResource, true).
		Updates(map[string]any{
			"is_active":           false,
			"deactivated_at":      now,
			"deactivation_reason": string(reason),
			"updated_at":          now,
		}).Error
}

// CountActivePlatforms counts distinct platforms among the user's active connections
func (r *GormConnectionRepository) CountActivePlatforms(ctx context.Context, userID uuid.UUID, platforms []integration.Platform) (int64, error) {
	if len(platforms) == 0 {
		return 0, nil
	}
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = string(p)
	}

	var count int64
	err := r.db.WithContext(ctx).
		Model(&ConnectionModel{}).
		Where("user_id = ? AND is_active = ? AND platform IN ?", userID, true, names).
		Distinct("platform").
		Count(&count).Error
	return count, err
}

// HasActivePlatform reports whether the user has any active connection on the platform
func (r *GormConnectionRepository) HasActivePlatform(ctx context.Context, userID uuid.UUID, platform integration.Platform) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ConnectionModel{}).
		Where("user_id = ? AND platform = ? AND is_active = ?", userID, string(platform), true).
		Count(&count).Error
	return count > 0, err
}

// LockUser takes a transaction-scoped advisory lock keyed by user.
// Only PostgreSQL supports it; other dialects rely on their own write serialization.
func (r *GormConnectionRepository) LockUser(ctx context.Context, userID uuid.UUID) error {
	if !isPostgres(r.db) {
		return nil
	}
	return r.db.WithContext(ctx).
		Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "platformsync:"+userID.String()).Error
}

// Delete removes the row for key
func (r *GormConnectionRepository) Delete(ctx context.Context, key integration.ConnectionKey) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND sub_resource = ?",
			key.UserID, string(key.Platform), key.SubResource).
		Delete(&ConnectionModel{}).Error
}

func toConnectionEntities(models []ConnectionModel) []*integration.Connection {
	conns := make([]*integration.Connection, len(models))
	for i := range models {
		conns[i] = models[i].ToEntity()
	}
	return conns
}

// Ensure GormConnectionRepository implements ConnectionRepository
var _ integration.ConnectionRepository = (*GormConnectionRepository)(nil)

package integration

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConnectionRepository persists connections
type ConnectionRepository interface {
	// Upsert inserts the connection or updates the row with the same key in a
	// single statement, so concurrent writers never interleave token fields.
	Upsert(ctx context.Context, conn *Connection) error

	// FindActive returns the active connection for key or ErrConnectionNotFound
	FindActive(ctx context.Context, key ConnectionKey) (*Connection, error)

	// FindByKey returns the connection for key regardless of its state
	FindByKey(ctx context.Context, key ConnectionKey) (*Connection, error)

	// ListByUser returns all connections of a user, active first
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Connection, error)

	// ListActive pages through all active connections ordered by ID
	ListActive(ctx context.Context, afterID uuid.UUID, limit int) ([]*Connection, error)

	// UpdateTokens replaces the token fields of the active row for key in one
	// statement and never touches the active flag. An empty refreshCipher keeps
	// the stored refresh token. ErrConnectionNotFound means the row is missing
	// or was deactivated in the meantime.
	UpdateTokens(ctx context.Context, key ConnectionKey, accessCipher, refreshCipher string, expiresAt *time.Time) error

	// Deactivate sets active=false; it is a no-op for inactive or missing rows
	Deactivate(ctx context.Context, key ConnectionKey, reason DeactivationReason) error

	// CountActivePlatforms counts distinct platforms with an active connection
	CountActivePlatforms(ctx context.Context, userID uuid.UUID, platforms []Platform) (int64, error)

	// HasActivePlatform reports whether any active connection exists for the platform
	HasActivePlatform(ctx context.Context, userID uuid.UUID, platform Platform) (bool, error)

	// LockUser serializes quota decisions for a user within the current transaction
	LockUser(ctx context.Context, userID uuid.UUID) error

	// Delete hard-deletes the connection (explicit data erasure only)
	Delete(ctx context.Context, key ConnectionKey) error
}

// SyncedRecordRepository persists mirrored remote records
type SyncedRecordRepository interface {
	// UpsertBatch inserts or updates records keyed by (user, platform, native id)
	UpsertBatch(ctx context.Context, records []*SyncedRecord) error

	// FindByNativeID returns one record or ErrSyncedRecordNotFound
	FindByNativeID(ctx context.Context, userID uuid.UUID, platform Platform, nativeID string) (*SyncedRecord, error)

	// ListByUserPlatform pages through a user's records for a platform
	ListByUserPlatform(ctx context.Context, userID uuid.UUID, platform Platform, limit, offset int) ([]*SyncedRecord, error)

	// CountByUserPlatform counts a user's records for a platform
	CountByUserPlatform(ctx context.Context, userID uuid.UUID, platform Platform) (int64, error)

	// DeleteByUserPlatform hard-deletes a user's records for a platform (data erasure only)
	DeleteByUserPlatform(ctx context.Context, userID uuid.UUID, platform Platform) (int64, error)
}

// SyncAttemptRepository persists the append-only sync log
type SyncAttemptRepository interface {
	// Append inserts a log row; rows are never updated
	Append(ctx context.Context, attempt *SyncAttempt) error

	// LatestTerminal returns the newest terminal row for key, optionally
	// filtered by trigger (empty matches any), or ErrSyncAttemptNotFound
	LatestTerminal(ctx context.Context, key ConnectionKey, trigger SyncTrigger) (*SyncAttempt, error)

	// ListByUserPlatform returns the newest rows first
	ListByUserPlatform(ctx context.Context, userID uuid.UUID, platform Platform, limit int) ([]*SyncAttempt, error)
}

package persistence

import (
	"context"

	appintegration "github.com/erp/platformsync/internal/application/integration"
	"github.com/erp/platformsync/internal/domain/integration"
	"gorm.io/gorm"
)

// GormSyncTransactionScope implements the sync engine's TransactionScope with GORM transactions.
type GormSyncTransactionScope struct {
	db *gorm.DB
}

// NewGormSyncTransactionScope creates a new GormSyncTransactionScope
func NewGormSyncTransactionScope(db *gorm.DB) *GormSyncTransactionScope {
	return &GormSyncTransactionScope{db: db}
}

// Execute runs fn inside one transaction; an error from fn rolls it back
func (s *GormSyncTransactionScope) Execute(ctx context.Context, fn func(repos appintegration.TransactionalRepositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormSyncRepositories{tx: tx})
	})
}

// gormSyncRepositories hands out repositories bound to one transaction
type gormSyncRepositories struct {
	tx *gorm.DB
}

func (r *gormSyncRepositories) ConnectionRepo() integration.ConnectionRepository {
	return NewGormConnectionRepository(r.tx)
}

func (r *gormSyncRepositories) RecordRepo() integration.SyncedRecordRepository {
	return NewGormSyncedRecordRepository(r.tx)
}

func (r *gormSyncRepositories) AttemptRepo() integration.SyncAttemptRepository {
	return NewGormSyncAttemptRepository(r.tx)
}

var _ appintegration.TransactionScope = (*GormSyncTransactionScope)(nil)
var _ appintegration.TransactionalRepositories = (*gormSyncRepositories)(nil)

package integration

import (
	"context"

	"github.com/erp/platformsync/internal/domain/integration"
)

// TransactionScope runs a function inside one database transaction.
// Every repository handed to fn shares that transaction; returning an error
// rolls all of their writes back.
type TransactionScope interface {
	Execute(ctx context.Context, fn func(repos TransactionalRepositories) error) error
}

// TransactionalRepositories exposes the sync engine's repositories bound to
// the current transaction.
type TransactionalRepositories interface {
	// ConnectionRepo returns the connection repository scoped to the transaction
	ConnectionRepo() integration.ConnectionRepository
	// RecordRepo returns the synced record repository scoped to the transaction
	RecordRepo() integration.SyncedRecordRepository
	// AttemptRepo returns the sync log repository scoped to the transaction
	AttemptRepo() integration.SyncAttemptRepository
}

// NoOpTransactionScope calls fn with plain repositories and no transaction.
// Tests use it when atomicity is not under test.
type NoOpTransactionScope struct {
	connections integration.ConnectionRepository
	records     integration.SyncedRecordRepository
	attempts    integration.SyncAttemptRepository
}

// NewNoOpTransactionScope creates a NoOpTransactionScope
func NewNoOpTransactionScope(
	connections integration.ConnectionRepository,
	records integration.SyncedRecordRepository,
	attempts integration.SyncAttemptRepository,
) *NoOpTransactionScope {
	return &NoOpTransactionScope{connections: connections, records: records, attempts: attempts}
}

// Execute runs fn directly
func (s *NoOpTransactionScope) Execute(_ context.Context, fn func(repos TransactionalRepositories) error) error {
	return fn(s)
}

func (s *NoOpTransactionScope) ConnectionRepo() integration.ConnectionRepository { return s.connections }
func (s *NoOpTransactionScope) RecordRepo() integration.SyncedRecordRepository   { return s.records }
func (s *NoOpTransactionScope) AttemptRepo() integration.SyncAttemptRepository   { return s.attempts }

var _ TransactionScope = (*NoOpTransactionScope)(nil)
var _ TransactionalRepositories = (*NoOpTransactionScope)(nil)

package handler

import (
	"context"

	appintegration "github.com/erp/platformsync/internal/application/integration"
	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockConnectionUseCase struct {
	mock.Mock
}

func (m *MockConnectionUseCase) InitiateConnection(ctx context.Context, in appintegration.InitiateConnectionInput) (*appintegration.AuthorizationResponse, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*appintegration.AuthorizationResponse), args.Error(1)
}

func (m *MockConnectionUseCase) HandleCallback(ctx context.Context, in appintegration.CallbackInput) (*appintegration.ConnectionResponse, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*appintegration.ConnectionResponse), args.Error(1)
}

func (m *MockConnectionUseCase) ListConnections(ctx context.Context, userID uuid.UUID) ([]appintegration.ConnectionResponse, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]appintegration.ConnectionResponse), args.Error(1)
}

func (m *MockConnectionUseCase) Disconnect(ctx context.Context, userID uuid.UUID, platform integration.Platform, subResource string) error {
	return m.Called(ctx, userID, platform, subResource).Error(0)
}

func (m *MockConnectionUseCase) EraseConnection(ctx context.Context, userID uuid.UUID, platform integration.Platform, subResource string) (*appintegration.ErasureResult, error) {
	args := m.Called(ctx, userID, platform, subResource)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*appintegration.ErasureResult), args.Error(1)
}

func (m *MockConnectionUseCase) GetSyncHistory(ctx context.Context, userID uuid.UUID, platform integration.Platform, limit int) ([]appintegration.SyncAttemptResponse, error) {
	args := m.Called(ctx, userID, platform, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]appintegration.SyncAttemptResponse), args.Error(1)
}

func (m *MockConnectionUseCase) QuotaUsage(ctx context.Context, userID uuid.UUID) (*appintegration.QuotaUsage, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*appintegration.QuotaUsage), args.Error(1)
}

type MockSyncUseCase struct {
	mock.Mock
}

func (m *MockSyncUseCase) TriggerSync(ctx context.Context, req appintegration.SyncRequest) (*appintegration.SyncResult, error) {
	args := m.Called(ctx, req)
	var result *appintegration.SyncResult
	if r := args.Get(0); r != nil {
		result = r.(*appintegration.SyncResult)
	}
	return result, args.Error(1)
}

type MockScheduledSyncs struct {
	mock.Mock
}

func (m *MockScheduledSyncs) InFlight(key integration.ConnectionKey) bool {
	return m.Called(key).Bool(0)
}

func (m *MockScheduledSyncs) RecentJobs(userID uuid.UUID, limit int) []appintegration.ScheduledSyncResponse {
	args := m.Called(userID, limit)
	return args.Get(0).([]appintegration.ScheduledSyncResponse)
}

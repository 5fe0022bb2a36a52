package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func activeConnection(t *testing.T, userID uuid.UUID, platform integration.Platform, subResource string) *integration.Connection {
	t.Helper()
	key, err := integration.NewConnectionKey(userID, platform, subResource)
	require.NoError(t, err)
	conn, err := integration.NewConnection(key, fakeCipherPrefix+"access", fakeCipherPrefix+"refresh", nil, nil)
	require.NoError(t, err)
	return conn
}

func newTestLimiter(conns *memConnections, plan string, maxConnections int) (*ConnectionLimiter, *MockPlanQuotaProvider) {
	quotas := new(MockPlanQuotaProvider)
	quotas.On("GetPlanQuota", mock.Anything, mock.Anything).
		Return(&integration.PlanQuota{Plan: plan, MaxConnections: maxConnections}, nil)
	return NewConnectionLimiter(conns, quotas, WithUpgradeURL("https://example.com/upgrade")), quotas
}

func TestConnectionLimiter_TryReserveSlot(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("allows a new platform below the limit", func(t *testing.T) {
		conns := newMemConnections()
		conns.put(activeConnection(t, userID, integration.PlatformX, ""))
		limiter, _ := newTestLimiter(conns, "starter", 2)

		decision, err := limiter.TryReserveSlot(ctx, userID, integration.PlatformShopify)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.False(t, decision.Renewal)
		assert.Equal(t, int64(1), decision.Current)
	})

	t.Run("denies a new platform at the limit", func(t *testing.T) {
		conns := newMemConnections()
		conns.put(activeConnection(t, userID, integration.PlatformX, ""))
		conns.put(activeConnection(t, userID, integration.PlatformFacebook, "page-1"))
		limiter, _ := newTestLimiter(conns, "starter", 2)

		decision, err := limiter.TryReserveSlot(ctx, userID, integration.PlatformQuickBooks)
		require.Error(t, err)
		assert.True(t, errors.Is(err, integration.ErrQuotaExceeded))
		assert.False(t, decision.Allowed)

		var quotaErr *integration.QuotaExceededError
		require.ErrorAs(t, err, &quotaErr)
		assert.Equal(t, 2, quotaErr.Limit)
		assert.Equal(t, int64(2), quotaErr.Current)
		assert.Equal(t, "https://example.com/upgrade", quotaErr.UpgradeURL)
	})

	t.Run("renewal at the limit is allowed", func(t *testing.T) {
		conns := newMemConnections()
		conns.put(activeConnection(t, userID, integration.PlatformX, ""))
		conns.put(activeConnection(t, userID, integration.PlatformFacebook, "page-1"))
		limiter, _ := newTestLimiter(conns, "starter", 2)

		decision, err := limiter.TryReserveSlot(ctx, userID, integration.PlatformX)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.True(t, decision.Renewal)
	})

	t.Run("a second sub-resource shares the platform slot", func(t *testing.T) {
		conns := newMemConnections()
		conns.put(activeConnection(t, userID, integration.PlatformFacebook, "page-1"))
		limiter, _ := newTestLimiter(conns, "free", 1)

		decision, err := limiter.TryReserveSlot(ctx, userID, integration.PlatformFacebook)
		require.NoError(t, err)
		assert.True(t, decision.Renewal)
	})

	t.Run("inactive connections do not hold a slot", func(t *testing.T) {
		conns := newMemConnections()
		old := activeConnection(t, userID, integration.PlatformX, "")
		old.Deactivate(integration.DeactivationUserDisconnect)
		conns.put(old)
		limiter, _ := newTestLimiter(conns, "free", 1)

		decision, err := limiter.TryReserveSlot(ctx, userID, integration.PlatformShopify)
		require.NoError(t, err)
		assert.False(t, decision.Renewal)
		assert.Equal(t, int64(0), decision.Current)
	})

	t.Run("unlimited plan", func(t *testing.T) {
		conns := newMemConnections()
		conns.put(activeConnection(t, userID, integration.PlatformX, ""))
		limiter, _ := newTestLimiter(conns, "enterprise", integration.UnlimitedConnections)

		decision, err := limiter.TryReserveSlot(ctx, userID, integration.PlatformShopify)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("platforms outside the counted set are not limited", func(t *testing.T) {
		conns := newMemConnections()
		conns.put(activeConnection(t, userID, integration.PlatformX, ""))
		quotas := new(MockPlanQuotaProvider)
		quotas.On("GetPlanQuota", mock.Anything, userID).
			Return(&integration.PlanQuota{Plan: "free", MaxConnections: 1}, nil)
		limiter := NewConnectionLimiter(conns, quotas, WithQuotaPlatforms(integration.PlatformX, integration.PlatformFacebook))

		decision, err := limiter.TryReserveSlot(ctx, userID, integration.PlatformQuickBooks)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("billing failure", func(t *testing.T) {
		quotas := new(MockPlanQuotaProvider)
		quotas.On("GetPlanQuota", mock.Anything, userID).Return(nil, errors.New("billing down"))
		limiter := NewConnectionLimiter(newMemConnections(), quotas)

		_, err := limiter.TryReserveSlot(ctx, userID, integration.PlatformX)
		assert.ErrorIs(t, err, integration.ErrPlanQuotaUnavailable)
	})
}

func TestConnectionLimiter_Usage(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	conns := newMemConnections()
	conns.put(activeConnection(t, userID, integration.PlatformFacebook, "page-1"))
	conns.put(activeConnection(t, userID, integration.PlatformFacebook, "page-2"))
	conns.put(activeConnection(t, userID, integration.PlatformGoogleAnalytics, "properties/1"))
	limiter, _ := newTestLimiter(conns, "pro", 5)

	usage, err := limiter.Usage(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "pro", usage.Plan)
	assert.Equal(t, int64(2), usage.ActivePlatforms)
	assert.Equal(t, int64(3), usage.Remaining)
	assert.False(t, usage.Unlimited)

	unlimited, _ := newTestLimiter(conns, "enterprise", integration.UnlimitedConnections)
	usage, err = unlimited.Usage(ctx, userID)
	require.NoError(t, err)
	assert.True(t, usage.Unlimited)
	assert.Equal(t, int64(-1), usage.Remaining)
}

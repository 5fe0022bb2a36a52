package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine   *SyncEngine
	conns    *memConnections
	records  *memRecords
	attempts *memAttempts
	adapter  *MockPlatformAdapter
	provider *MockOAuthProvider
	key      integration.ConnectionKey
}

func newEngineFixture(t *testing.T, platform integration.Platform, subResource string, cfg SyncEngineConfig) *engineFixture {
	t.Helper()
	f := &engineFixture{
		conns:    newMemConnections(),
		records:  newMemRecords(),
		attempts: &memAttempts{},
		adapter:  &MockPlatformAdapter{platform: platform},
		provider: &MockOAuthProvider{platform: platform},
		key:      integration.ConnectionKey{UserID: uuid.New(), Platform: platform, SubResource: subResource},
	}
	f.conns.put(activeConnection(t, f.key.UserID, platform, subResource))
	f.engine = NewSyncEngine(SyncEngineDeps{
		Connections: f.conns,
		Attempts:    f.attempts,
		TxScope:     NewNoOpTransactionScope(f.conns, f.records, f.attempts),
		Adapters:    adapterRegistry{platform: f.adapter},
		Refreshers:  providerRegistry{platform: f.provider},
		Vault:       fakeVault{},
		Config:      cfg,
	})
	return f
}

func (f *engineFixture) request(trigger integration.SyncTrigger) SyncRequest {
	return SyncRequest{UserID: f.key.UserID, Platform: f.key.Platform, SubResource: f.key.SubResource, Trigger: trigger}
}

func remoteRecords(prefix string, n int) []integration.RemoteRecord {
	out := make([]integration.RemoteRecord, n)
	for i := range out {
		out[i] = integration.RemoteRecord{
			NativeID: fmt.Sprintf("%s-%d", prefix, i),
			Title:    "post",
			Metrics:  map[string]int64{"likes": int64(i)},
		}
	}
	return out
}

func withToken(token, cursor string) any {
	return mock.MatchedBy(func(req integration.FetchRequest) bool {
		return req.Credentials.AccessToken == token && req.Cursor == cursor
	})
}

func adapterErr(platform integration.Platform, kind integration.ErrorKind) error {
	return integration.NewAdapterError(platform, kind, errors.New(string(kind)))
}

func TestSyncEngine_Success(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
	f.adapter.On("FetchRecords", mock.Anything, withToken("access", "")).
		Return(&integration.FetchResult{Records: remoteRecords("a", 3), NextCursor: "c2"}, nil).Once()
	f.adapter.On("FetchRecords", mock.Anything, withToken("access", "c2")).
		Return(&integration.FetchResult{Records: remoteRecords("b", 2)}, nil).Once()

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
	require.NoError(t, err)
	assert.Equal(t, integration.SyncOutcomeSuccess, result.Outcome)
	assert.Equal(t, 5, result.RecordsCommitted)
	assert.Equal(t, 2, result.PagesCommitted)
	assert.False(t, result.TokenRefreshed)

	n, _ := f.records.CountByUserPlatform(context.Background(), f.key.UserID, integration.PlatformX)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, []integration.SyncOutcome{
		integration.SyncOutcomePageCommitted,
		integration.SyncOutcomePageCommitted,
		integration.SyncOutcomeSuccess,
	}, f.attempts.outcomes())
	f.adapter.AssertExpectations(t)
}

func TestSyncEngine_IdempotentResync(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
	first := []integration.RemoteRecord{{NativeID: "1790000000000000001", Metrics: map[string]int64{"likes": 1}}}
	second := []integration.RemoteRecord{{NativeID: "1790000000000000001", Metrics: map[string]int64{"likes": 7}}}
	f.adapter.On("FetchRecords", mock.Anything, mock.Anything).Return(&integration.FetchResult{Records: first}, nil).Once()
	f.adapter.On("FetchRecords", mock.Anything, mock.Anything).Return(&integration.FetchResult{Records: second}, nil).Once()

	ctx := context.Background()
	_, err := f.engine.TriggerSync(ctx, f.request(integration.SyncTriggerScheduled))
	require.NoError(t, err)
	_, err = f.engine.TriggerSync(ctx, f.request(integration.SyncTriggerScheduled))
	require.NoError(t, err)

	n, _ := f.records.CountByUserPlatform(ctx, f.key.UserID, integration.PlatformX)
	assert.Equal(t, int64(1), n)
	rec, err := f.records.FindByNativeID(ctx, f.key.UserID, integration.PlatformX, "1790000000000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.Metrics["likes"])
}

func TestSyncEngine_RefreshThenRetry(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
	f.adapter.On("FetchRecords", mock.Anything, withToken("access", "")).
		Return(nil, adapterErr(integration.PlatformX, integration.ErrorKindAuthExpired)).Once()
	f.provider.On("Refresh", mock.Anything, "refresh").
		Return(&integration.TokenSet{AccessToken: "access-2", RefreshToken: "refresh-2", ExpiresIn: time.Hour}, nil).Once()
	f.adapter.On("FetchRecords", mock.Anything, withToken("access-2", "")).
		Return(&integration.FetchResult{Records: remoteRecords("r", 2)}, nil).Once()

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerManual))
	require.NoError(t, err)
	assert.Equal(t, integration.SyncOutcomeSuccess, result.Outcome)
	assert.True(t, result.TokenRefreshed)
	assert.Equal(t, 2, result.RecordsCommitted)

	stored := f.conns.get(f.key)
	assert.Equal(t, "sealed:access-2", stored.AccessTokenCipher)
	assert.Equal(t, "sealed:refresh-2", stored.RefreshTokenCipher)
	assert.NotNil(t, stored.LastRefreshedAt)
	assert.True(t, stored.IsActive)
	f.adapter.AssertExpectations(t)
	f.provider.AssertExpectations(t)
}

func TestSyncEngine_RefreshPersistedBeforeRetry(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
	f.adapter.On("FetchRecords", mock.Anything, withToken("access", "")).
		Return(nil, adapterErr(integration.PlatformX, integration.ErrorKindAuthExpired)).Once()
	f.provider.On("Refresh", mock.Anything, "refresh").
		Return(&integration.TokenSet{AccessToken: "access-2"}, nil).Once()
	f.adapter.On("FetchRecords", mock.Anything, withToken("access-2", "")).
		Run(func(mock.Arguments) {
			assert.Equal(t, "sealed:access-2", f.conns.get(f.key).AccessTokenCipher)
		}).
		Return(nil, adapterErr(integration.PlatformX, integration.ErrorKindRemoteUnavailable)).Once()

	_, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
	assert.ErrorIs(t, err, integration.ErrRetryable)

	stored := f.conns.get(f.key)
	assert.Equal(t, "sealed:access-2", stored.AccessTokenCipher)
	assert.Equal(t, "sealed:refresh", stored.RefreshTokenCipher, "an unrotated refresh token is kept")
}

func TestSyncEngine_RefreshDoesNotUndoDisconnect(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
	f.adapter.On("FetchRecords", mock.Anything, withToken("access", "")).
		Run(func(mock.Arguments) {
			require.NoError(t, f.conns.Deactivate(context.Background(), f.key, integration.DeactivationUserDisconnect))
		}).
		Return(nil, adapterErr(integration.PlatformX, integration.ErrorKindAuthExpired)).Once()
	f.provider.On("Refresh", mock.Anything, "refresh").
		Return(&integration.TokenSet{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil).Once()

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))

	assert.ErrorIs(t, err, integration.ErrNotConnected)
	assert.Equal(t, integration.SyncOutcomeNotConnected, result.Outcome)
	stored := f.conns.get(f.key)
	assert.False(t, stored.IsActive)
	assert.Equal(t, integration.DeactivationUserDisconnect, stored.DeactivationReason)
	assert.Equal(t, "sealed:access", stored.AccessTokenCipher)
	f.adapter.AssertNumberOfCalls(t, "FetchRecords", 1)
}

func TestSyncEngine_SecondAuthExpiredRequiresReauthorization(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
	f.adapter.On("FetchRecords", mock.Anything, mock.Anything).
		Return(nil, adapterErr(integration.PlatformX, integration.ErrorKindAuthExpired)).Twice()
	f.provider.On("Refresh", mock.Anything, "refresh").
		Return(&integration.TokenSet{AccessToken: "access-2"}, nil).Once()

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerManual))
	require.Error(t, err)
	var reauth *integration.ReauthorizationError
	require.ErrorAs(t, err, &reauth)
	assert.False(t, reauth.Revoked)
	assert.Equal(t, integration.SyncOutcomeReauthRequired, result.Outcome)
	assert.True(t, f.conns.get(f.key).IsActive)
	f.provider.AssertNumberOfCalls(t, "Refresh", 1)
	f.adapter.AssertNumberOfCalls(t, "FetchRecords", 2)
}

func TestSyncEngine_OneRefreshPerInvocation(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
	f.adapter.On("FetchRecords", mock.Anything, withToken("access", "")).
		Return(nil, adapterErr(integration.PlatformX, integration.ErrorKindAuthExpired)).Once()
	f.provider.On("Refresh", mock.Anything, "refresh").
		Return(&integration.TokenSet{AccessToken: "access-2"}, nil).Once()
	f.adapter.On("FetchRecords", mock.Anything, withToken("access-2", "")).
		Return(&integration.FetchResult{Records: remoteRecords("p1", 4), NextCursor: "c2"}, nil).Once()
	f.adapter.On("FetchRecords", mock.Anything, withToken("access-2", "c2")).
		Return(nil, adapterErr(integration.PlatformX, integration.ErrorKindAuthExpired)).Once()

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
	assert.ErrorIs(t, err, integration.ErrReauthorizationRequired)
	assert.Equal(t, 4, result.RecordsCommitted)
	f.provider.AssertNumberOfCalls(t, "Refresh", 1)
}

func TestSyncEngine_RevokedGrantDeactivates(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformGoogleAnalytics, "properties/1", SyncEngineConfig{})
	f.adapter.On("FetchRecords", mock.Anything, mock.Anything).
		Return(nil, adapterErr(integration.PlatformGoogleAnalytics, integration.ErrorKindAuthExpired)).Once()
	f.provider.On("Refresh", mock.Anything, "refresh").Return(nil, &integration.RefreshError{
		Platform:  integration.PlatformGoogleAnalytics,
		Permanent: true,
		Code:      "invalid_grant",
		Err:       errors.New("Token has been expired or revoked."),
	}).Once()

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
	var reauth *integration.ReauthorizationError
	require.ErrorAs(t, err, &reauth)
	assert.True(t, reauth.Revoked)
	assert.Equal(t, integration.SyncOutcomeReauthRequired, result.Outcome)

	stored := f.conns.get(f.key)
	assert.False(t, stored.IsActive)
	assert.Equal(t, integration.DeactivationTokenRevoked, stored.DeactivationReason)
}

func TestSyncEngine_TransientRefreshFailureKeepsConnection(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
	f.adapter.On("FetchRecords", mock.Anything, mock.Anything).
		Return(nil, adapterErr(integration.PlatformX, integration.ErrorKindAuthExpired)).Once()
	f.provider.On("Refresh", mock.Anything, "refresh").
		Return(nil, &integration.RefreshError{Platform: integration.PlatformX, Err: errors.New("503 Service Unavailable")}).Once()

	_, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
	assert.ErrorIs(t, err, integration.ErrReauthorizationRequired)
	assert.True(t, f.conns.get(f.key).IsActive)
}

func TestSyncEngine_NoRefreshToken(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformShopify, "demo.myshopify.com", SyncEngineConfig{})
	conn := f.conns.get(f.key)
	conn.RefreshTokenCipher = ""
	f.conns.put(conn)
	f.adapter.On("FetchRecords", mock.Anything, mock.Anything).
		Return(nil, adapterErr(integration.PlatformShopify, integration.ErrorKindAuthExpired)).Once()

	_, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
	assert.ErrorIs(t, err, integration.ErrReauthorizationRequired)
	assert.ErrorIs(t, err, integration.ErrRefreshTokenMissing)
	f.provider.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
	assert.True(t, f.conns.get(f.key).IsActive)
}

func TestSyncEngine_ScopeInsufficientIsLimitedMode(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformFacebook, "page-1", SyncEngineConfig{})
	f.adapter.On("FetchRecords", mock.Anything, mock.Anything).
		Return(nil, adapterErr(integration.PlatformFacebook, integration.ErrorKindScopeInsufficient)).Once()

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerManual))
	require.NoError(t, err)
	assert.Equal(t, integration.SyncOutcomeLimitedMode, result.Outcome)
	assert.True(t, result.Outcome.IsSoftSuccess())
	assert.True(t, f.conns.get(f.key).IsActive)
	assert.Equal(t, []integration.SyncOutcome{integration.SyncOutcomeLimitedMode}, f.attempts.outcomes())
}

func TestSyncEngine_RateLimitedIsRetryable(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
	limited := &integration.AdapterError{
		Platform:   integration.PlatformX,
		Kind:       integration.ErrorKindRateLimited,
		StatusCode: 429,
		RetryAfter: 90 * time.Second,
	}
	f.adapter.On("FetchRecords", mock.Anything, mock.Anything).Return(nil, limited).Once()

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
	var retryErr *integration.RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 90*time.Second, retryErr.RetryAfter)
	assert.Equal(t, integration.SyncOutcomeRetryable, result.Outcome)
	assert.Equal(t, 90*time.Second, result.RetryAfter)
	assert.True(t, f.conns.get(f.key).IsActive)
}

func TestSyncEngine_PartialFailureKeepsCommittedPages(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformShopify, "demo.myshopify.com", SyncEngineConfig{})
	f.records.failOnCall = 2
	f.adapter.On("FetchRecords", mock.Anything, withToken("access", "")).
		Return(&integration.FetchResult{Records: remoteRecords("o", 10), NextCursor: "page2"}, nil).Once()
	f.adapter.On("FetchRecords", mock.Anything, withToken("access", "page2")).
		Return(&integration.FetchResult{Records: remoteRecords("p", 10)}, nil).Once()

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
	var partial *integration.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 10, partial.Committed)
	assert.Equal(t, integration.SyncOutcomePartialFailure, result.Outcome)
	assert.Equal(t, 10, result.RecordsCommitted)

	n, _ := f.records.CountByUserPlatform(context.Background(), f.key.UserID, integration.PlatformShopify)
	assert.Equal(t, int64(10), n)
}

func TestSyncEngine_MalformedResponse(t *testing.T) {
	t.Run("first page fails the run", func(t *testing.T) {
		f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
		f.adapter.On("FetchRecords", mock.Anything, mock.Anything).
			Return(nil, adapterErr(integration.PlatformX, integration.ErrorKindMalformedResponse)).Once()

		result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
		assert.ErrorIs(t, err, integration.ErrSyncFailed)
		assert.Equal(t, integration.SyncOutcomeFailed, result.Outcome)
	})

	t.Run("later page reports partial failure", func(t *testing.T) {
		f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
		f.adapter.On("FetchRecords", mock.Anything, withToken("access", "")).
			Return(&integration.FetchResult{Records: remoteRecords("a", 2), NextCursor: "c2"}, nil).Once()
		f.adapter.On("FetchRecords", mock.Anything, withToken("access", "c2")).
			Return(&integration.FetchResult{Records: []integration.RemoteRecord{{NativeID: ""}}}, nil).Once()

		result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
		var partial *integration.PartialFailureError
		require.ErrorAs(t, err, &partial)
		assert.Equal(t, 2, partial.Committed)
		assert.ErrorIs(t, err, integration.ErrInvalidNativeID)
		assert.Equal(t, integration.SyncOutcomePartialFailure, result.Outcome)
	})
}

func TestSyncEngine_DecryptionFailureDeactivates(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
	conn := f.conns.get(f.key)
	conn.AccessTokenCipher = "k0:c29tZXRoaW5nIGVsc2U="
	f.conns.put(conn)

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerManual))
	var reauth *integration.ReauthorizationError
	require.ErrorAs(t, err, &reauth)
	assert.True(t, reauth.Revoked)
	assert.ErrorIs(t, err, integration.ErrDecryption)
	assert.Equal(t, integration.SyncOutcomeReauthRequired, result.Outcome)

	stored := f.conns.get(f.key)
	assert.False(t, stored.IsActive)
	assert.Equal(t, integration.DeactivationDecryptionFailed, stored.DeactivationReason)
	f.adapter.AssertNotCalled(t, "FetchRecords", mock.Anything, mock.Anything)
}

func TestSyncEngine_NotConnected(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})
	require.NoError(t, f.conns.Deactivate(context.Background(), f.key, integration.DeactivationUserDisconnect))

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
	assert.ErrorIs(t, err, integration.ErrNotConnected)
	assert.Equal(t, integration.SyncOutcomeNotConnected, result.Outcome)
	assert.Equal(t, []integration.SyncOutcome{integration.SyncOutcomeNotConnected}, f.attempts.outcomes())
}

func TestSyncEngine_MaxPages(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{MaxPages: 2})
	f.adapter.On("FetchRecords", mock.Anything, withToken("access", "")).
		Return(&integration.FetchResult{Records: remoteRecords("a", 1), NextCursor: "c2"}, nil).Once()
	f.adapter.On("FetchRecords", mock.Anything, withToken("access", "c2")).
		Return(&integration.FetchResult{Records: remoteRecords("b", 1), NextCursor: "c3"}, nil).Once()

	result, err := f.engine.TriggerSync(context.Background(), f.request(integration.SyncTriggerScheduled))
	require.NoError(t, err)
	assert.Equal(t, integration.SyncOutcomeSuccess, result.Outcome)
	assert.Equal(t, 2, result.PagesCommitted)
	assert.Equal(t, "c3", result.NextCursor)
	assert.Contains(t, result.Detail, "c3")
	f.adapter.AssertNumberOfCalls(t, "FetchRecords", 2)
}

func TestSyncEngine_ManualCooldown(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{ManualCooldown: time.Minute})
	f.adapter.On("FetchRecords", mock.Anything, mock.Anything).
		Return(&integration.FetchResult{Records: remoteRecords("a", 1)}, nil)

	ctx := context.Background()
	_, err := f.engine.TriggerSync(ctx, f.request(integration.SyncTriggerManual))
	require.NoError(t, err)

	result, err := f.engine.TriggerSync(ctx, f.request(integration.SyncTriggerManual))
	var retryErr *integration.RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Greater(t, retryErr.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryErr.RetryAfter, time.Minute)
	assert.Equal(t, integration.SyncOutcomeRetryable, result.Outcome)

	// scheduled runs ignore the manual throttle
	_, err = f.engine.TriggerSync(ctx, f.request(integration.SyncTriggerScheduled))
	require.NoError(t, err)
	f.adapter.AssertNumberOfCalls(t, "FetchRecords", 2)
}

func TestSyncEngine_ResolvesSingleSubResource(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformQuickBooks, "9130354", SyncEngineConfig{})
	f.adapter.On("FetchRecords", mock.Anything, mock.MatchedBy(func(req integration.FetchRequest) bool {
		return req.Credentials.SubResource == "9130354"
	})).Return(&integration.FetchResult{}, nil).Once()

	req := f.request(integration.SyncTriggerManual)
	req.SubResource = ""
	result, err := f.engine.TriggerSync(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "9130354", result.SubResource)

	f.conns.put(activeConnection(t, f.key.UserID, integration.PlatformQuickBooks, "4620816365"))
	_, err = f.engine.TriggerSync(context.Background(), req)
	assert.ErrorIs(t, err, integration.ErrSubResourceRequired)
}

func TestSyncEngine_InvalidRequest(t *testing.T) {
	f := newEngineFixture(t, integration.PlatformX, "", SyncEngineConfig{})

	result, err := f.engine.TriggerSync(context.Background(), SyncRequest{Platform: integration.PlatformX})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, integration.ErrInvalidUserID)

	result, err = f.engine.TriggerSync(context.Background(), SyncRequest{UserID: f.key.UserID, Platform: "tiktok"})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, integration.ErrInvalidPlatform)
}

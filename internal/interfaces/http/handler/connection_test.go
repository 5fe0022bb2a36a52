package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	appintegration "github.com/erp/platformsync/internal/application/integration"
	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/erp/platformsync/internal/interfaces/http/dto"
	"github.com/erp/platformsync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	conns  *MockConnectionUseCase
	syncs  *MockSyncUseCase
	userID uuid.UUID
}

// newTestEnv mounts the handler behind a stand-in for JWT that authenticates
// every request carrying X-Test-User.
func newTestEnv(t *testing.T, opts ...ConnectionHandlerOption) *testEnv {
	t.Helper()
	require.NoError(t, middleware.SetupValidator())

	env := &testEnv{
		conns:  new(MockConnectionUseCase),
		syncs:  new(MockSyncUseCase),
		userID: uuid.New(),
	}
	t.Cleanup(func() {
		env.conns.AssertExpectations(t)
		env.syncs.AssertExpectations(t)
	})

	router := gin.New()
	router.Use(middleware.RequestID(), func(c *gin.Context) {
		if c.GetHeader("X-Test-User") != "" {
			c.Set(middleware.JWTUserIDKey, env.userID)
		}
	})
	NewConnectionHandler(env.conns, env.syncs, opts...).RegisterRoutes(router.Group("/api/v1"))
	env.router = router
	return env
}

func (e *testEnv) do(method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-Test-User", "1")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error, rec.Body.String())
	return resp.Error.Code
}

func TestListConnections(t *testing.T) {
	env := newTestEnv(t)
	conns := []appintegration.ConnectionResponse{
		{ID: uuid.New(), Platform: integration.PlatformX, PlatformName: "X", IsActive: true},
	}
	env.conns.On("ListConnections", mock.Anything, env.userID).Return(conns, nil)

	rec := env.do(http.MethodGet, "/api/v1/connections", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["data"], 1)
	assert.NotContains(t, rec.Body.String(), "token")
}

func TestRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plan/quota", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, dto.ErrCodeUnauthorized, errorCode(t, rec))
}

func TestAuthorize(t *testing.T) {
	t.Run("returns the authorization URL", func(t *testing.T) {
		env := newTestEnv(t)
		expires := time.Now().Add(10 * time.Minute).UTC()
		env.conns.On("InitiateConnection", mock.Anything, appintegration.InitiateConnectionInput{
			UserID:      env.userID,
			Platform:    integration.PlatformFacebook,
			SubResource: "page-1",
		}).Return(&appintegration.AuthorizationResponse{
			Platform:         integration.PlatformFacebook,
			AuthorizationURL: "https://facebook.example/dialog/oauth?state=s",
			ExpiresAt:        expires,
		}, nil)

		rec := env.do(http.MethodPost, "/api/v1/connections/facebook/authorize", strings.NewReader(`{"sub_resource":"page-1"}`))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		data := decode(t, rec)["data"].(map[string]any)
		assert.Equal(t, "https://facebook.example/dialog/oauth?state=s", data["authorization_url"])
	})

	t.Run("body is optional", func(t *testing.T) {
		env := newTestEnv(t)
		env.conns.On("InitiateConnection", mock.Anything, mock.MatchedBy(func(in appintegration.InitiateConnectionInput) bool {
			return in.Platform == integration.PlatformX && in.SubResource == ""
		})).Return(&appintegration.AuthorizationResponse{Platform: integration.PlatformX}, nil)

		rec := env.do(http.MethodPost, "/api/v1/connections/x/authorize", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown platform", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(http.MethodPost, "/api/v1/connections/myspace/authorize", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, dto.ErrCodeInvalidPlatform, errorCode(t, rec))
	})

	t.Run("malformed body", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(http.MethodPost, "/api/v1/connections/x/authorize", strings.NewReader(`{"sub_resource":`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, dto.ErrCodeValidation, errorCode(t, rec))
	})

	t.Run("quota exceeded carries the upgrade URL", func(t *testing.T) {
		env := newTestEnv(t)
		env.conns.On("InitiateConnection", mock.Anything, mock.Anything).Return(nil, &integration.QuotaExceededError{
			Platform:   integration.PlatformShopify,
			Current:    1,
			Limit:      1,
			Plan:       "free",
			UpgradeURL: "https://billing.example/upgrade",
		})

		rec := env.do(http.MethodPost, "/api/v1/connections/shopify/authorize", strings.NewReader(`{"sub_resource":"demo.myshopify.com"}`))

		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		var resp dto.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, dto.ErrCodeQuotaExceeded, resp.Error.Code)
		assert.Equal(t, "https://billing.example/upgrade", resp.Error.UpgradeURL)
		assert.Equal(t, "shopify", resp.Error.Platform)
	})
}

func TestCallback(t *testing.T) {
	t.Run("connects with the realm from the redirect", func(t *testing.T) {
		env := newTestEnv(t)
		env.conns.On("HandleCallback", mock.Anything, appintegration.CallbackInput{
			UserID:      env.userID,
			Platform:    integration.PlatformQuickBooks,
			Code:        "auth-code",
			State:       "signed-state",
			SubResource: "9130354",
		}).Return(&appintegration.ConnectionResponse{Platform: integration.PlatformQuickBooks, SubResource: "9130354", IsActive: true}, nil)

		rec := env.do(http.MethodGet, "/api/v1/connections/quickbooks/callback?code=auth-code&state=signed-state&realmId=9130354", nil)

		assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})

	t.Run("declined consent", func(t *testing.T) {
		env := newTestEnv(t)
		env.conns.On("HandleCallback", mock.Anything, mock.MatchedBy(func(in appintegration.CallbackInput) bool {
			return in.Error == "access_denied" && in.Code == ""
		})).Return(nil, fmt.Errorf("%w: platform returned %q", integration.ErrTokenExchangeFailed, "access_denied"))

		rec := env.do(http.MethodGet, "/api/v1/connections/x/callback?error=access_denied&state=s", nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, dto.ErrCodeAuthorizationDenied, errorCode(t, rec))
	})

	t.Run("state mismatch", func(t *testing.T) {
		env := newTestEnv(t)
		env.conns.On("HandleCallback", mock.Anything, mock.Anything).Return(nil, integration.ErrStateMismatch)

		rec := env.do(http.MethodGet, "/api/v1/connections/x/callback?code=c&state=forged", nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, dto.ErrCodeStateMismatch, errorCode(t, rec))
	})

	t.Run("exchange failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.conns.On("HandleCallback", mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("%w: invalid_client", integration.ErrTokenExchangeFailed))

		rec := env.do(http.MethodGet, "/api/v1/connections/x/callback?code=c&state=s", nil)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, dto.ErrCodeUpstreamUnavailable, errorCode(t, rec))
	})
}

func TestTriggerSync(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env := newTestEnv(t)
		env.syncs.On("TriggerSync", mock.Anything, appintegration.SyncRequest{
			UserID:   env.userID,
			Platform: integration.PlatformGoogleAnalytics,
			Trigger:  integration.SyncTriggerManual,
		}).Return(&appintegration.SyncResult{Outcome: integration.SyncOutcomeSuccess, RecordsCommitted: 42}, nil)

		rec := env.do(http.MethodPost, "/api/v1/connections/google_analytics/sync", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec)["data"].(map[string]any)
		assert.Equal(t, "SUCCESS", data["outcome"])
		assert.Equal(t, float64(42), data["records_committed"])
	})

	t.Run("cooldown sets Retry-After", func(t *testing.T) {
		env := newTestEnv(t)
		env.syncs.On("TriggerSync", mock.Anything, mock.Anything).Return(
			&appintegration.SyncResult{Outcome: integration.SyncOutcomeRetryable},
			&integration.RetryableError{Platform: integration.PlatformX, RetryAfter: 1500 * time.Millisecond},
		)

		rec := env.do(http.MethodPost, "/api/v1/connections/x/sync", nil)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("Retry-After"))
		var resp dto.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, dto.ErrCodeRetryLater, resp.Error.Code)
		assert.Equal(t, 2, resp.Error.RetryAfterSeconds)
		assert.NotNil(t, resp.Data)
	})

	t.Run("partial failure reports committed work", func(t *testing.T) {
		env := newTestEnv(t)
		env.syncs.On("TriggerSync", mock.Anything, mock.Anything).Return(
			&appintegration.SyncResult{Outcome: integration.SyncOutcomePartialFailure, RecordsCommitted: 200, PagesCommitted: 2},
			&integration.PartialFailureError{Platform: integration.PlatformShopify, Committed: 200, Cause: errors.New("page 3: 500")},
		)

		rec := env.do(http.MethodPost, "/api/v1/connections/shopify/sync", strings.NewReader(`{"sub_resource":"demo.myshopify.com"}`))

		assert.Equal(t, http.StatusMultiStatus, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, float64(200), body["data"].(map[string]any)["records_committed"])
	})

	t.Run("reauthorization required", func(t *testing.T) {
		env := newTestEnv(t)
		env.syncs.On("TriggerSync", mock.Anything, mock.Anything).Return(
			&appintegration.SyncResult{Outcome: integration.SyncOutcomeReauthRequired},
			&integration.ReauthorizationError{Platform: integration.PlatformFacebook, Revoked: true},
		)

		rec := env.do(http.MethodPost, "/api/v1/connections/facebook/sync", nil)

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, dto.ErrCodeReauthRequired, errorCode(t, rec))
	})

	t.Run("not connected", func(t *testing.T) {
		env := newTestEnv(t)
		env.syncs.On("TriggerSync", mock.Anything, mock.Anything).Return(nil, integration.ErrNotConnected)

		rec := env.do(http.MethodPost, "/api/v1/connections/x/sync", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, dto.ErrCodeNotConnected, errorCode(t, rec))
	})

	t.Run("unexpected error hides detail", func(t *testing.T) {
		env := newTestEnv(t)
		env.syncs.On("TriggerSync", mock.Anything, mock.Anything).Return(nil, errors.New("pq: connection refused"))

		rec := env.do(http.MethodPost, "/api/v1/connections/x/sync", nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, dto.ErrCodeInternal, errorCode(t, rec))
		assert.NotContains(t, rec.Body.String(), "pq:")
	})
}

func TestDisconnectAndErase(t *testing.T) {
	env := newTestEnv(t)
	env.conns.On("Disconnect", mock.Anything, env.userID, integration.PlatformFacebook, "page-1").Return(nil)
	env.conns.On("EraseConnection", mock.Anything, env.userID, integration.PlatformX, "").
		Return(&appintegration.ErasureResult{Platform: integration.PlatformX, ConnectionsDeleted: 1, RecordsDeleted: 120}, nil)

	rec := env.do(http.MethodDelete, "/api/v1/connections/facebook?sub_resource=page-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodDelete, "/api/v1/connections/x/data", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, float64(120), data["records_deleted"])
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	rows := []appintegration.SyncAttemptResponse{
		{ID: uuid.New(), Outcome: integration.SyncOutcomeSuccess, Trigger: integration.SyncTriggerScheduled},
		{ID: uuid.New(), Outcome: integration.SyncOutcomePageCommitted, PageIndex: 0, RecordCount: 100},
	}
	env.conns.On("GetSyncHistory", mock.Anything, env.userID, integration.PlatformX, defaultHistoryLimit).Return(rows, nil)
	env.conns.On("GetSyncHistory", mock.Anything, env.userID, integration.PlatformX, 5).Return(rows[:1], nil)

	rec := env.do(http.MethodGet, "/api/v1/connections/x/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	meta := decode(t, rec)["meta"].(map[string]any)
	assert.Equal(t, float64(2), meta["total"])

	rec = env.do(http.MethodGet, "/api/v1/connections/x/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/connections/x/history?limit=0", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "zero means default")

	rec = env.do(http.MethodGet, "/api/v1/connections/x/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuota(t *testing.T) {
	env := newTestEnv(t)
	env.conns.On("QuotaUsage", mock.Anything, env.userID).Return(&appintegration.QuotaUsage{
		Plan:            "pro",
		MaxConnections:  5,
		ActivePlatforms: 2,
		Remaining:       3,
	}, nil)

	rec := env.do(http.MethodGet, "/api/v1/plan/quota", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "pro", data["plan"])
	assert.Equal(t, float64(3), data["remaining"])
}

func TestQuota_BillingUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.conns.On("QuotaUsage", mock.Anything, env.userID).
		Return(nil, fmt.Errorf("%w: timeout", integration.ErrPlanQuotaUnavailable))

	rec := env.do(http.MethodGet, "/api/v1/plan/quota", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, dto.ErrCodeUpstreamUnavailable, errorCode(t, rec))
}

func TestTriggerSync_RefusedWhileScheduledSyncRuns(t *testing.T) {
	scheduled := new(MockScheduledSyncs)
	env := newTestEnv(t, WithScheduledSyncs(scheduled))
	scheduled.On("InFlight", integration.ConnectionKey{UserID: env.userID, Platform: integration.PlatformX}).Return(true)

	rec := env.do(http.MethodPost, "/api/v1/connections/x/sync", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	env.syncs.AssertNotCalled(t, "TriggerSync", mock.Anything, mock.Anything)
	scheduled.AssertExpectations(t)
}

func TestScheduledJobs(t *testing.T) {
	t.Run("lists the caller's jobs", func(t *testing.T) {
		scheduled := new(MockScheduledSyncs)
		env := newTestEnv(t, WithScheduledSyncs(scheduled))
		scheduled.On("RecentJobs", env.userID, 5).Return([]appintegration.ScheduledSyncResponse{
			{JobID: uuid.New(), Platform: integration.PlatformShopify, Status: "SUCCESS", RecordsUpserted: 12},
		})

		rec := env.do(http.MethodGet, "/api/v1/sync/jobs?limit=5", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		jobs := body["data"].([]any)
		require.Len(t, jobs, 1)
		assert.Equal(t, "shopify", jobs[0].(map[string]any)["platform"])
		assert.Equal(t, float64(5), body["meta"].(map[string]any)["limit"])
		scheduled.AssertExpectations(t)
	})

	t.Run("empty without a scheduler", func(t *testing.T) {
		env := newTestEnv(t)

		rec := env.do(http.MethodGet, "/api/v1/sync/jobs", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode(t, rec)["data"])
	})
}

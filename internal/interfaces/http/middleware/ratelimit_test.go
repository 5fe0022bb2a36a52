package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Reserve(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 2; i >= 0; i-- {
		ok, remaining, _ := rl.Reserve("ip:1.2.3.4")
		require.True(t, ok)
		assert.Equal(t, i, remaining)
	}

	ok, _, wait := rl.Reserve("ip:1.2.3.4")
	assert.False(t, ok)
	assert.InDelta(t, 20*time.Second, wait, float64(time.Second), "one token refills every 20s")

	ok, _, _ = rl.Reserve("ip:5.6.7.8")
	assert.True(t, ok, "buckets are per caller")

	now = now.Add(20 * time.Second)
	ok, _, _ = rl.Reserve("ip:1.2.3.4")
	assert.True(t, ok, "refused requests do not consume tokens")
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Reserve("a")
	now = now.Add(90 * time.Second)
	rl.Reserve("b")
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, rl.Cleanup())
	assert.Len(t, rl.clients, 1)
	assert.Contains(t, rl.clients, "b")
}

func TestRateLimit_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	userID := uuid.New()

	router := gin.New()
	router.Use(RequestID(), func(c *gin.Context) {
		if c.GetHeader("X-Test-User") != "" {
			c.Set(JWTUserIDKey, userID)
		}
	}, RateLimit(rl))
	router.POST("/api/v1/connections/x/sync", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	send := func(asUser bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/connections/x/sync", nil)
		if asUser {
			req.Header.Set("X-Test-User", "1")
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	first := send(true)
	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := send(true)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	errInfo := decodeError(t, second)
	assert.Equal(t, "ERR_RATE_LIMITED", errInfo.Code)
	assert.Greater(t, errInfo.RetryAfterSeconds, 0)

	assert.Equal(t, http.StatusAccepted, send(false).Code, "anonymous callers are keyed by IP")
}

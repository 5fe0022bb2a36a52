//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisOAuthStateStore(t *testing.T) {
	client := startRedis(t)
	store := NewRedisOAuthStateStoreWithClient(client, "test:state:")
	ctx := context.Background()

	state := testState(integration.PlatformGoogleAnalytics)
	key := integration.OAuthStateKey(state.UserID, state.Platform)

	_, err := store.Get(ctx, key)
	assert.ErrorIs(t, err, integration.ErrOAuthStateNotFound)

	require.NoError(t, store.Save(ctx, key, state, time.Minute))
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, state.Value, got.Value)
	assert.Equal(t, state.UserID, got.UserID)
	assert.True(t, state.IssuedAt.Equal(got.IssuedAt))

	ttl, err := client.TTL(ctx, "test:state:"+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, integration.ErrOAuthStateNotFound)
}

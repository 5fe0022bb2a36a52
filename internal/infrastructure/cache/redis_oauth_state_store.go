package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const defaultStateKeyPrefix = "platformsync:oauth_state:"

// RedisOAuthStateStore keeps pending OAuth states in Redis so every instance
// behind the load balancer can complete a callback. Expiry is left to Redis.
type RedisOAuthStateStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisOAuthStateStore connects to Redis and verifies the connection
func NewRedisOAuthStateStore(cfg RedisConfig) (*RedisOAuthStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisOAuthStateStoreWithClient(client, ""), nil
}

// NewRedisOAuthStateStoreWithClient creates a store with an existing Redis client
func NewRedisOAuthStateStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisOAuthStateStore {
	if keyPrefix == "" {
		keyPrefix = defaultStateKeyPrefix
	}
	return &RedisOAuthStateStore{client: client, keyPrefix: keyPrefix}
}

// Save stores the state with ttl, replacing any pending state under key
func (s *RedisOAuthStateStore) Save(ctx context.Context, key string, state *integration.OAuthState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode oauth state: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save oauth state: %w", err)
	}
	return nil
}

// Get returns the pending state or integration.ErrOAuthStateNotFound
func (s *RedisOAuthStateStore) Get(ctx context.Context, key string) (*integration.OAuthState, error) {
	payload, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, integration.ErrOAuthStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth state: %w", err)
	}
	return decodeState(payload)
}

// Delete removes the state; a missing key is not an error
func (s *RedisOAuthStateStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete oauth state: %w", err)
	}
	return nil
}

// Ping reports whether Redis answers
func (s *RedisOAuthStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisOAuthStateStore) Close() error {
	return s.client.Close()
}

func decodeState(payload []byte) (*integration.OAuthState, error) {
	var state integration.OAuthState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("failed to decode oauth state: %w", err)
	}
	return &state, nil
}

var _ integration.OAuthStateStore = (*RedisOAuthStateStore)(nil)

package cache

import (
	"fmt"
	"io"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/erp/platformsync/internal/infrastructure/config"
	"go.uber.org/zap"
)

// StateStore is an OAuthStateStore that owns a connection or goroutine
type StateStore interface {
	integration.OAuthStateStore
	io.Closer
}

// OAuthStateStoreFactory creates the pending-state store selected by configuration
type OAuthStateStoreFactory struct {
	redisConfig           config.RedisConfig
	backend               string
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// OAuthStateStoreFactoryOption is a functional option for configuring the factory
type OAuthStateStoreFactoryOption func(*OAuthStateStoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) OAuthStateStoreFactoryOption {
	return func(f *OAuthStateStoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether an unreachable Redis degrades to the in-memory store
func WithInMemoryFallback(allow bool) OAuthStateStoreFactoryOption {
	return func(f *OAuthStateStoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewOAuthStateStoreFactory creates a new factory; backend is "redis" or "memory"
func NewOAuthStateStoreFactory(redisCfg config.RedisConfig, backend string, opts ...OAuthStateStoreFactoryOption) *OAuthStateStoreFactory {
	f := &OAuthStateStoreFactory{
		redisConfig: redisCfg,
		backend:     backend,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateStore returns the configured store
func (f *OAuthStateStoreFactory) CreateStore() (StateStore, error) {
	if f.backend == "memory" {
		f.logger.Warn("Using in-memory OAuth state store; callbacks must reach the instance that started the flow")
		return NewInMemoryOAuthStateStore(), nil
	}

	store, err := NewRedisOAuthStateStore(RedisConfig{
		Addr:     f.redisConfig.Addr(),
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	})
	if err == nil {
		f.logger.Info("Using Redis OAuth state store", zap.String("addr", f.redisConfig.Addr()))
		return store, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("redis required for oauth state but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory OAuth state store",
		zap.Error(err),
	)
	return NewInMemoryOAuthStateStore(), nil
}

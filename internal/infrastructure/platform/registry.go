package platform

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/erp/platformsync/internal/domain/integration"
)

// Registry holds the adapter and OAuth client of every configured platform.
// It implements integration.AdapterRegistry and integration.OAuthProviderRegistry.
type Registry struct {
	adapters  map[integration.Platform]integration.PlatformAdapter
	providers map[integration.Platform]integration.OAuthProvider
}

// NewRegistry validates configs and builds one adapter and one OAuth client per platform
func NewRegistry(configs []Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		adapters:  make(map[integration.Platform]integration.PlatformAdapter, len(configs)),
		providers: make(map[integration.Platform]integration.OAuthProvider, len(configs)),
	}
	for _, cfg := range configs {
		cfg = cfg.WithDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.adapters[cfg.Platform]; dup {
			return nil, fmt.Errorf("platform %s configured twice", cfg.Platform)
		}

		log := logger.With(zap.String("platform", string(cfg.Platform)))
		r.adapters[cfg.Platform] = newAdapter(cfg, log)
		r.providers[cfg.Platform] = NewOAuthClient(cfg, log)
	}
	return r, nil
}

func newAdapter(cfg Config, logger *zap.Logger) integration.PlatformAdapter {
	switch cfg.Platform {
	case integration.PlatformX:
		return NewXAdapter(cfg, logger)
	case integration.PlatformFacebook:
		return NewFacebookAdapter(cfg, logger)
	case integration.PlatformGoogleAnalytics:
		return NewGoogleAnalyticsAdapter(cfg, logger)
	case integration.PlatformShopify:
		return NewShopifyAdapter(cfg, logger)
	default:
		return NewQuickBooksAdapter(cfg, logger)
	}
}

// Adapter returns the adapter for p
func (r *Registry) Adapter(p integration.Platform) (integration.PlatformAdapter, error) {
	if !p.IsValid() {
		return nil, integration.ErrInvalidPlatform
	}
	a, ok := r.adapters[p]
	if !ok {
		return nil, integration.ErrPlatformNotConfigured
	}
	return a, nil
}

// Provider returns the OAuth client for p
func (r *Registry) Provider(p integration.Platform) (integration.OAuthProvider, error) {
	if !p.IsValid() {
		return nil, integration.ErrInvalidPlatform
	}
	c, ok := r.providers[p]
	if !ok {
		return nil, integration.ErrPlatformNotConfigured
	}
	return c, nil
}

// Platforms lists the configured platforms in display order
func (r *Registry) Platforms() []integration.Platform {
	out := make([]integration.Platform, 0, len(r.adapters))
	for _, p := range integration.AllPlatforms() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

var (
	_ integration.AdapterRegistry       = (*Registry)(nil)
	_ integration.OAuthProviderRegistry = (*Registry)(nil)
)

package integration

import (
	"context"
	"fmt"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SlotDecision is the result of a quota check for one platform
type SlotDecision struct {
	Allowed bool
	// Renewal is true when the platform already holds an active connection;
	// renewals never consume a new slot
	Renewal bool
	Plan    string
	Current int64
	Limit   int
}

// QuotaUsage summarizes a user's connection allowance
type QuotaUsage struct {
	Plan            string                 `json:"plan"`
	MaxConnections  int                    `json:"max_connections"`
	Unlimited       bool                   `json:"unlimited"`
	ActivePlatforms int64                  `json:"active_platforms"`
	Remaining       int64                  `json:"remaining"`
	Platforms       []integration.Platform `json:"platforms"`
	UpgradeURL      string                 `json:"upgrade_url,omitempty"`
}

// ConnectionLimiter compares a user's active platforms with their plan quota.
// A slot is one distinct platform: several sub-resources of the same platform
// share it.
type ConnectionLimiter struct {
	connections integration.ConnectionRepository
	quotas      integration.PlanQuotaProvider
	platforms   []integration.Platform
	upgradeURL  string
	logger      *zap.Logger
}

// LimiterOption configures a ConnectionLimiter
type LimiterOption func(*ConnectionLimiter)

// WithQuotaPlatforms restricts which platforms count toward the quota
func WithQuotaPlatforms(platforms ...integration.Platform) LimiterOption {
	return func(l *ConnectionLimiter) {
		if len(platforms) > 0 {
			l.platforms = platforms
		}
	}
}

// WithUpgradeURL sets the link returned with QuotaExceededError
func WithUpgradeURL(url string) LimiterOption {
	return func(l *ConnectionLimiter) {
		l.upgradeURL = url
	}
}

// WithLimiterLogger sets the logger
func WithLimiterLogger(logger *zap.Logger) LimiterOption {
	return func(l *ConnectionLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewConnectionLimiter creates a ConnectionLimiter counting every supported platform by default
func NewConnectionLimiter(
	connections integration.ConnectionRepository,
	quotas integration.PlanQuotaProvider,
	opts ...LimiterOption,
) *ConnectionLimiter {
	l := &ConnectionLimiter{
		connections: connections,
		quotas:      quotas,
		platforms:   integration.AllPlatforms(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryReserveSlot decides whether the user may connect platform. A denial
// returns the decision together with a *integration.QuotaExceededError.
// The decision is advisory until it is repeated inside the write transaction.
func (l *ConnectionLimiter) TryReserveSlot(ctx context.Context, userID uuid.UUID, platform integration.Platform) (*SlotDecision, error) {
	quota, err := l.PlanQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.Evaluate(ctx, l.connections, userID, platform, quota)
}

// PlanQuota fetches the user's quota from the billing collaborator
func (l *ConnectionLimiter) PlanQuota(ctx context.Context, userID uuid.UUID) (*integration.PlanQuota, error) {
	quota, err := l.quotas.GetPlanQuota(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", integration.ErrPlanQuotaUnavailable, err)
	}
	if quota == nil {
		return nil, integration.ErrPlanQuotaUnavailable
	}
	return quota, nil
}

// Evaluate applies quota to the active connections visible through repo.
// Callers holding a transaction pass its repository so the count and the
// following write observe the same snapshot.
func (l *ConnectionLimiter) Evaluate(
	ctx context.Context,
	repo integration.ConnectionRepository,
	userID uuid.UUID,
	platform integration.Platform,
	quota *integration.PlanQuota,
) (*SlotDecision, error) {
	decision := &SlotDecision{Plan: quota.Plan, Limit: quota.MaxConnections}

	renewal, err := repo.HasActivePlatform(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	current, err := repo.CountActivePlatforms(ctx, userID, l.platforms)
	if err != nil {
		return nil, err
	}
	decision.Current = current
	decision.Renewal = renewal

	switch {
	case renewal:
		decision.Allowed = true
	case quota.IsUnlimited():
		decision.Allowed = true
	case !l.counts(platform):
		decision.Allowed = true
	default:
		decision.Allowed = current < int64(quota.MaxConnections)
	}

	if !decision.Allowed {
		l.logger.Info("Connection quota exceeded",
			zap.String("user_id", userID.String()),
			zap.String("platform", string(platform)),
			zap.String("plan", quota.Plan),
			zap.Int64("current", current),
			zap.Int("limit", quota.MaxConnections),
		)
		return decision, &integration.QuotaExceededError{
			Platform:   platform,
			Current:    current,
			Limit:      quota.MaxConnections,
			Plan:       quota.Plan,
			UpgradeURL: l.upgradeURL,
		}
	}
	return decision, nil
}

// Usage reports the user's current consumption
func (l *ConnectionLimiter) Usage(ctx context.Context, userID uuid.UUID) (*QuotaUsage, error) {
	quota, err := l.PlanQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	current, err := l.connections.CountActivePlatforms(ctx, userID, l.platforms)
	if err != nil {
		return nil, err
	}

	usage := &QuotaUsage{
		Plan:            quota.Plan,
		MaxConnections:  quota.MaxConnections,
		Unlimited:       quota.IsUnlimited(),
		ActivePlatforms: current,
		Platforms:       l.platforms,
		UpgradeURL:      l.upgradeURL,
		Remaining:       -1,
	}
	if !quota.IsUnlimited() {
		usage.Remaining = max(int64(quota.MaxConnections)-current, 0)
	}
	return usage, nil
}

func (l *ConnectionLimiter) counts(platform integration.Platform) bool {
	for _, p := range l.platforms {
		if p == platform {
			return true
		}
	}
	return false
}

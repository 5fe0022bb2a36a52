package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StaticPlanQuotaProvider resolves plans from configuration. It suits
// single-tenant deployments where billing lives outside the product.
type StaticPlanQuotaProvider struct {
	defaultPlan string
	plans       map[string]int
	userPlans   map[uuid.UUID]string
}

// NewStaticPlanQuotaProvider validates the plan table. userPlans keys must be UUIDs.
func NewStaticPlanQuotaProvider(defaultPlan string, plans map[string]int, userPlans map[string]string) (*StaticPlanQuotaProvider, error) {
	if _, ok := plans[defaultPlan]; !ok {
		return nil, fmt.Errorf("billing: default plan %q has no connection limit", defaultPlan)
	}
	byUser := make(map[uuid.UUID]string, len(userPlans))
	for raw, plan := range userPlans {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("billing: user plan key %q: %w", raw, err)
		}
		if _, ok := plans[plan]; !ok {
			return nil, fmt.Errorf("billing: user %s references unknown plan %q", raw, plan)
		}
		byUser[id] = plan
	}
	return &StaticPlanQuotaProvider{defaultPlan: defaultPlan, plans: plans, userPlans: byUser}, nil
}

func (p *StaticPlanQuotaProvider) GetPlanQuota(_ context.Context, userID uuid.UUID) (*integration.PlanQuota, error) {
	plan, ok := p.userPlans[userID]
	if !ok {
		plan = p.defaultPlan
	}
	return &integration.PlanQuota{Plan: plan, MaxConnections: p.plans[plan]}, nil
}

// ---------------------------------------------------------------------------
// Remote billing service
// ---------------------------------------------------------------------------

// RemoteConfig configures the billing service client
type RemoteConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// planQuotaResponse is the body of GET {endpoint}/users/{id}/plan-quota.
// A null max_connections means unlimited.
type planQuotaResponse struct {
	Plan           string `json:"plan"`
	MaxConnections *int   `json:"max_connections"`
}

// RemotePlanQuotaProvider asks the billing service for a user's plan.
// Every failure is reported as ErrPlanQuotaUnavailable so callers fail closed.
type RemotePlanQuotaProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewRemotePlanQuotaProvider creates the client; the endpoint must be absolute
func NewRemotePlanQuotaProvider(cfg RemoteConfig, logger *zap.Logger) (*RemotePlanQuotaProvider, error) {
	u, err := url.ParseRequestURI(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("billing: invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemotePlanQuotaProvider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}, nil
}

func (p *RemotePlanQuotaProvider) GetPlanQuota(ctx context.Context, userID uuid.UUID) (*integration.PlanQuota, error) {
	quota, err := p.fetch(ctx, userID)
	if err != nil {
		p.logger.Warn("Plan quota lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", integration.ErrPlanQuotaUnavailable, err)
	}
	return quota, nil
}

func (p *RemotePlanQuotaProvider) fetch(ctx context.Context, userID uuid.UUID) (*integration.PlanQuota, error) {
	reqURL := p.endpoint + "/users/" + userID.String() + "/plan-quota"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("billing service returned %d", resp.StatusCode)
	}

	var out planQuotaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode plan quota: %w", err)
	}
	if out.Plan == "" {
		return nil, errors.New("plan quota response has no plan")
	}

	quota := &integration.PlanQuota{Plan: out.Plan, MaxConnections: integration.UnlimitedConnections}
	if out.MaxConnections != nil {
		if *out.MaxConnections < 0 {
			return nil, fmt.Errorf("negative connection limit %d", *out.MaxConnections)
		}
		quota.MaxConnections = *out.MaxConnections
	}
	return quota, nil
}

var (
	_ integration.PlanQuotaProvider = (*StaticPlanQuotaProvider)(nil)
	_ integration.PlanQuotaProvider = (*RemotePlanQuotaProvider)(nil)
)

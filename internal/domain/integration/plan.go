package integration

import (
	"context"

	"github.com/google/uuid"
)

// UnlimitedConnections marks a plan without a connection cap
const UnlimitedConnections = -1

// PlanQuota is the connection allowance of a user's current plan
type PlanQuota struct {
	Plan           string
	MaxConnections int
}

// IsUnlimited returns true if the plan has no cap
func (q PlanQuota) IsUnlimited() bool {
	return q.MaxConnections < 0
}

// PlanQuotaProvider is the read-only billing collaborator
type PlanQuotaProvider interface {
	GetPlanQuota(ctx context.Context, userID uuid.UUID) (*PlanQuota, error)
}

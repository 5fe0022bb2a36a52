package integration

import (
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Connection DTOs
// ---------------------------------------------------------------------------

// ConnectionResponse describes a connection without any token material
type ConnectionResponse struct {
	ID                 uuid.UUID                      `json:"id"`
	Platform           integration.Platform           `json:"platform"`
	PlatformName       string                         `json:"platform_name"`
	Family             integration.PlatformFamily     `json:"family"`
	SubResource        string                         `json:"sub_resource,omitempty"`
	IsActive           bool                           `json:"is_active"`
	ExpiresAt          *time.Time                     `json:"expires_at,omitempty"`
	Metadata           map[string]string              `json:"metadata,omitempty"`
	LastRefreshedAt    *time.Time                     `json:"last_refreshed_at,omitempty"`
	DeactivatedAt      *time.Time                     `json:"deactivated_at,omitempty"`
	DeactivationReason integration.DeactivationReason `json:"deactivation_reason,omitempty"`
	ConnectedAt        time.Time                      `json:"connected_at"`
	UpdatedAt          time.Time                      `json:"updated_at"`
}

// ToConnectionResponse maps a connection onto its public view
func ToConnectionResponse(c *integration.Connection) ConnectionResponse {
	return ConnectionResponse{
		ID:                 c.ID,
		Platform:           c.Platform,
		PlatformName:       c.Platform.DisplayName(),
		Family:             c.Platform.Family(),
		SubResource:        c.SubResource,
		IsActive:           c.IsActive,
		ExpiresAt:          c.ExpiresAt,
		Metadata:           c.Metadata,
		LastRefreshedAt:    c.LastRefreshedAt,
		DeactivatedAt:      c.DeactivatedAt,
		DeactivationReason: c.DeactivationReason,
		ConnectedAt:        c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

// InitiateConnectionInput starts the OAuth flow for one platform
type InitiateConnectionInput struct {
	UserID      uuid.UUID
	Platform    integration.Platform
	SubResource string
}

// AuthorizationResponse tells the presentation layer where to send the user
type AuthorizationResponse struct {
	Platform         integration.Platform `json:"platform"`
	AuthorizationURL string               `json:"authorization_url"`
	ExpiresAt        time.Time            `json:"expires_at"`
	Renewal          bool                 `json:"renewal"`
}

// CallbackInput carries the query parameters of an OAuth redirect
type CallbackInput struct {
	UserID   uuid.UUID
	Platform integration.Platform
	Code     string
	State    string
	// SubResource is set when the platform names the account in the redirect
	// (QuickBooks realmId, Shopify shop)
	SubResource string
	// Error is the platform's error parameter when the user declined
	Error string
}

// ErasureResult reports what an explicit data erasure removed
type ErasureResult struct {
	Platform           integration.Platform `json:"platform"`
	ConnectionsDeleted int                  `json:"connections_deleted"`
	RecordsDeleted     int64                `json:"records_deleted"`
}

// ---------------------------------------------------------------------------
// Sync DTOs
// ---------------------------------------------------------------------------

// SyncRequest asks for one sync invocation. An empty SubResource targets the
// account-level connection.
type SyncRequest struct {
	UserID      uuid.UUID
	Platform    integration.Platform
	SubResource string
	Trigger     integration.SyncTrigger
}

// Key returns the connection key the request targets
func (r SyncRequest) Key() integration.ConnectionKey {
	return integration.ConnectionKey{UserID: r.UserID, Platform: r.Platform, SubResource: r.SubResource}
}

// SyncResult is the outcome of one sync invocation
type SyncResult struct {
	RunID            uuid.UUID               `json:"run_id"`
	Platform         integration.Platform    `json:"platform"`
	SubResource      string                  `json:"sub_resource,omitempty"`
	Trigger          integration.SyncTrigger `json:"trigger"`
	Outcome          integration.SyncOutcome `json:"outcome"`
	RecordsCommitted int                     `json:"records_committed"`
	PagesCommitted   int                     `json:"pages_committed"`
	TokenRefreshed   bool                    `json:"token_refreshed"`
	RetryAfter       time.Duration           `json:"retry_after,omitempty"`
	NextCursor       string                  `json:"next_cursor,omitempty"`
	Detail           string                  `json:"detail,omitempty"`
	StartedAt        time.Time               `json:"started_at"`
	FinishedAt       time.Time               `json:"finished_at"`
}

// SyncAttemptResponse is one row of the sync history
type SyncAttemptResponse struct {
	ID          uuid.UUID               `json:"id"`
	RunID       uuid.UUID               `json:"run_id"`
	SubResource string                  `json:"sub_resource,omitempty"`
	Trigger     integration.SyncTrigger `json:"trigger"`
	Outcome     integration.SyncOutcome `json:"outcome"`
	PageIndex   int                     `json:"page_index"`
	RecordCount int                     `json:"record_count"`
	Detail      string                  `json:"detail,omitempty"`
	AttemptedAt time.Time               `json:"attempted_at"`
}

// ScheduledSyncResponse is one snapshot of a background sync job
type ScheduledSyncResponse struct {
	JobID           uuid.UUID               `json:"job_id"`
	Platform        integration.Platform    `json:"platform"`
	SubResource     string                  `json:"sub_resource,omitempty"`
	Status          string                  `json:"status"`
	Outcome         integration.SyncOutcome `json:"outcome,omitempty"`
	RecordsUpserted int                     `json:"records_upserted"`
	RetryCount      int                     `json:"retry_count"`
	Error           string                  `json:"error,omitempty"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	NextRetryAt     *time.Time              `json:"next_retry_at,omitempty"`
}

// ToSyncAttemptResponse maps a log row onto its public view
func ToSyncAttemptResponse(a *integration.SyncAttempt) SyncAttemptResponse {
	return SyncAttemptResponse{
		ID:          a.ID,
		RunID:       a.RunID,
		SubResource: a.SubResource,
		Trigger:     a.Trigger,
		Outcome:     a.Outcome,
		PageIndex:   a.PageIndex,
		RecordCount: a.RecordCount,
		Detail:      a.Detail,
		AttemptedAt: a.AttemptedAt,
	}
}

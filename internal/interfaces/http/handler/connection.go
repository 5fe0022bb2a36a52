package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	appintegration "github.com/erp/platformsync/internal/application/integration"
	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/erp/platformsync/internal/interfaces/http/dto"
	"github.com/erp/platformsync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ConnectionUseCase is the part of ConnectionService the API exposes
type ConnectionUseCase interface {
	InitiateConnection(ctx context.Context, in appintegration.InitiateConnectionInput) (*appintegration.AuthorizationResponse, error)
	HandleCallback(ctx context.Context, in appintegration.CallbackInput) (*appintegration.ConnectionResponse, error)
	ListConnections(ctx context.Context, userID uuid.UUID) ([]appintegration.ConnectionResponse, error)
	Disconnect(ctx context.Context, userID uuid.UUID, platform integration.Platform, subResource string) error
	EraseConnection(ctx context.Context, userID uuid.UUID, platform integration.Platform, subResource string) (*appintegration.ErasureResult, error)
	GetSyncHistory(ctx context.Context, userID uuid.UUID, platform integration.Platform, limit int) ([]appintegration.SyncAttemptResponse, error)
	QuotaUsage(ctx context.Context, userID uuid.UUID) (*appintegration.QuotaUsage, error)
}

// SyncUseCase runs one sync invocation
type SyncUseCase interface {
	TriggerSync(ctx context.Context, req appintegration.SyncRequest) (*appintegration.SyncResult, error)
}

// ScheduledSyncs is the background scheduler as seen by the API
type ScheduledSyncs interface {
	InFlight(key integration.ConnectionKey) bool
	RecentJobs(userID uuid.UUID, limit int) []appintegration.ScheduledSyncResponse
}

// defaultHistoryLimit applies when the client sends no limit
const defaultHistoryLimit = 50

// scheduledSyncRetryAfter is the wait suggested while a background sync runs
const scheduledSyncRetryAfter = 30 * time.Second

var errScheduledSyncRunning = errors.New("a scheduled sync is already running")

// ConnectionHandler serves /api/v1/connections and /api/v1/plan
type ConnectionHandler struct {
	BaseHandler
	connections ConnectionUseCase
	syncs       SyncUseCase
	scheduled   ScheduledSyncs
}

// ConnectionHandlerOption configures a ConnectionHandler
type ConnectionHandlerOption func(*ConnectionHandler)

// WithScheduledSyncs exposes the background scheduler: manual syncs of a
// connection it is working on are refused and its job history is listed
func WithScheduledSyncs(scheduled ScheduledSyncs) ConnectionHandlerOption {
	return func(h *ConnectionHandler) {
		h.scheduled = scheduled
	}
}

// NewConnectionHandler creates a ConnectionHandler
func NewConnectionHandler(connections ConnectionUseCase, syncs SyncUseCase, opts ...ConnectionHandlerOption) *ConnectionHandler {
	h := &ConnectionHandler{connections: connections, syncs: syncs}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the connection routes on an authenticated group
func (h *ConnectionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	conns := rg.Group("/connections")
	conns.GET("", h.ListConnections)
	conns.POST("/:platform/authorize", h.Authorize)
	conns.GET("/:platform/callback", h.Callback)
	conns.POST("/:platform/sync", h.TriggerSync)
	conns.DELETE("/:platform", h.Disconnect)
	conns.DELETE("/:platform/data", h.Erase)
	conns.GET("/:platform/history", h.History)

	rg.GET("/plan/quota", h.Quota)
	rg.GET("/sync/jobs", h.ScheduledJobs)
}

// ListConnections returns every connection of the caller without token material.
// GET /api/v1/connections
func (h *ConnectionHandler) ListConnections(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	conns, err := h.connections.ListConnections(c.Request.Context(), userID)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}
	h.SuccessList(c, conns, len(conns), 0)
}

// Authorize starts the OAuth flow and returns the URL the client must open.
// POST /api/v1/connections/:platform/authorize
func (h *ConnectionHandler) Authorize(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	var req dto.AuthorizeRequest
	if !h.bindOptional(c, &req) {
		return
	}

	resp, err := h.connections.InitiateConnection(c.Request.Context(), appintegration.InitiateConnectionInput{
		UserID:      userID,
		Platform:    platform,
		SubResource: req.SubResource,
	})
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}
	h.Success(c, resp)
}

// Callback completes the OAuth flow with the code and state the platform
// appended to the redirect.
// GET /api/v1/connections/:platform/callback
func (h *ConnectionHandler) Callback(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	var q dto.CallbackQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	conn, err := h.connections.HandleCallback(c.Request.Context(), appintegration.CallbackInput{
		UserID:      userID,
		Platform:    platform,
		Code:        q.Code,
		State:       q.State,
		SubResource: q.SubResource(),
		Error:       q.Error,
	})
	if err != nil {
		// a user who declined consent is not an upstream failure
		if q.Error != "" && errors.Is(err, integration.ErrTokenExchangeFailed) {
			h.ErrorWithCode(c, dto.ErrCodeAuthorizationDenied, "Authorization was declined on "+platform.DisplayName())
			return
		}
		h.HandleDomainError(c, err)
		return
	}
	h.Created(c, conn)
}

// TriggerSync runs a manual sync and waits for its outcome.
// POST /api/v1/connections/:platform/sync
func (h *ConnectionHandler) TriggerSync(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	var req dto.SyncRequest
	if !h.bindOptional(c, &req) {
		return
	}
	key := integration.ConnectionKey{UserID: userID, Platform: platform, SubResource: req.SubResource}
	if h.scheduled != nil && h.scheduled.InFlight(key) {
		h.HandleDomainError(c, &integration.RetryableError{
			Platform:   platform,
			RetryAfter: scheduledSyncRetryAfter,
			Cause:      errScheduledSyncRunning,
		})
		return
	}

	result, err := h.syncs.TriggerSync(c.Request.Context(), appintegration.SyncRequest{
		UserID:      userID,
		Platform:    platform,
		SubResource: req.SubResource,
		Trigger:     integration.SyncTriggerManual,
	})
	if err != nil {
		// committed pages stay committed; the client sees how far the run got
		if result != nil {
			h.writeError(c, err, result)
			return
		}
		h.HandleDomainError(c, err)
		return
	}
	h.Success(c, result)
}

// Disconnect deactivates the connection and keeps mirrored records.
// DELETE /api/v1/connections/:platform[?sub_resource=]
func (h *ConnectionHandler) Disconnect(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	if err := h.connections.Disconnect(c.Request.Context(), userID, platform, c.Query("sub_resource")); err != nil {
		h.HandleDomainError(c, err)
		return
	}
	h.NoContent(c)
}

// Erase deletes the connection and every record mirrored from the platform.
// DELETE /api/v1/connections/:platform/data[?sub_resource=]
func (h *ConnectionHandler) Erase(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	result, err := h.connections.EraseConnection(c.Request.Context(), userID, platform, c.Query("sub_resource"))
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}
	h.Success(c, result)
}

// History lists the newest sync log rows.
// GET /api/v1/connections/:platform/history?limit=
func (h *ConnectionHandler) History(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	var q dto.HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultHistoryLimit
	}

	rows, err := h.connections.GetSyncHistory(c.Request.Context(), userID, platform, q.Limit)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}
	h.SuccessList(c, rows, len(rows), q.Limit)
}

// Quota reports plan allowance against active platforms.
// GET /api/v1/plan/quota
func (h *ConnectionHandler) Quota(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	usage, err := h.connections.QuotaUsage(c.Request.Context(), userID)
	if err != nil {
		h.HandleDomainError(c, err)
		return
	}
	h.Success(c, usage)
}

// ScheduledJobs lists the caller's recent background sync jobs.
// GET /api/v1/sync/jobs?limit=
func (h *ConnectionHandler) ScheduledJobs(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var q dto.HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultHistoryLimit
	}

	jobs := []appintegration.ScheduledSyncResponse{}
	if h.scheduled != nil {
		jobs = h.scheduled.RecentJobs(userID, q.Limit)
	}
	h.SuccessList(c, jobs, len(jobs), q.Limit)
}

// bindOptional binds a JSON body when one was sent
func (h *ConnectionHandler) bindOptional(c *gin.Context, obj any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(obj); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.ErrorWithCode(c, dto.ErrCodeRequestTooLarge, "Request body exceeds maximum allowed size")
			return false
		}
		middleware.HandleValidationError(c, err)
		return false
	}
	return true
}

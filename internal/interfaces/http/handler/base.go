package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/erp/platformsync/internal/infrastructure/logger"
	"github.com/erp/platformsync/internal/interfaces/http/dto"
	"github.com/erp/platformsync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// Success sends a 200 response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// SuccessList sends a 200 response with list metadata
func (h *BaseHandler) SuccessList(c *gin.Context, data any, total, limit int) {
	c.JSON(http.StatusOK, dto.NewListResponse(data, total, limit))
}

// Created sends a 201 response
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// NoContent sends a 204 response
func (h *BaseHandler) NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// ErrorWithCode sends an error envelope, deriving the status from the code
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(dto.GetHTTPStatus(code),
		dto.NewErrorResponseWithRequestID(code, message, middleware.GetRequestID(c)))
}

// userID returns the authenticated caller or answers 401
func (h *BaseHandler) userID(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.GetUserID(c)
	if !ok {
		h.ErrorWithCode(c, dto.ErrCodeUnauthorized, "Authentication required")
		return uuid.Nil, false
	}
	return id, true
}

// platform parses the :platform path segment or answers 400
func (h *BaseHandler) platform(c *gin.Context) (integration.Platform, bool) {
	p, err := integration.ParsePlatform(c.Param("platform"))
	if err != nil {
		h.ErrorWithCode(c, dto.ErrCodeInvalidPlatform, "Unsupported platform: "+c.Param("platform"))
		return "", false
	}
	return p, true
}

// HandleDomainError converts integration errors into the error envelope.
// Unrecognized errors are logged and reported as ERR_INTERNAL without detail.
func (h *BaseHandler) HandleDomainError(c *gin.Context, err error) {
	h.writeError(c, err, nil)
}

// writeError is HandleDomainError with an optional payload carried next to
// the error, used for sync results that committed some work before failing.
func (h *BaseHandler) writeError(c *gin.Context, err error, data any) {
	resp := errorResponse(err)
	resp.Data = data
	resp.Error.RequestID = middleware.GetRequestID(c)

	if resp.Error.Code == dto.ErrCodeInternal {
		logger.L(c.Request.Context()).Error("Request failed", zap.Error(err))
	}
	if resp.Error.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(resp.Error.RetryAfterSeconds))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(dto.GetHTTPStatus(resp.Error.Code), resp)
}

func errorResponse(err error) dto.Response {
	var (
		quotaErr   *integration.QuotaExceededError
		reauthErr  *integration.ReauthorizationError
		retryErr   *integration.RetryableError
		partialErr *integration.PartialFailureError
	)

	switch {
	case errors.As(err, &quotaErr):
		resp := dto.NewErrorResponse(dto.ErrCodeQuotaExceeded, quotaErr.Error())
		resp.Error.UpgradeURL = quotaErr.UpgradeURL
		resp.Error.Platform = string(quotaErr.Platform)
		return resp
	case errors.As(err, &reauthErr):
		resp := dto.NewErrorResponse(dto.ErrCodeReauthRequired,
			reauthErr.Platform.DisplayName()+" needs to be reconnected")
		resp.Error.Platform = string(reauthErr.Platform)
		return resp
	case errors.As(err, &retryErr):
		resp := dto.NewErrorResponse(dto.ErrCodeRetryLater,
			retryErr.Platform.DisplayName()+" is temporarily unavailable, try again later")
		resp.Error.Platform = string(retryErr.Platform)
		resp.Error.RetryAfterSeconds = ceilSeconds(retryErr.RetryAfter)
		return resp
	case errors.As(err, &partialErr):
		resp := dto.NewErrorResponse(dto.ErrCodePartialSync, partialErr.Error())
		resp.Error.Platform = string(partialErr.Platform)
		return resp
	}

	code, message := dto.ErrCodeInternal, "Internal server error"
	switch {
	case errors.Is(err, integration.ErrInvalidUserID):
		code, message = dto.ErrCodeUnauthorized, "Authentication required"
	case errors.Is(err, integration.ErrInvalidPlatform):
		code, message = dto.ErrCodeInvalidPlatform, "Unsupported platform"
	case errors.Is(err, integration.ErrSubResourceRequired):
		code, message = dto.ErrCodeSubResourceRequired, "Choose which account to use for this platform"
	case errors.Is(err, integration.ErrNotConnected), errors.Is(err, integration.ErrConnectionNotFound):
		code, message = dto.ErrCodeNotConnected, "Platform is not connected"
	case errors.Is(err, integration.ErrReauthorizationRequired), errors.Is(err, integration.ErrDecryption):
		code, message = dto.ErrCodeReauthRequired, "Platform needs to be reconnected"
	case errors.Is(err, integration.ErrQuotaExceeded):
		code, message = dto.ErrCodeQuotaExceeded, "Connection limit reached for your plan"
	case errors.Is(err, integration.ErrStateMismatch), errors.Is(err, integration.ErrOAuthStateNotFound):
		code, message = dto.ErrCodeStateMismatch, "Authorization request expired or was tampered with, start again"
	case errors.Is(err, integration.ErrPlatformNotConfigured):
		code, message = dto.ErrCodePlatformNotConfigured, "Platform is not available"
	case errors.Is(err, integration.ErrTokenExchangeFailed):
		code, message = dto.ErrCodeUpstreamUnavailable, "Platform rejected the authorization"
	case errors.Is(err, integration.ErrPlanQuotaUnavailable):
		code, message = dto.ErrCodeUpstreamUnavailable, "Plan information is unavailable, try again later"
	case errors.Is(err, integration.ErrRetryable):
		code, message = dto.ErrCodeRetryLater, "Temporarily unavailable, try again later"
	case errors.Is(err, integration.ErrSyncFailed):
		code, message = dto.ErrCodeUpstreamUnavailable, "Sync failed"
	case errors.Is(err, integration.ErrSyncAttemptNotFound):
		code, message = dto.ErrCodeNotFound, "No sync history"
	}
	return dto.NewErrorResponse(code, message)
}

func ceilSeconds(d time.Duration) int {
	s := d.Seconds()
	if s <= 0 {
		return 0
	}
	return int(math.Ceil(s))
}

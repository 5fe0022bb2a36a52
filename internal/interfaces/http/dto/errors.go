package dto

import "net/http"

// Error codes follow ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	ErrCodeUnknown  = "ERR_UNKNOWN"
	ErrCodeInternal = "ERR_INTERNAL"
)

// Input error codes
const (
	// ErrCodeValidation is used when request binding or field validation fails
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidPlatform is used when the :platform path segment is not supported
	ErrCodeInvalidPlatform = "ERR_INVALID_PLATFORM"
	// ErrCodeSubResourceRequired is used when a platform needs an explicit account/page/property
	ErrCodeSubResourceRequired = "ERR_SUB_RESOURCE_REQUIRED"
	// ErrCodeRequestTooLarge is used when the body exceeds the configured limit
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"
)

// Authentication error codes
const (
	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	ErrCodeTokenExpired = "ERR_TOKEN_EXPIRED"
	ErrCodeTokenInvalid = "ERR_TOKEN_INVALID"
)

// Connection error codes
const (
	// ErrCodeNotFound is used when a sync history or connection row does not exist
	ErrCodeNotFound = "ERR_NOT_FOUND"
	// ErrCodeNotConnected is used when no active connection exists for the platform
	ErrCodeNotConnected = "ERR_NOT_CONNECTED"
	// ErrCodeReauthRequired tells the client to send the user through authorize again
	ErrCodeReauthRequired = "ERR_REAUTH_REQUIRED"
	// ErrCodeQuotaExceeded is used when the plan's connection limit is reached
	ErrCodeQuotaExceeded = "ERR_QUOTA_EXCEEDED"
	// ErrCodeStateMismatch is used when the OAuth callback state does not verify
	ErrCodeStateMismatch = "ERR_STATE_MISMATCH"
	// ErrCodeAuthorizationDenied is used when the platform returned an error to the callback
	ErrCodeAuthorizationDenied = "ERR_AUTHORIZATION_DENIED"
	// ErrCodePlatformNotConfigured is used when no client credentials exist for the platform
	ErrCodePlatformNotConfigured = "ERR_PLATFORM_NOT_CONFIGURED"
)

// Sync error codes
const (
	// ErrCodeRetryLater is used for upstream throttling, outages and the manual-sync cooldown
	ErrCodeRetryLater = "ERR_RETRY_LATER"
	// ErrCodePartialSync is used when some pages committed before a later page failed
	ErrCodePartialSync = "ERR_PARTIAL_SYNC"
	// ErrCodeUpstreamUnavailable is used when a collaborator (billing, platform) failed outright
	ErrCodeUpstreamUnavailable = "ERR_UPSTREAM_UNAVAILABLE"
)

// Rate limiting error codes
const (
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:          http.StatusBadRequest,
	ErrCodeBadRequest:          http.StatusBadRequest,
	ErrCodeInvalidPlatform:     http.StatusBadRequest,
	ErrCodeSubResourceRequired: http.StatusBadRequest,
	ErrCodeRequestTooLarge:     http.StatusRequestEntityTooLarge,

	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeTokenExpired: http.StatusUnauthorized,
	ErrCodeTokenInvalid: http.StatusUnauthorized,

	ErrCodeNotFound:              http.StatusNotFound,
	ErrCodeNotConnected:          http.StatusNotFound,
	ErrCodeReauthRequired:        http.StatusConflict,
	ErrCodeQuotaExceeded:         http.StatusPaymentRequired,
	ErrCodeStateMismatch:         http.StatusBadRequest,
	ErrCodeAuthorizationDenied:   http.StatusBadRequest,
	ErrCodePlatformNotConfigured: http.StatusNotImplemented,

	ErrCodeRetryLater:          http.StatusServiceUnavailable,
	ErrCodePartialSync:         http.StatusMultiStatus,
	ErrCodeUpstreamUnavailable: http.StatusBadGateway,

	ErrCodeRateLimited: http.StatusTooManyRequests,
}

// GetHTTPStatus returns the HTTP status code for an error code.
// Unknown codes map to 500.
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

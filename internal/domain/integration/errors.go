package integration

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy of the connection and sync engine
var (
	ErrNotConnected            = errors.New("integration: platform not connected")
	ErrReauthorizationRequired = errors.New("integration: reauthorization required")
	ErrRetryable               = errors.New("integration: temporarily unavailable, retry later")
	ErrPartialFailure          = errors.New("integration: sync partially failed")
	ErrQuotaExceeded           = errors.New("integration: connection quota exceeded")
	ErrStateMismatch           = errors.New("integration: oauth state mismatch")
	ErrDecryption              = errors.New("integration: credential decryption failed")
)

// Lookup and validation errors
var (
	ErrConnectionNotFound     = errors.New("integration: connection not found")
	ErrInvalidPlatform        = errors.New("integration: invalid platform")
	ErrPlatformNotConfigured  = errors.New("integration: platform not configured")
	ErrSubResourceRequired    = errors.New("integration: sub-resource required for platform")
	ErrInvalidUserID          = errors.New("integration: invalid user ID")
	ErrInvalidNativeID        = errors.New("integration: remote record has empty native ID")
	ErrRefreshTokenMissing    = errors.New("integration: connection has no refresh token")
	ErrOAuthStateNotFound     = errors.New("integration: oauth state not found or expired")
	ErrTokenExchangeFailed    = errors.New("integration: authorization code exchange failed")
	ErrSyncFailed             = errors.New("integration: sync failed")
	ErrPlanQuotaUnavailable   = errors.New("integration: plan quota unavailable")
	ErrSyncAttemptNotFound    = errors.New("integration: sync attempt not found")
	ErrUnsupportedTokenFormat = errors.New("integration: unsupported token response")
	ErrSyncedRecordNotFound   = errors.New("integration: synced record not found")
)

// QuotaExceededError is returned when a user tries to connect a new platform
// while already holding as many active platforms as the plan allows.
type QuotaExceededError struct {
	Platform   Platform
	Current    int64
	Limit      int
	Plan       string
	UpgradeURL string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("connection limit reached: %d of %d platforms connected on plan %q",
		e.Current, e.Limit, e.Plan)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// ReauthorizationError names the platform the user needs to reconnect.
// Revoked is true when the platform confirmed the grant is permanently gone
// (e.g. invalid_grant) or the stored credentials could not be decrypted; in
// both cases the connection has been deactivated.
type ReauthorizationError struct {
	Platform Platform
	Revoked  bool
	Cause    error
}

func (e *ReauthorizationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s needs to be reconnected: %v", e.Platform.DisplayName(), e.Cause)
	}
	return fmt.Sprintf("%s needs to be reconnected", e.Platform.DisplayName())
}

func (e *ReauthorizationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrReauthorizationRequired}
	}
	return []error{ErrReauthorizationRequired, e.Cause}
}

// RetryableError signals that the caller should try again later. The engine
// never schedules the retry itself.
type RetryableError struct {
	Platform   Platform
	RetryAfter time.Duration
	Cause      error
}

func (e *RetryableError) Error() string {
	msg := fmt.Sprintf("%s is temporarily unavailable", e.Platform.DisplayName())
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RetryableError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrRetryable}
	}
	return []error{ErrRetryable, e.Cause}
}

// PartialFailureError reports how many records were committed before a later
// page failed. Committed pages are never rolled back.
type PartialFailureError struct {
	Platform  Platform
	Committed int
	Cause     error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("sync of %s stopped after %d committed records: %v",
		e.Platform.DisplayName(), e.Committed, e.Cause)
}

func (e *PartialFailureError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrPartialFailure}
	}
	return []error{ErrPartialFailure, e.Cause}
}

package integration

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// ErrorKind classifies every adapter failure
// ---------------------------------------------------------------------------

// ErrorKind is the fixed classification adapters map remote failures onto
type ErrorKind string

const (
	// ErrorKindAuthExpired means the access token was rejected (HTTP 401 or equivalent)
	ErrorKindAuthExpired ErrorKind = "AUTH_EXPIRED"
	// ErrorKindScopeInsufficient means the token lacks a permission this read needs
	ErrorKindScopeInsufficient ErrorKind = "SCOPE_INSUFFICIENT"
	// ErrorKindRateLimited means the platform throttled the call
	ErrorKindRateLimited ErrorKind = "RATE_LIMITED"
	// ErrorKindRemoteUnavailable covers timeouts, transport failures and 5xx
	ErrorKindRemoteUnavailable ErrorKind = "REMOTE_UNAVAILABLE"
	// ErrorKindMalformedResponse means the response could not be understood
	ErrorKindMalformedResponse ErrorKind = "MALFORMED_RESPONSE"
)

// IsValid returns true if the kind is one of the fixed kinds
func (k ErrorKind) IsValid() bool {
	switch k {
	case ErrorKindAuthExpired, ErrorKindScopeInsufficient, ErrorKindRateLimited,
		ErrorKindRemoteUnavailable, ErrorKindMalformedResponse:
		return true
	default:
		return false
	}
}

// AdapterError is the only error type adapters return from FetchRecords
type AdapterError struct {
	Platform   Platform
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// NewAdapterError creates a classified adapter error
func NewAdapterError(platform Platform, kind ErrorKind, err error) *AdapterError {
	return &AdapterError{Platform: platform, Kind: kind, Err: err}
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s adapter: %s", e.Platform, e.Kind)
	}
	return fmt.Sprintf("%s adapter: %s: %v", e.Platform, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// AsAdapterError extracts an AdapterError from an error chain
func AsAdapterError(err error) (*AdapterError, bool) {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr, true
	}
	return nil, false
}

// IsAdapterErrorKind reports whether err is an AdapterError of the given kind
func IsAdapterErrorKind(err error, kind ErrorKind) bool {
	adapterErr, ok := AsAdapterError(err)
	return ok && adapterErr.Kind == kind
}

// ---------------------------------------------------------------------------
// PlatformAdapter port
// ---------------------------------------------------------------------------

// FetchRequest asks an adapter for one page of records
type FetchRequest struct {
	Credentials Credentials
	// Cursor is opaque to callers; empty means the first page
	Cursor   string
	PageSize int
}

// FetchResult is one page of remote records
type FetchResult struct {
	Records    []RemoteRecord
	NextCursor string
}

// HasMore returns true if another page is available
func (r *FetchResult) HasMore() bool {
	return r != nil && r.NextCursor != ""
}

// PlatformAdapter knows one platform's read API and maps its records onto
// RemoteRecord. Any failure is returned as an *AdapterError.
type PlatformAdapter interface {
	// Platform returns the platform this adapter serves
	Platform() Platform

	// FetchRecords fetches one page of records
	FetchRecords(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// AdapterRegistry resolves the adapter for a platform
type AdapterRegistry interface {
	Adapter(platform Platform) (PlatformAdapter, error)
}

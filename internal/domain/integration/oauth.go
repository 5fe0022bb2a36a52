package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenSet is the plaintext result of a code exchange or refresh
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scopes       []string
	// Extra holds non-token response fields worth keeping as connection metadata
	Extra map[string]string
}

// ExpiresAt returns the absolute expiry relative to now, or nil if unknown
func (t *TokenSet) ExpiresAt(now time.Time) *time.Time {
	if t.ExpiresIn <= 0 {
		return nil
	}
	at := now.Add(t.ExpiresIn)
	return &at
}

// RefreshError is returned by a TokenRefresher. Permanent is true when the
// platform says the grant is gone for good (e.g. invalid_grant).
type RefreshError struct {
	Platform  Platform
	Permanent bool
	Code      string
	Err       error
}

func (e *RefreshError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s token refresh failed (%s): %v", e.Platform, e.Code, e.Err)
	}
	return fmt.Sprintf("%s token refresh failed: %v", e.Platform, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// TokenRefresher exchanges a refresh token for a new access token. It is only
// invoked after an adapter reported ErrorKindAuthExpired.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// OAuthProvider drives one platform's authorization-code flow
type OAuthProvider interface {
	TokenRefresher

	// Platform returns the platform this provider serves
	Platform() Platform

	// AuthCodeURL builds the platform authorization URL
	AuthCodeURL(state, verifier, subResource string) (string, error)

	// Exchange trades an authorization code for tokens
	Exchange(ctx context.Context, code, verifier, subResource string) (*TokenSet, error)
}

// OAuthProviderRegistry resolves the OAuth provider for a platform
type OAuthProviderRegistry interface {
	Provider(platform Platform) (OAuthProvider, error)
}

// ---------------------------------------------------------------------------
// Anti-forgery state
// ---------------------------------------------------------------------------

// OAuthState is the short-lived record stored between initiation and callback
type OAuthState struct {
	Value       string    `json:"value"`
	Verifier    string    `json:"verifier"`
	UserID      uuid.UUID `json:"user_id"`
	Platform    Platform  `json:"platform"`
	SubResource string    `json:"sub_resource,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}

// OAuthStateKey scopes a stored state to one user's pending connection of one platform
func OAuthStateKey(userID uuid.UUID, platform Platform) string {
	return userID.String() + ":" + string(platform)
}

// OAuthStateStore is a short-lived scoped store for pending OAuth states
type OAuthStateStore interface {
	// Save stores the state under key, replacing any previous value
	Save(ctx context.Context, key string, state *OAuthState, ttl time.Duration) error

	// Get returns the stored state or ErrOAuthStateNotFound
	Get(ctx context.Context, key string) (*OAuthState, error)

	// Delete removes the state; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
}

// StateIssuer mints and verifies anti-forgery state values
type StateIssuer interface {
	Issue(userID uuid.UUID, platform Platform, subResource string) (string, error)
	Verify(state string, userID uuid.UUID, platform Platform) error
}

package integration

import (
	"fmt"
	"time"

	"github.com/erp/platformsync/internal/domain/shared"
	"github.com/google/uuid"
)

// ConnectionKey is the unique key of a Connection. SubResource is empty for
// platforms that connect at the account level.
type ConnectionKey struct {
	UserID      uuid.UUID
	Platform    Platform
	SubResource string
}

// NewConnectionKey creates and validates a connection key
func NewConnectionKey(userID uuid.UUID, platform Platform, subResource string) (ConnectionKey, error) {
	key := ConnectionKey{UserID: userID, Platform: platform, SubResource: subResource}
	if err := key.Validate(); err != nil {
		return ConnectionKey{}, err
	}
	return key, nil
}

// Validate checks the key fields
func (k ConnectionKey) Validate() error {
	if k.UserID == uuid.Nil {
		return ErrInvalidUserID
	}
	if !k.Platform.IsValid() {
		return ErrInvalidPlatform
	}
	return nil
}

// String returns a log-friendly representation of the key
func (k ConnectionKey) String() string {
	if k.SubResource == "" {
		return fmt.Sprintf("%s/%s", k.UserID, k.Platform)
	}
	return fmt.Sprintf("%s/%s/%s", k.UserID, k.Platform, k.SubResource)
}

// DeactivationReason records why a connection stopped being active
type DeactivationReason string

const (
	DeactivationUserDisconnect   DeactivationReason = "USER_DISCONNECT"
	DeactivationTokenRevoked     DeactivationReason = "TOKEN_REVOKED"
	DeactivationDecryptionFailed DeactivationReason = "DECRYPTION_FAILED"
)

// Connection links one user to one platform account or sub-resource.
// Token fields hold ciphertext produced by a CredentialVault; plaintext
// never lives on this entity.
type Connection struct {
	shared.BaseEntity
	UserID             uuid.UUID
	Platform           Platform
	SubResource        string
	AccessTokenCipher  string
	RefreshTokenCipher string
	ExpiresAt          *time.Time
	IsActive           bool
	Metadata           map[string]string
	LastRefreshedAt    *time.Time
	DeactivatedAt      *time.Time
	DeactivationReason DeactivationReason
}

// NewConnection creates an active connection from encrypted tokens
func NewConnection(key ConnectionKey, accessCipher, refreshCipher string, expiresAt *time.Time, metadata map[string]string) (*Connection, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if key.Platform.RequiresSubResource() && key.SubResource == "" {
		return nil, ErrSubResourceRequired
	}
	if accessCipher == "" {
		return nil, fmt.Errorf("integration: access token is required")
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Connection{
		BaseEntity:         shared.NewBaseEntity(),
		UserID:             key.UserID,
		Platform:           key.Platform,
		SubResource:        key.SubResource,
		AccessTokenCipher:  accessCipher,
		RefreshTokenCipher: refreshCipher,
		ExpiresAt:          expiresAt,
		IsActive:           true,
		Metadata:           metadata,
	}, nil
}

// Key returns the unique key of the connection
func (c *Connection) Key() ConnectionKey {
	return ConnectionKey{UserID: c.UserID, Platform: c.Platform, SubResource: c.SubResource}
}

// HasRefreshToken returns true if a refresh token is stored
func (c *Connection) HasRefreshToken() bool {
	return c.RefreshTokenCipher != ""
}

// ReplaceTokens swaps in refreshed tokens. An empty refreshCipher keeps the
// stored refresh token, since not every platform rotates it.
func (c *Connection) ReplaceTokens(accessCipher, refreshCipher string, expiresAt *time.Time) {
	now := time.Now()
	c.AccessTokenCipher = accessCipher
	if refreshCipher != "" {
		c.RefreshTokenCipher = refreshCipher
	}
	c.ExpiresAt = expiresAt
	c.LastRefreshedAt = &now
	c.Touch(now)
}

// Deactivate marks the connection inactive. Calling it twice is a no-op.
func (c *Connection) Deactivate(reason DeactivationReason) {
	if !c.IsActive {
		return
	}
	now := time.Now()
	c.IsActive = false
	c.DeactivatedAt = &now
	c.DeactivationReason = reason
	c.Touch(now)
}

// IsExpired reports whether the stored expiry has passed. It is informational
// only: refreshes are driven by the platform's live response, never by this.
func (c *Connection) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Credentials is the decrypted credential set handed to an adapter for the
// duration of one sync. It must not be persisted or logged.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	SubResource  string
	Metadata     map[string]string
}

// String redacts the token material
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{SubResource:%q, AccessToken:[redacted]}", c.SubResource)
}

// GoString redacts the token material for %#v
func (c Credentials) GoString() string {
	return c.String()
}

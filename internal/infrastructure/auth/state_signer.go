package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// stateAudience keeps state tokens from being accepted as access tokens and vice versa
const stateAudience = "oauth-state"

var ErrStateSecretTooShort = errors.New("oauth state secret must be at least 32 bytes")

// stateClaims binds a state value to one pending connection
type stateClaims struct {
	jwt.RegisteredClaims
	Platform    integration.Platform `json:"plt"`
	SubResource string               `json:"sub,omitempty"`
}

// StateSigner issues HS256-signed, expiring OAuth state values.
// Each value carries a random nonce in jti, so two issues never collide.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner creates a StateSigner; ttl should match the state store TTL
func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	if len(secret) < 32 {
		return nil, ErrStateSecretTooShort
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a state for (userID, platform, subResource)
func (s *StateSigner) Issue(userID uuid.UUID, platform integration.Platform, subResource string) (string, error) {
	now := s.now()
	claims := &stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Platform:    platform,
		SubResource: subResource,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks signature, expiry and that the state was issued for userID and platform
func (s *StateSigner) Verify(state string, userID uuid.UUID, platform integration.Platform) error {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject != userID.String() || claims.Platform != platform {
		return ErrInvalidClaims
	}
	return nil
}

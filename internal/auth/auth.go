// Package auth signs and verifies the bearer tokens devices present to the
// cloud record store.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Known scopes for the cloud record store.
const (
	ScopeRecordsRead  = "records:read"
	ScopeRecordsWrite = "records:write"
	ScopeSharesWrite  = "shares:write"
)

// clockSkew tolerates devices whose clocks run slightly off the cloud's.
const clockSkew = 30 * time.Second

var (
	// ErrMissingToken is returned when no bearer token is presented.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps every signature, issuer, expiry or claim failure.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Config holds the shared HMAC secret and the expected issuer.
type Config struct {
	Secret string
	Issuer string
}

// Claims identify a device and the family space it acts in. Every record and
// share the cloud holds is scoped to SpaceID.
type Claims struct {
	SpaceID string   `json:"space_id"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return c != nil && slices.Contains(c.Scopes, scope)
}

// Issue signs an HS256 token for subject within spaceID, valid for ttl from now.
func Issue(cfg Config, subject, spaceID string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if subject == "" || spaceID == "" {
		return "", errors.New("subject and space are required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token lifetime must be positive, got %s", ttl)
	}
	claims := Claims{
		SpaceID: spaceID,
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    cfg.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// Parse verifies token against cfg and returns its claims.
func Parse(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return []byte(cfg.Secret), nil },
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.SpaceID == "" {
		return nil, fmt.Errorf("%w: subject and space_id are required", ErrInvalidToken)
	}
	return claims, nil
}

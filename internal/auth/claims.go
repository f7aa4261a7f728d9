package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedToken is returned for any access token whose claims cannot be decoded.
	ErrMalformedToken = errors.New("malformed access token")
)

// Claims are the access token claims the client relies on. Any other claims in the
// payload are ignored.
type Claims struct {
	UserID  int64
	IsAdmin bool
	Expiry  time.Time
}

// Expired returns true if the token expired before now.
func (c *Claims) Expired(now time.Time) bool {
	return c.Expiry.Before(now)
}

// wireClaims mirrors the backend payload. Pointers distinguish absent from zero.
type wireClaims struct {
	jwt.RegisteredClaims
	UserID  *int64 `json:"user_id"`
	IsAdmin *bool  `json:"is_admin"`
}

// DecodeClaims reads the claims of an access token without verifying its signature;
// the client never holds the signing key and only uses the claims to drive local state.
// Missing user_id or exp, or claims of the wrong type, fail with ErrMalformedToken.
func DecodeClaims(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}

	var wire wireClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if wire.UserID == nil {
		return nil, fmt.Errorf("%w: missing user_id", ErrMalformedToken)
	}
	if wire.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrMalformedToken)
	}

	claims := &Claims{
		UserID: *wire.UserID,
		Expiry: wire.ExpiresAt.Time,
	}
	if wire.IsAdmin != nil {
		claims.IsAdmin = *wire.IsAdmin
	}

	return claims, nil
}

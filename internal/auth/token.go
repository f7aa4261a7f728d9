package auth

import (
	"crypto/ecdsa"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer identifies development tokens minted by the CLI.
const Issuer = "tutor-cli"

// IssueToken creates a signed access token for the given user.
// signingKeyPEM is the PEM-encoded ECDSA private key.
func IssueToken(signingKeyPEM string, userID int64, isAdmin bool, ttl time.Duration) (string, error) {
	signingKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(signingKeyPEM))
	if err != nil {
		return "", err
	}

	return SignToken(signingKey, userID, isAdmin, ttl)
}

// SignToken creates an access token signed with the provided key.
// A negative ttl produces a token that is already expired.
func SignToken(signingKey *ecdsa.PrivateKey, userID int64, isAdmin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:  &userID,
		IsAdmin: &isAdmin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(signingKey)
}

package models

import (
	"time"

	"golang.org/x/oauth2"
)

// TokenPair is the credential pair issued by the backend on login, register and refresh.
// The refresh token rotates: every successful refresh invalidates the previous one server-side.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Valid returns true if both tokens are present.
func (p TokenPair) Valid() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// OAuth2 converts the pair into an oauth2 bearer token expiring at expiry.
func (p TokenPair) OAuth2(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       expiry,
	}
}

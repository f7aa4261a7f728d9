package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// rawToken builds an unsigned token from a literal JSON payload.
func rawToken(payload string) string {
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." +
		enc.EncodeToString([]byte(payload)) + ".c2ln"
}

func TestDecodeClaims(t *testing.T) {
	key := generateKey(t)

	t.Run("signed token", func(t *testing.T) {
		token, err := SignToken(key, 42, true, time.Hour)
		require.NoError(t, err)

		claims, err := DecodeClaims(token)
		require.NoError(t, err)
		assert.Equal(t, int64(42), claims.UserID)
		assert.True(t, claims.IsAdmin)
		assert.WithinDuration(t, time.Now().Add(time.Hour), claims.Expiry, 2*time.Second)
		assert.False(t, claims.Expired(time.Now()))
	})

	t.Run("ignores unknown fields", func(t *testing.T) {
		claims, err := DecodeClaims(rawToken(`{"user_id":7,"is_admin":false,"exp":4102444800,"theme":"dark","scopes":["a"]}`))
		require.NoError(t, err)
		assert.Equal(t, int64(7), claims.UserID)
		assert.False(t, claims.IsAdmin)
	})

	t.Run("missing is_admin is not elevated", func(t *testing.T) {
		claims, err := DecodeClaims(rawToken(`{"user_id":7,"exp":4102444800}`))
		require.NoError(t, err)
		assert.False(t, claims.IsAdmin)
	})

	t.Run("expired token still decodes", func(t *testing.T) {
		token, err := SignToken(key, 1, false, -time.Minute)
		require.NoError(t, err)

		claims, err := DecodeClaims(token)
		require.NoError(t, err)
		assert.True(t, claims.Expired(time.Now()))
	})
}

func TestDecodeClaims_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "not a jwt", token: "garbage"},
		{name: "two segments", token: "abc.def"},
		{name: "bad base64 payload", token: "eyJhbGciOiJIUzI1NiJ9.%%%.sig"},
		{name: "payload not json", token: rawToken(`not-json`)},
		{name: "user_id wrong type", token: rawToken(`{"user_id":"7","exp":4102444800}`)},
		{name: "is_admin wrong type", token: rawToken(`{"user_id":7,"is_admin":"yes","exp":4102444800}`)},
		{name: "missing user_id", token: rawToken(`{"is_admin":true,"exp":4102444800}`)},
		{name: "missing exp", token: rawToken(`{"user_id":7,"is_admin":true}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := DecodeClaims(tt.token)
			require.ErrorIs(t, err, ErrMalformedToken)
			assert.Nil(t, claims)
		})
	}
}

func TestIssueToken(t *testing.T) {
	key := generateKey(t)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	token, err := IssueToken(string(keyPEM), 9, false, 15*time.Minute)
	require.NoError(t, err)

	claims, err := DecodeClaims(token)
	require.NoError(t, err)
	assert.Equal(t, int64(9), claims.UserID)
	assert.False(t, claims.IsAdmin)

	_, err = IssueToken("not a pem", 9, false, time.Minute)
	require.Error(t, err)
}

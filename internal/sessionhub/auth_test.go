package sessionhub

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestHMACVerifierAcceptsValidToken(t *testing.T) {
	secret := []byte("test-secret")
	v := NewHMACVerifier(secret)
	claims := Claims{
		UserID: "u1",
		Role:   "PREMIUM",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := signToken(t, secret, claims)

	got, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u1", got.UserID)
	require.Equal(t, "PREMIUM", got.Role)
}

func TestHMACVerifierRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	v := NewHMACVerifier(secret)
	claims := Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token := signToken(t, secret, claims)

	_, err := v.Verify(token)
	require.Error(t, err)
}

func TestHMACVerifierRejectsWrongSecret(t *testing.T) {
	v := NewHMACVerifier([]byte("right-secret"))
	token := signToken(t, []byte("wrong-secret"), Claims{UserID: "u1"})

	_, err := v.Verify(token)
	require.Error(t, err)
}

func TestHMACVerifierRejectsMissingUserID(t *testing.T) {
	secret := []byte("test-secret")
	v := NewHMACVerifier(secret)
	token := signToken(t, secret, Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}})

	_, err := v.Verify(token)
	require.Error(t, err)
}

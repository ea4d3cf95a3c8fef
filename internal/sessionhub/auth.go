package sessionhub

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ocx/backend/internal/errs"
)

// Claims carries the handshake bearer token's identity, verified once at
// connect and stored on the socket for the connection's lifetime (§4.6).
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier verifies the WS handshake bearer token. Implementations
// own the signing secret/key; sessionhub never sees it directly.
type TokenVerifier interface {
	Verify(token string) (Claims, error)
}

// HMACVerifier is a TokenVerifier backed by a shared HMAC secret,
// matching the symmetric-key convention used for invite tokens in
// membership (§4.7).
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, errs.Wrap(errs.KindAuth, "invalid_token", "handshake token is invalid or expired", err)
	}
	if claims.UserID == "" {
		return Claims{}, errs.New(errs.KindAuth, "invalid_token", "handshake token is missing userId")
	}
	return claims, nil
}

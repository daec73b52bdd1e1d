// Package auth issues and validates the signed tokens peers present on the
// cluster port.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrAuthenticationFailed = errors.New("authentication failed")

// TokenAuthority mints and verifies HS256 tokens shared by cluster peers.
type TokenAuthority struct {
	secret []byte
	issuer string
}

// NewTokenAuthority creates an authority over a shared secret.
func NewTokenAuthority(secret []byte, issuer string) *TokenAuthority {
	return &TokenAuthority{secret: secret, issuer: issuer}
}

// Mint issues a token for a peer identity.
func (a *TokenAuthority) Mint(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns the peer identity.
func (a *TokenAuthority) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrAuthenticationFailed)
	}
	return claims.Subject, nil
}

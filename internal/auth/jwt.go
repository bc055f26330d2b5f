// Package auth issues and verifies the HS256 tokens that telemetry
// clients present to the relay.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "attentive"

var (
	// ErrNoToken is returned when no token was presented.
	ErrNoToken = errors.New("no token provided")
	// ErrTokenExpired is returned for a well-formed but expired token.
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidToken covers every other verification failure.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the token body. Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenAuthenticator signs and verifies client tokens with a shared secret.
type TokenAuthenticator struct {
	secret []byte
	now    func() time.Time
}

// NewTokenAuthenticator returns nil when secret is empty, which callers
// treat as authentication disabled.
func NewTokenAuthenticator(secret string) *TokenAuthenticator {
	if secret == "" {
		return nil
	}
	return &TokenAuthenticator{secret: []byte(secret), now: time.Now}
}

// Issue creates a token for userID valid for ttl.
func (a *TokenAuthenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Authenticate verifies tokenString and returns the user id it was
// issued for.
func (a *TokenAuthenticator) Authenticate(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrNoToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return subject, nil
}

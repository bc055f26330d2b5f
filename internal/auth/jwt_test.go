package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewTokenAuthenticator_EmptySecretDisables(t *testing.T) {
	if NewTokenAuthenticator("") != nil {
		t.Error("expected nil authenticator for empty secret")
	}
}

func TestIssueAndAuthenticate(t *testing.T) {
	a := NewTokenAuthenticator("test-secret")

	token, err := a.Issue("user-42", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	user, err := a.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user != "user-42" {
		t.Errorf("user = %q, want user-42", user)
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	a := NewTokenAuthenticator("test-secret")
	other := NewTokenAuthenticator("other-secret")

	expired := NewTokenAuthenticator("test-secret")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, err := expired.Issue("u", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	foreignToken, err := other.Issue("u", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u", Issuer: issuer}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none token: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrNoToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", foreignToken, ErrInvalidToken},
		{"expired", expiredToken, ErrTokenExpired},
		{"alg none", noneToken, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Authenticate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

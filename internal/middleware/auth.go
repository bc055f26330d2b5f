package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rjsadow/attentive/internal/auth"
)

// SubjectKey is the context key for the authenticated user id.
const SubjectKey contextKey = "subject"

// Authenticator verifies a bearer token and returns its subject.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// TokenFromRequest extracts a bearer token. Browser WebSocket clients
// cannot set headers, so the "token" query parameter is checked first,
// then the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return ""
}

// RequireToken rejects requests without a valid token. A nil
// authenticator disables the check.
func RequireToken(authenticator Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if authenticator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := authenticator.Authenticate(TokenFromRequest(r))
			if err != nil {
				msg := "Unauthorized"
				if errors.Is(err, auth.ErrTokenExpired) {
					msg = "Token expired"
				}
				slog.Debug("auth: rejected request", "path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
				http.Error(w, msg, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), SubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSubject returns the authenticated user id, or "" when the request
// was not authenticated.
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectKey).(string); ok {
		return s
	}
	return ""
}

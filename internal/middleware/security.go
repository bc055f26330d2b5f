// Package middleware provides HTTP middleware for the relay server.
package middleware

import (
	"net/http"
)

// SecurityHeaders adds hardening headers to every response. The relay
// serves no HTML, so the content policy denies everything except
// connections back to the relay itself.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy",
			"default-src 'none'; "+
				"connect-src 'self' ws: wss:; "+
				"frame-ancestors 'none'")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		next.ServeHTTP(w, r)
	})
}

// Package server provides the HTTP handler assembly for the relay.
// It accepts all dependencies as parameters so that both main() and tests
// can build the same handler chain without route drift.
package server

import (
	"context"
	"io"
	"net/http"

	"github.com/rjsadow/attentive/internal/config"
	"github.com/rjsadow/attentive/internal/diagnostics"
	"github.com/rjsadow/attentive/internal/gateway"
	"github.com/rjsadow/attentive/internal/middleware"
	"github.com/rjsadow/attentive/internal/relay"
	"github.com/rjsadow/attentive/internal/sse"
	"github.com/rjsadow/attentive/internal/websocket"
)

// ArchiveOpener opens the stored archive of a session.
type ArchiveOpener interface {
	Open(ctx context.Context, sessionID string) (io.ReadCloser, error)
}

// App holds all dependencies needed to build the HTTP handler.
type App struct {
	Relay            *relay.Relay
	WebSocketHandler *websocket.Handler
	Hub              *sse.Hub                 // nil disables the channel tap
	Archives         ArchiveOpener            // nil disables archive downloads
	Limiter          *gateway.RateLimiter     // nil disables rate limiting
	Authenticator    middleware.Authenticator // nil disables bearer tokens
	DiagCollector    *diagnostics.Collector
	Config           *config.Config
}

// Handler builds and returns the complete HTTP handler with all routes
// registered and middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	h := &handlers{app: a}

	// Observability endpoints (public, no auth required)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)

	requireToken := middleware.RequireToken(a.Authenticator)
	ingest := func(handler http.Handler) http.Handler {
		return gateway.Limit(a.Limiter, requireToken(handler))
	}

	// Operator endpoints
	mux.Handle("/api/diagnostics", requireToken(http.HandlerFunc(h.handleDiagnostics)))
	if a.Hub != nil {
		mux.Handle("/api/channels/events", requireToken(a.Hub))
	}
	mux.Handle("/api/sessions/", requireToken(http.HandlerFunc(h.handleSessionRoutes)))

	// Telemetry ingestion
	var maxBody int64
	if a.Config != nil {
		maxBody = a.Config.MaxBodyBytes
	}
	mux.Handle("/api/events", ingest(relay.NewHTTPHandler(a.Relay, maxBody)))
	if a.WebSocketHandler != nil {
		mux.Handle("/ws", ingest(a.WebSocketHandler))
	}

	// Wrap with middleware
	return middleware.SecurityHeaders(middleware.RequestID(mux))
}

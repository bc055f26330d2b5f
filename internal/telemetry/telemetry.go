// Package telemetry delivers session events from the capture client to the
// relay, either streamed over a WebSocket or batched over HTTP.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rjsadow/attentive/internal/event"
)

// Status is the human-facing connection state reported to the host.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusEnded        Status = "ended"

	// Reported by the capture loop rather than a transport.
	StatusSearching Status = "searching_for_face"
	StatusTracking  Status = "tracking"
)

// StatusFunc receives every status change with a short description.
type StatusFunc func(status Status, detail string)

// Transport sends events to the relay. SendEvent never blocks and never
// fails; delivery problems are logged and recovered inside Run.
type Transport interface {
	SendEvent(ev event.Event)
	Run(ctx context.Context) error
}

// Identity supplies the session fields stamped on transport-generated
// events.
type Identity interface {
	ID() string
	UserID() string
	Now() time.Time
}

// startEvent builds the start event sent when a transport comes up.
func startEvent(id Identity, userAgent string) (event.Event, error) {
	return event.New(id.ID(), id.UserID(), event.KindStart, id.Now(), event.StartPayload{UserAgent: userAgent})
}

func notify(fn StatusFunc, status Status, detail string) {
	slog.Debug("telemetry: status", "status", status, "detail", detail)
	if fn != nil {
		fn(status, detail)
	}
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

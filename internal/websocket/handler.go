// Package websocket serves the streaming telemetry endpoint.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/utils/clock"

	"github.com/rjsadow/attentive/internal/attention"
	"github.com/rjsadow/attentive/internal/event"
	"github.com/rjsadow/attentive/internal/middleware"
	"github.com/rjsadow/attentive/internal/pubsub"
	"github.com/rjsadow/attentive/internal/relay"
)

const (
	DefaultPingInterval    = 30 * time.Second
	DefaultMaxMessageBytes = 1 << 20
	writeTimeout           = 10 * time.Second
)

// Options configures a Handler.
type Options struct {
	// Analyzer receives meaningful events. Nil disables attention analysis.
	Analyzer pubsub.Publisher
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins  []string
	PingInterval    time.Duration
	MaxMessageBytes int64
	Clock           clock.WithTicker
}

// Handler accepts one session's event stream per connection. Every frame
// is relayed independently; alerts are written back as text frames.
type Handler struct {
	relay    *relay.Relay
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler creates the /ws handler.
func NewHandler(r *relay.Relay, opts Options) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	h := &Handler{relay: r, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, origin)
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeText(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// ServeHTTP upgrades the connection and runs its read loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(h.opts.MaxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{ws: ws}
	go h.keepAlive(ctx, c)

	var analyzer *attention.Analyzer
	if h.opts.Analyzer != nil {
		analyzer = attention.NewAnalyzer(h.opts.Analyzer, h.opts.Clock)
	}
	subject := middleware.GetSubject(r.Context())

	slog.Info("websocket: connection opened", "remote", r.RemoteAddr, "request_id", middleware.GetRequestID(r.Context()))
	err = h.readLoop(ctx, c, analyzer, subject)
	if err != nil && !isCloseError(err) {
		slog.Warn("websocket: connection error", "remote", r.RemoteAddr, "error", err)
	}
	slog.Info("websocket: connection closed", "remote", r.RemoteAddr)
}

func (h *Handler) readLoop(ctx context.Context, c *conn, analyzer *attention.Analyzer, subject string) error {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("websocket: skipping malformed frame", "error", err)
			continue
		}
		if ev.UserID == "" {
			ev.UserID = subject
		}

		if _, err := h.relay.Handle(ctx, ev); err != nil {
			var verr *relay.ValidationError
			if errors.As(err, &verr) {
				slog.Warn("websocket: skipping invalid event", "session_id", ev.SessionID, "error", err)
				continue
			}
			// Publish failures were logged by the relay; keep the connection.
		}

		if analyzer == nil {
			continue
		}
		for _, alert := range analyzer.Observe(ctx, ev) {
			if err := c.writeText(alert); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) keepAlive(ctx context.Context, c *conn) {
	ticker := h.opts.Clock.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := c.ping(); err != nil {
				slog.Debug("websocket: ping failed", "error", err)
				c.ws.Close()
				return
			}
		}
	}
}

// isCloseError checks if the error is a normal close error
func isCloseError(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return false
}

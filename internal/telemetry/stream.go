package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/utils/clock"

	"github.com/rjsadow/attentive/internal/event"
)

const (
	// ReconnectDelay is the fixed wait before redialing after a close or
	// error. There is no backoff and no retry cap.
	ReconnectDelay = 5 * time.Second

	DefaultQueueSize = 64
	closeGrace       = time.Second
)

// Conn is the subset of *websocket.Conn used by the stream transport.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens one WebSocket connection.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// TransportEvent is one connection outcome fed to the stream state
// machine: Opened, Closed, Errored or MessageReceived.
type TransportEvent interface {
	transportEvent()
}

// Opened reports a successful dial.
type Opened struct{ conn *connection }

// Closed reports that the peer closed the connection.
type Closed struct {
	conn *connection
	Err  error
}

// Errored reports a dial, read or write failure.
type Errored struct {
	conn *connection
	Err  error
}

// MessageReceived carries one inbound text frame.
type MessageReceived struct {
	conn *connection
	Data []byte
}

func (Opened) transportEvent()          {}
func (Closed) transportEvent()          {}
func (Errored) transportEvent()         {}
func (MessageReceived) transportEvent() {}

// StreamOptions configures a StreamTransport.
type StreamOptions struct {
	URL       string
	Token     string
	UserAgent string
	Dialer    Dialer
	Clock     clock.Clock
	QueueSize int
	// OnMessage receives each non-empty line of every inbound text frame.
	OnMessage func(line string)
	OnStatus  StatusFunc
}

// StreamTransport holds at most one WebSocket connection and redials it
// forever. Events sent while no connection is open are dropped.
type StreamTransport struct {
	id   Identity
	opts StreamOptions

	mu      sync.Mutex
	current *connection
	dials   sync.WaitGroup
}

// NewStreamTransport creates a streaming transport for the session id.
func NewStreamTransport(id Identity, opts StreamOptions) *StreamTransport {
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &StreamTransport{id: id, opts: opts}
}

// SendEvent queues ev on the open connection, or drops it.
func (t *StreamTransport) SendEvent(ev event.Event) {
	t.mu.Lock()
	c := t.current
	t.mu.Unlock()

	if c == nil {
		slog.Debug("telemetry: dropped event, not connected", "event_type", ev.Type)
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("telemetry: encode event", "event_type", ev.Type, "error", err)
		return
	}
	if !c.enqueue(body) {
		slog.Debug("telemetry: dropped event, queue full or closing", "event_type", ev.Type)
	}
}

// Connected reports whether a connection is currently open.
func (t *StreamTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

// Run dials, handles connection outcomes and reconnects until ctx is done.
// Queued events are flushed before the final close.
func (t *StreamTransport) Run(ctx context.Context) error {
	events := make(chan TransportEvent, 16)

	var (
		timer   clock.Timer
		pending <-chan time.Time
	)
	scheduleReconnect := func() {
		if pending != nil {
			return
		}
		notify(t.opts.OnStatus, StatusReconnecting, "reconnecting in "+ReconnectDelay.String())
		timer = t.opts.Clock.NewTimer(ReconnectDelay)
		pending = timer.C()
	}

	t.dial(ctx, events)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			t.dials.Wait()
			discardOpened(events)
			if c := t.swap(nil); c != nil {
				c.shutdown(t.opts.Clock, closeGrace)
			}
			notify(t.opts.OnStatus, StatusEnded, "session ended")
			return nil

		case <-pending:
			pending = nil
			t.dial(ctx, events)

		case te := <-events:
			switch e := te.(type) {
			case Opened:
				t.swap(e.conn)
				go e.conn.readLoop(ctx, events)
				go e.conn.writeLoop(ctx, events)
				notify(t.opts.OnStatus, StatusConnected, "connected to "+t.opts.URL)
				if start, err := startEvent(t.id, t.opts.UserAgent); err == nil {
					t.SendEvent(start)
				}

			case MessageReceived:
				if t.opts.OnMessage == nil {
					continue
				}
				for _, line := range strings.Split(string(e.Data), "\n") {
					if line = strings.TrimSpace(line); line != "" {
						t.opts.OnMessage(line)
					}
				}

			case Closed:
				if !t.release(e.conn) {
					continue
				}
				slog.Info("telemetry: connection closed", "error", e.Err)
				scheduleReconnect()

			case Errored:
				if !t.release(e.conn) {
					continue
				}
				slog.Warn("telemetry: connection error", "error", e.Err)
				notify(t.opts.OnStatus, StatusError, e.Err.Error())
				scheduleReconnect()
			}
		}
	}
}

func (t *StreamTransport) dial(ctx context.Context, events chan<- TransportEvent) {
	notify(t.opts.OnStatus, StatusConnecting, "connecting to "+t.opts.URL)
	t.dials.Add(1)
	go func() {
		defer t.dials.Done()
		ws, err := t.opts.Dialer.Dial(ctx, t.opts.URL, authHeader(t.opts.Token))
		var te TransportEvent
		if err != nil {
			te = Errored{Err: err}
		} else {
			te = Opened{conn: newConnection(ws, t.opts.QueueSize)}
		}
		select {
		case events <- te:
		case <-ctx.Done():
			if ws != nil {
				ws.Close()
			}
		}
	}()
}

// discardOpened closes connections whose Opened outcome was still queued
// when the transport stopped.
func discardOpened(events <-chan TransportEvent) {
	for {
		select {
		case te := <-events:
			if o, ok := te.(Opened); ok {
				o.conn.close()
			}
		default:
			return
		}
	}
}

func (t *StreamTransport) swap(c *connection) *connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.current
	t.current = c
	return prev
}

// release clears c if it is the current connection. Outcomes from a
// connection that was already replaced are stale and reported false; a
// failed dial (nil c) is always current.
func (t *StreamTransport) release(c *connection) bool {
	if c == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != c {
		return false
	}
	t.current = nil
	c.close()
	return true
}

// connection owns one socket, its bounded writer queue and the
// goroutines that read from and write to it.
type connection struct {
	ws      Conn
	queue   chan []byte
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newConnection(ws Conn, queueSize int) *connection {
	return &connection{
		ws:      ws,
		queue:   make(chan []byte, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (c *connection) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- msg:
		return true
	default:
		return false
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// shutdown lets the writer flush what is queued, then closes.
func (c *connection) shutdown(clk clock.Clock, grace time.Duration) {
	c.once.Do(func() { close(c.done) })
	select {
	case <-c.stopped:
	case <-clk.After(grace):
	}
	c.ws.Close()
}

func (c *connection) readLoop(ctx context.Context, events chan<- TransportEvent) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			var te TransportEvent = Errored{conn: c, Err: err}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				te = Closed{conn: c, Err: err}
			}
			c.emit(ctx, events, te)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !c.emit(ctx, events, MessageReceived{conn: c, Data: data}) {
			return
		}
	}
}

func (c *connection) writeLoop(ctx context.Context, events chan<- TransportEvent) {
	defer close(c.stopped)
	for {
		select {
		case msg := <-c.queue:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.emit(ctx, events, Errored{conn: c, Err: err})
				return
			}
		case <-c.done:
			c.drain()
			return
		}
	}
}

// drain writes whatever is still queued and sends a close frame.
func (c *connection) drain() {
	for {
		select {
		case msg := <-c.queue:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *connection) emit(ctx context.Context, events chan<- TransportEvent, te TransportEvent) bool {
	select {
	case events <- te:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/rjsadow/attentive/internal/event"
)

type fakeIdentity struct{ now time.Time }

func (f fakeIdentity) ID() string     { return "S1" }
func (f fakeIdentity) UserID() string { return "u1" }
func (f fakeIdentity) Now() time.Time { return f.now }

type readResult struct {
	typ  int
	data []byte
	err  error
}

type fakeConn struct {
	reads    chan readResult
	writes   chan []byte
	closes   chan []byte
	closed   chan struct{}
	once     sync.Once
	writeErr error
	// stall makes writes hang until the connection is closed.
	stall bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan readResult, 8),
		writes: make(chan []byte, 64),
		closes: make(chan []byte, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.reads:
		return r.typ, r.data, r.err
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(typ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed network connection")
	default:
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.stall {
		<-c.closed
		return errors.New("use of closed network connection")
	}
	if typ == websocket.CloseMessage {
		c.closes <- data
		return nil
	}
	c.writes <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out queued results in order and counts dials.
type fakeDialer struct {
	mu      sync.Mutex
	results []func() (Conn, error)
	dials   int
	headers []http.Header
}

func (d *fakeDialer) push(conn *fakeConn, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, func() (Conn, error) {
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.headers = append(d.headers, header)
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.results[0]
	d.results = d.results[1:]
	return next()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s Status, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

type streamHarness struct {
	transport *StreamTransport
	dialer    *fakeDialer
	clock     *testingclock.FakeClock
	status    *statusRecorder
	cancel    context.CancelFunc
	done      chan error

	mu    sync.Mutex
	lines []string
}

func startStream(t *testing.T, dialer *fakeDialer) *streamHarness {
	t.Helper()
	h := &streamHarness{
		dialer: dialer,
		clock:  testingclock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		status: &statusRecorder{},
		done:   make(chan error, 1),
	}
	h.transport = NewStreamTransport(fakeIdentity{now: h.clock.Now()}, StreamOptions{
		URL:       "ws://relay.test/ws",
		Token:     "tok",
		UserAgent: "attentive-test/1.0",
		Dialer:    dialer,
		Clock:     h.clock,
		OnStatus:  h.status.record,
		OnMessage: func(line string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.lines = append(h.lines, line)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.transport.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *streamHarness) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

func decodeEvent(g Gomega, raw []byte) event.Event {
	var ev event.Event
	g.Expect(json.Unmarshal(raw, &ev)).To(Succeed())
	return ev
}

func TestStream_SendsStartOnOpen(t *testing.T) {
	g := NewWithT(t)
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(conn, nil)

	h := startStream(t, dialer)

	var raw []byte
	g.Eventually(conn.writes).Should(Receive(&raw))
	start := decodeEvent(g, raw)
	g.Expect(start.Type).To(Equal(event.KindStart))
	g.Expect(start.SessionID).To(Equal("S1"))
	g.Expect(string(start.Payload)).To(MatchJSON(`{"userAgent":"attentive-test/1.0"}`))

	g.Expect(h.transport.Connected()).To(BeTrue())
	g.Expect(h.status.all()).To(Equal([]Status{StatusConnecting, StatusConnected}))
	g.Expect(dialer.headers[0].Get("Authorization")).To(Equal("Bearer tok"))
}

func TestStream_DropsWhenNotConnected(t *testing.T) {
	g := NewWithT(t)
	tr := NewStreamTransport(fakeIdentity{}, StreamOptions{Dialer: &fakeDialer{}})

	ev, err := event.New("S1", "u1", event.KindData, time.Now(), map[string]float64{"ear_left": 0.3})
	g.Expect(err).NotTo(HaveOccurred())
	tr.SendEvent(ev)

	g.Expect(tr.Connected()).To(BeFalse())
}

func TestStream_SendsEventsInOrder(t *testing.T) {
	g := NewWithT(t)
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(conn, nil)
	h := startStream(t, dialer)

	g.Eventually(conn.writes).Should(Receive())
	for i := range 3 {
		ev, err := event.New("S1", "u1", event.KindData, h.clock.Now(), map[string]int{"seq": i})
		g.Expect(err).NotTo(HaveOccurred())
		h.transport.SendEvent(ev)
	}

	for i := range 3 {
		var raw []byte
		g.Eventually(conn.writes).Should(Receive(&raw))
		ev := decodeEvent(g, raw)
		g.Expect(string(ev.Payload)).To(MatchJSON(fmt.Sprintf(`{"seq":%d}`, i)))
	}
}

func TestStream_SplitsInboundLines(t *testing.T) {
	g := NewWithT(t)
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(conn, nil)
	h := startStream(t, dialer)

	conn.reads <- readResult{typ: websocket.TextMessage, data: []byte("first alert\n\nsecond alert\n")}
	conn.reads <- readResult{typ: websocket.BinaryMessage, data: []byte("ignored")}
	conn.reads <- readResult{typ: websocket.TextMessage, data: []byte("third")}

	g.Eventually(h.received).Should(Equal([]string{"first alert", "second alert", "third"}))
}

func TestStream_ReconnectsAfterFixedDelay(t *testing.T) {
	g := NewWithT(t)
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(first, nil)
	dialer.push(second, nil)
	h := startStream(t, dialer)

	g.Eventually(first.writes).Should(Receive())
	first.reads <- readResult{err: &websocket.CloseError{Code: websocket.CloseGoingAway}}

	g.Eventually(h.clock.HasWaiters).Should(BeTrue())
	g.Expect(h.transport.Connected()).To(BeFalse())
	g.Expect(first.isClosed()).To(BeTrue())
	g.Expect(h.status.all()).To(ContainElement(StatusReconnecting))

	h.clock.Step(ReconnectDelay - time.Second)
	g.Consistently(dialer.count).WithTimeout(50 * time.Millisecond).Should(Equal(1))

	h.clock.Step(time.Second)
	g.Eventually(dialer.count).Should(Equal(2))

	var raw []byte
	g.Eventually(second.writes).Should(Receive(&raw))
	g.Expect(decodeEvent(g, raw).Type).To(Equal(event.KindStart))
	g.Expect(h.transport.Connected()).To(BeTrue())
}

func TestStream_RetriesFailedDialsForever(t *testing.T) {
	g := NewWithT(t)
	dialer := &fakeDialer{}
	h := startStream(t, dialer)

	for attempt := 1; attempt <= 4; attempt++ {
		g.Eventually(dialer.count).Should(Equal(attempt))
		g.Eventually(h.clock.HasWaiters).Should(BeTrue())
		h.clock.Step(ReconnectDelay)
	}
	g.Eventually(dialer.count).Should(Equal(5))
	g.Expect(h.status.all()).To(ContainElement(StatusError))
}

func TestStream_OneTimerPerOutage(t *testing.T) {
	g := NewWithT(t)
	broken := newFakeConn()
	broken.writeErr = errors.New("broken pipe")
	healthy := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(broken, nil)
	dialer.push(healthy, nil)
	h := startStream(t, dialer)

	// The start write fails and the read side then fails as the socket
	// closes: two outcomes, one reconnect.
	g.Eventually(h.clock.HasWaiters).Should(BeTrue())
	g.Eventually(broken.isClosed).Should(BeTrue())
	h.clock.Step(ReconnectDelay)

	g.Eventually(healthy.writes).Should(Receive())
	h.clock.Step(10 * ReconnectDelay)
	g.Consistently(dialer.count).WithTimeout(50 * time.Millisecond).Should(Equal(2))
}

func TestStream_FlushesAndClosesOnShutdown(t *testing.T) {
	g := NewWithT(t)
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(conn, nil)
	h := startStream(t, dialer)
	g.Eventually(conn.writes).Should(Receive())

	end, err := event.New("S1", "u1", event.KindEnd, h.clock.Now(), event.EndPayload{Reason: "teardown"})
	g.Expect(err).NotTo(HaveOccurred())
	h.transport.SendEvent(end)
	h.cancel()
	g.Eventually(h.done).Should(Receive(BeNil()))

	var raw []byte
	g.Eventually(conn.writes).Should(Receive(&raw))
	g.Expect(decodeEvent(g, raw).Type).To(Equal(event.KindEnd))
	g.Eventually(conn.closes).Should(Receive())
	g.Expect(conn.isClosed()).To(BeTrue())
	g.Expect(h.status.all()).To(HaveExactElements(StatusConnecting, StatusConnected, StatusEnded))
	h.done <- nil
}

func TestStream_ReconnectsAfterRepeatedCloses(t *testing.T) {
	g := NewWithT(t)
	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn(), newFakeConn()}
	dialer := &fakeDialer{}
	for _, c := range conns {
		dialer.push(c, nil)
	}
	h := startStream(t, dialer)

	for i := range 3 {
		g.Eventually(conns[i].writes).Should(Receive())
		conns[i].reads <- readResult{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}}

		g.Eventually(h.clock.HasWaiters).Should(BeTrue())
		g.Expect(conns[i].isClosed()).To(BeTrue())
		g.Expect(h.transport.Connected()).To(BeFalse())

		h.clock.Step(ReconnectDelay)
		g.Eventually(dialer.count).Should(Equal(i + 2))
	}

	var raw []byte
	g.Eventually(conns[3].writes).Should(Receive(&raw))
	g.Expect(decodeEvent(g, raw).Type).To(Equal(event.KindStart))

	reconnects := 0
	for _, s := range h.status.all() {
		if s == StatusReconnecting {
			reconnects++
		}
	}
	g.Expect(reconnects).To(Equal(3))
}

func TestStream_ShutdownGraceUsesClock(t *testing.T) {
	g := NewWithT(t)
	conn := newFakeConn()
	conn.stall = true
	dialer := &fakeDialer{}
	dialer.push(conn, nil)
	h := startStream(t, dialer)

	g.Eventually(h.transport.Connected).Should(BeTrue())
	h.cancel()

	g.Eventually(h.clock.HasWaiters).Should(BeTrue())
	g.Consistently(h.done).WithTimeout(50 * time.Millisecond).ShouldNot(Receive())

	h.clock.Step(closeGrace)
	g.Eventually(h.done).Should(Receive(BeNil()))
	g.Expect(conn.isClosed()).To(BeTrue())
	h.done <- nil
}

// gatedDialer blocks inside Dial until released and then succeeds even
// if the context was cancelled meanwhile.
type gatedDialer struct {
	entered chan struct{}
	release chan struct{}
	conn    *fakeConn
}

func (d *gatedDialer) Dial(context.Context, string, http.Header) (Conn, error) {
	close(d.entered)
	<-d.release
	return d.conn, nil
}

func TestStream_DialCompletingAfterShutdownIsClosed(t *testing.T) {
	g := NewWithT(t)
	dialer := &gatedDialer{entered: make(chan struct{}), release: make(chan struct{}), conn: newFakeConn()}
	status := &statusRecorder{}
	tr := NewStreamTransport(fakeIdentity{}, StreamOptions{
		URL:      "ws://relay.test/ws",
		Dialer:   dialer,
		Clock:    testingclock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		OnStatus: status.record,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	g.Eventually(dialer.entered).Should(BeClosed())
	cancel()
	close(dialer.release)

	g.Eventually(done).Should(Receive(BeNil()))
	g.Expect(dialer.conn.isClosed()).To(BeTrue())
	g.Expect(tr.Connected()).To(BeFalse())
	g.Expect(status.all()).NotTo(ContainElement(StatusConnected))
}

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/rjsadow/attentive/internal/buffer"
	"github.com/rjsadow/attentive/internal/event"
)

const (
	// FlushInterval is how often buffered data is posted.
	FlushInterval = 10 * time.Second

	DefaultPostTimeout = 10 * time.Second
)

// BatchOptions configures a BatchTransport.
type BatchOptions struct {
	URL         string
	Token       string
	UserAgent   string
	Client      *http.Client
	Clock       clock.WithTicker
	Interval    time.Duration
	PostTimeout time.Duration
	OnStatus    StatusFunc
}

// BatchTransport buffers data payloads and posts them as one data event
// per flush interval. Session start and end are posted immediately.
type BatchTransport struct {
	id     Identity
	opts   BatchOptions
	buffer *buffer.Buffer[json.RawMessage]

	inflight sync.WaitGroup
	// flushMu orders data batches before the end event.
	flushMu sync.Mutex

	mu     sync.Mutex
	failed bool
}

// NewBatchTransport creates a batch transport for the session id.
func NewBatchTransport(id Identity, opts BatchOptions) *BatchTransport {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = FlushInterval
	}
	if opts.PostTimeout <= 0 {
		opts.PostTimeout = DefaultPostTimeout
	}
	return &BatchTransport{id: id, opts: opts, buffer: buffer.New[json.RawMessage]()}
}

// SendEvent buffers data, posts start and end right away and drops
// status updates. The end post waits for any running flush and first
// sends what is still buffered, so it is always the session's last post.
func (t *BatchTransport) SendEvent(ev event.Event) {
	switch ev.Type {
	case event.KindData:
		t.buffer.Push(ev.Payload)
	case event.KindStart:
		t.inflight.Add(1)
		go func() {
			defer t.inflight.Done()
			t.post(context.Background(), ev)
		}()
	case event.KindEnd:
		t.inflight.Add(1)
		go func() {
			defer t.inflight.Done()
			t.flushMu.Lock()
			defer t.flushMu.Unlock()
			t.flush(context.Background())
			t.post(context.Background(), ev)
		}()
	default:
		slog.Debug("telemetry: status update not sent in batch mode", "event_type", ev.Type)
	}
}

// Pending returns the number of buffered records.
func (t *BatchTransport) Pending() int {
	return t.buffer.Len()
}

// Run announces the session and flushes every interval until ctx is done,
// then makes one last flush and waits for in-flight posts.
func (t *BatchTransport) Run(ctx context.Context) error {
	notify(t.opts.OnStatus, StatusConnected, "posting to "+t.opts.URL)
	if start, err := startEvent(t.id, t.opts.UserAgent); err == nil {
		t.SendEvent(start)
	}

	ticker := t.opts.Clock.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Flush(context.WithoutCancel(ctx))
			t.inflight.Wait()
			notify(t.opts.OnStatus, StatusEnded, "session ended")
			return nil
		case <-ticker.C():
			t.Flush(ctx)
		}
	}
}

// Flush drains the buffer and posts its records as one data event. A
// failed post discards the batch.
func (t *BatchTransport) Flush(ctx context.Context) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()
	t.flush(ctx)
}

func (t *BatchTransport) flush(ctx context.Context) {
	records := t.buffer.DrainAll()
	if len(records) == 0 {
		return
	}
	ev, err := event.New(t.id.ID(), t.id.UserID(), event.KindData, t.id.Now(), records)
	if err != nil {
		slog.Warn("telemetry: encode batch", "records", len(records), "error", err)
		return
	}
	if t.post(ctx, ev) {
		slog.Debug("telemetry: batch sent", "records", len(records))
	} else {
		slog.Warn("telemetry: batch discarded", "records", len(records))
	}
}

// post sends one event on a context detached from the caller's
// cancellation, bounded by the post timeout.
func (t *BatchTransport) post(ctx context.Context, ev event.Event) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.PostTimeout)
	defer cancel()

	err := t.do(ctx, ev)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		slog.Warn("telemetry: post failed", "event_type", ev.Type, "error", err)
		t.failed = true
		notify(t.opts.OnStatus, StatusError, err.Error())
		return false
	}
	if t.failed {
		t.failed = false
		notify(t.opts.OnStatus, StatusConnected, "posting to "+t.opts.URL)
	}
	return true
}

func (t *BatchTransport) do(ctx context.Context, ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = authHeader(t.opts.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", ev.Type, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

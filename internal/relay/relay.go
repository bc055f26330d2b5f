// Package relay validates inbound telemetry events and republishes them
// onto pub/sub channels chosen by event type.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/rjsadow/attentive/internal/event"
	"github.com/rjsadow/attentive/internal/pubsub"
)

// ValidationError rejects an event before anything is published.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PublishError reports a downstream publish failure.
type PublishError struct {
	Channel string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Channel, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// sessionEventMessage is published for start and end events.
type sessionEventMessage struct {
	SessionID string     `json:"sessionId"`
	EventType event.Kind `json:"eventType"`
	Timestamp string     `json:"timestamp"`
}

// dataMessage is published for data events; only the payload is kept.
type dataMessage struct {
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// Relay routes events to a Publisher. It is stateless and safe for
// concurrent use by every connection and request.
type Relay struct {
	publisher pubsub.Publisher
	clock     clock.PassiveClock
}

// New creates a relay publishing through pub.
func New(pub pubsub.Publisher, clk clock.PassiveClock) *Relay {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Relay{publisher: pub, clock: clk}
}

// Validate checks the fields every event must carry.
func Validate(ev event.Event) error {
	if ev.SessionID == "" {
		return &ValidationError{Field: "sessionId", Message: "required"}
	}
	if ev.Type == "" {
		return &ValidationError{Field: "eventType", Message: "required"}
	}
	if !ev.Type.Valid() {
		return &ValidationError{Field: "eventType", Message: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
	return nil
}

// Handle validates ev and publishes it. It returns the channel used, or ""
// when the event was accepted without publishing (status updates).
func (r *Relay) Handle(ctx context.Context, ev event.Event) (string, error) {
	if err := Validate(ev); err != nil {
		return "", err
	}

	var (
		channel string
		msg     any
	)
	switch ev.Type {
	case event.KindStart, event.KindEnd:
		ts := ev.Timestamp
		if ts == "" {
			ts = event.FormatTime(r.clock.Now())
		}
		channel = pubsub.ChannelSessionEvents
		msg = sessionEventMessage{SessionID: ev.SessionID, EventType: ev.Type, Timestamp: ts}
	case event.KindData:
		channel = pubsub.ChannelData
		msg = dataMessage{SessionID: ev.SessionID, Payload: ev.Payload}
	default:
		slog.DebugContext(ctx, "relay: accepted without publish", "session_id", ev.SessionID, "event_type", ev.Type)
		return "", nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", &ValidationError{Field: "payload", Message: err.Error()}
	}
	if err := r.publisher.Publish(ctx, channel, body); err != nil {
		slog.ErrorContext(ctx, "relay: publish failed", "channel", channel, "session_id", ev.SessionID, "error", err)
		return channel, &PublishError{Channel: channel, Err: err}
	}
	slog.DebugContext(ctx, "relay: published", "channel", channel, "session_id", ev.SessionID, "event_type", ev.Type)
	return channel, nil
}

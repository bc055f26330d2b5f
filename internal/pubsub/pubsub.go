// Package pubsub publishes relayed telemetry onto named channels.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// Channel names shared with downstream consumers.
const (
	ChannelSessionEvents    = "attention-session-events"
	ChannelData             = "attention-data"
	ChannelMeaningfulEvents = "attention-meaningful-events"
)

// SessionID extracts the sessionId field of a published message, or ""
// when the message has none.
func SessionID(msg []byte) string {
	var envelope struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return ""
	}
	return envelope.SessionID
}

// Publisher delivers a message to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg []byte) error
}

// Pinger is implemented by publishers backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, channel string, msg []byte) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, channel string, msg []byte) error {
	return f(ctx, channel, msg)
}

// LogPublisher writes every message to the structured log instead of a
// broker. Useful for local runs without Redis.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, channel string, msg []byte) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "pubsub: publish", "channel", channel, "bytes", len(msg), "message", string(msg))
	return nil
}

// MultiPublisher sends each message to a primary publisher and then to
// any number of taps. Only the primary's error is returned; tap errors
// are logged so a failing sink never rejects an accepted event.
type MultiPublisher struct {
	primary Publisher
	taps    []Publisher
}

// NewMultiPublisher builds a fan-out publisher. Nil taps are skipped.
func NewMultiPublisher(primary Publisher, taps ...Publisher) *MultiPublisher {
	filtered := make([]Publisher, 0, len(taps))
	for _, t := range taps {
		if t != nil {
			filtered = append(filtered, t)
		}
	}
	return &MultiPublisher{primary: primary, taps: filtered}
}

// Publish implements Publisher. Taps only see messages the primary accepted.
func (m *MultiPublisher) Publish(ctx context.Context, channel string, msg []byte) error {
	if err := m.primary.Publish(ctx, channel, msg); err != nil {
		return err
	}
	for _, t := range m.taps {
		if err := t.Publish(ctx, channel, msg); err != nil {
			slog.WarnContext(ctx, "pubsub: tap publish failed", "channel", channel, "error", err)
		}
	}
	return nil
}

// Ping checks every publisher in the chain that supports it.
func (m *MultiPublisher) Ping(ctx context.Context) error {
	var errs []error
	for _, p := range append([]Publisher{m.primary}, m.taps...) {
		if pinger, ok := p.(Pinger); ok {
			if err := pinger.Ping(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

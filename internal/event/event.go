// Package event defines the session telemetry envelope exchanged between
// the capture client and the relay.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of a telemetry event.
type Kind string

const (
	KindStart        Kind = "start"
	KindData         Kind = "data"
	KindStatusUpdate Kind = "status_update"
	KindEnd          Kind = "end"
)

// Valid reports whether k is one of the known event kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStart, KindData, KindStatusUpdate, KindEnd:
		return true
	default:
		return false
	}
}

// Status is the value carried by a status_update event.
type Status string

const (
	StatusNoFaceDetected Status = "no_face_detected"
	StatusPaused         Status = "paused"
	StatusResumed        Status = "resumed"
)

// Event is the envelope sent over the wire. Payload holds the JSON-encoded
// payload, encoded once when the event is built.
type Event struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Timestamp string          `json:"timestamp,omitempty"`
	Type      Kind            `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an event stamped with at. The payload is marshaled immediately
// so later changes to the caller's value never leak into the event.
func New(sessionID, userID string, kind Kind, at time.Time, payload any) (Event, error) {
	ev := Event{
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: FormatTime(at),
		Type:      kind,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encoding %s payload: %w", kind, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// FormatTime renders t the way timestamps appear on the wire.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// StartPayload is sent when a connection opens.
type StartPayload struct {
	UserAgent string `json:"userAgent"`
}

// EndPayload is sent on teardown.
type EndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// StatusPayload carries a client status change.
type StatusPayload struct {
	Status Status `json:"status"`
}

// LandmarkPoint is a single face landmark after filtering and rounding.
type LandmarkPoint struct {
	Index int     `json:"index"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
}

// LandmarksPayload is the data payload in raw-landmark mode.
type LandmarksPayload struct {
	Landmarks []LandmarkPoint `json:"landmarks"`
}

// FeatureRecord is the data payload in derived-feature mode.
type FeatureRecord struct {
	Timestamp string  `json:"timestamp"`
	EARLeft   float64 `json:"ear_left"`
	EARRight  float64 `json:"ear_right"`
}

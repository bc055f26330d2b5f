// Package attention tracks the attention state of one streaming session
// and turns state changes into alerts and meaningful events.
package attention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/rjsadow/attentive/internal/event"
	"github.com/rjsadow/attentive/internal/features"
	"github.com/rjsadow/attentive/internal/pubsub"
)

// Thresholds applied to each data frame.
const (
	EARThreshold   = 0.21
	MARThreshold   = 0.6
	YawThreshold   = 0.3
	YawnAlertEvery = 5
)

// State is the attention state of a session.
type State int

const (
	StateFocused State = iota
	StateDrowsy
	StateDistracted
	StateUserLeft
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateFocused:
		return "focused"
	case StateDrowsy:
		return "drowsy"
	case StateDistracted:
		return "distracted"
	case StateUserLeft:
		return "user_left"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Meaningful event types published to pubsub.ChannelMeaningfulEvents.
const (
	EventSessionStart       = "SESSION_START"
	EventSessionEnd         = "SESSION_END"
	EventYawnDetected       = "YAWN_DETECTED"
	EventSessionPaused      = "SESSION_PAUSED"
	EventSessionResumed     = "SESSION_RESUMED"
	EventFocusRestored      = "FOCUS_RESTORED"
	EventDrowsinessStarted  = "DROWSINESS_STARTED"
	EventDistractionStarted = "DISTRACTION_STARTED"
	EventUserLeft           = "USER_LEFT"
)

// Alert texts pushed back to the client.
const (
	AlertDrowsy     = "Drowsiness detected. How about a short break?"
	AlertDistracted = "Your attention seems to have drifted. Ready to refocus?"
	AlertUserLeft   = "No face detected. Did you step away?"
)

// YawnAlert is sent every YawnAlertEvery yawns.
func YawnAlert(count int) string {
	return fmt.Sprintf("%d yawns detected. How about a quick stretch?", count)
}

// Message is the body published for every meaningful event.
type Message struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Timestamp string          `json:"timestamp"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

type transitionPayload struct {
	PreviousStateDurationMs int64 `json:"previousStateDurationMs"`
}

// Analyzer holds the attention state of one connection. It is not safe
// for concurrent use; each connection's read loop owns one.
type Analyzer struct {
	publisher pubsub.Publisher
	clock     clock.PassiveClock

	state     State
	changedAt time.Time
	yawns     int
}

// NewAnalyzer creates an analyzer in the focused state.
func NewAnalyzer(pub pubsub.Publisher, clk clock.PassiveClock) *Analyzer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Analyzer{publisher: pub, clock: clk, state: StateFocused, changedAt: clk.Now()}
}

// State returns the current attention state.
func (a *Analyzer) State() State { return a.state }

// Yawns returns the number of yawns seen so far.
func (a *Analyzer) Yawns() int { return a.yawns }

// Observe feeds one inbound event through the state machine and returns
// the alerts to push to the client, in order.
func (a *Analyzer) Observe(ctx context.Context, ev event.Event) []string {
	if a.state == StatePaused && ev.Type == event.KindData {
		return nil
	}

	next := a.state
	var alerts []string

	switch ev.Type {
	case event.KindStart:
		a.publish(ctx, ev, EventSessionStart, ev.Payload)
		return nil
	case event.KindEnd:
		a.publish(ctx, ev, EventSessionEnd, ev.Payload)
		return nil
	case event.KindData:
		obs, ok := observe(ev)
		if !ok {
			return nil
		}
		switch {
		case obs.drowsy():
			next = StateDrowsy
		case obs.distracted():
			next = StateDistracted
		default:
			next = StateFocused
		}
		if obs.mar > MARThreshold {
			a.publish(ctx, ev, EventYawnDetected, json.RawMessage(`{}`))
			a.yawns++
			if a.yawns%YawnAlertEvery == 0 {
				alerts = append(alerts, YawnAlert(a.yawns))
			}
		}
	case event.KindStatusUpdate:
		var p event.StatusPayload
		if err := ev.DecodePayload(&p); err != nil {
			slog.DebugContext(ctx, "attention: bad status payload", "session_id", ev.SessionID, "error", err)
			return nil
		}
		switch p.Status {
		case event.StatusNoFaceDetected:
			next = StateUserLeft
		case event.StatusPaused:
			next = StatePaused
		case event.StatusResumed:
			next = StateFocused
		}
	}

	if next == a.state {
		return alerts
	}

	now := a.clock.Now()
	body, _ := json.Marshal(transitionPayload{PreviousStateDurationMs: now.Sub(a.changedAt).Milliseconds()})
	a.publish(ctx, ev, transitionEvent(a.state, next), body)
	slog.InfoContext(ctx, "attention: state changed", "session_id", ev.SessionID, "from", a.state, "to", next)
	a.state = next
	a.changedAt = now

	switch next {
	case StateDrowsy:
		alerts = append(alerts, AlertDrowsy)
	case StateDistracted:
		alerts = append(alerts, AlertDistracted)
	case StateUserLeft:
		alerts = append(alerts, AlertUserLeft)
	}
	return alerts
}

func transitionEvent(from, to State) string {
	switch to {
	case StateFocused:
		if from == StatePaused {
			return EventSessionResumed
		}
		return EventFocusRestored
	case StatePaused:
		return EventSessionPaused
	case StateDrowsy:
		return EventDrowsinessStarted
	case StateDistracted:
		return EventDistractionStarted
	default:
		return EventUserLeft
	}
}

func (a *Analyzer) publish(ctx context.Context, ev event.Event, eventType string, payload json.RawMessage) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(Message{
		SessionID: ev.SessionID,
		UserID:    ev.UserID,
		Timestamp: event.FormatTime(a.clock.Now()),
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		slog.WarnContext(ctx, "attention: encoding event", "event_type", eventType, "error", err)
		return
	}
	if err := a.publisher.Publish(ctx, pubsub.ChannelMeaningfulEvents, body); err != nil {
		slog.WarnContext(ctx, "attention: publish failed", "event_type", eventType, "session_id", ev.SessionID, "error", err)
	}
}

// observation holds the features extracted from one data frame. Eye ratios
// that could not be computed are left unset.
type observation struct {
	earLeft, earRight *float64
	mar, yaw          float64
}

func (o observation) drowsy() bool {
	return o.earLeft != nil && o.earRight != nil &&
		*o.earLeft < EARThreshold && *o.earRight < EARThreshold
}

func (o observation) distracted() bool {
	return o.yaw > YawThreshold || o.yaw < -YawThreshold
}

// dataPayload accepts both raw-landmark and derived-feature payloads.
type dataPayload struct {
	Landmarks []event.LandmarkPoint `json:"landmarks"`
	EARLeft   *float64              `json:"ear_left"`
	EARRight  *float64              `json:"ear_right"`
}

func observe(ev event.Event) (observation, bool) {
	var p dataPayload
	if err := ev.DecodePayload(&p); err != nil {
		return observation{}, false
	}

	if len(p.Landmarks) == 0 {
		if p.EARLeft == nil || p.EARRight == nil {
			return observation{}, false
		}
		return observation{earLeft: p.EARLeft, earRight: p.EARRight}, true
	}

	pts := make(features.Sparse, len(p.Landmarks))
	for _, lm := range p.Landmarks {
		pts[lm.Index] = features.Point{X: lm.X, Y: lm.Y, Z: lm.Z}
	}
	obs := observation{
		mar: features.MouthAspectRatio(pts),
		yaw: features.HeadYaw(pts),
	}
	if l, err := features.EyeAspectRatio(pts, features.LeftEyeIndices); err == nil {
		obs.earLeft = &l
	}
	if r, err := features.EyeAspectRatio(pts, features.RightEyeIndices); err == nil {
		obs.earRight = &r
	}
	return obs, true
}

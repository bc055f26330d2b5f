package features

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rjsadow/attentive/internal/event"
)

// Mode selects the encoding strategy.
type Mode string

const (
	ModeRaw     Mode = "raw"
	ModeDerived Mode = "derived"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRaw, ModeDerived:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown encoding mode %q (must be %q or %q)", s, ModeRaw, ModeDerived)
	}
}

const (
	rawPrecision     = 4
	derivedPrecision = 3
)

// Encoder converts a detection result into an event kind and payload.
// It holds no state between frames.
type Encoder struct {
	Mode    Mode
	Indices []int
}

// NewEncoder returns an encoder for mode using the default allow-list.
func NewEncoder(mode Mode) *Encoder {
	return &Encoder{Mode: mode, Indices: KeyIndices}
}

// Encode maps one detection to an event. A nil or empty frame, or a frame
// whose landmarks cannot be encoded, yields a no_face_detected status
// update instead of data.
func (e *Encoder) Encode(frame Frame, at time.Time) (event.Kind, any) {
	if len(frame) == 0 {
		return noFace()
	}

	var (
		payload any
		err     error
	)
	switch e.Mode {
	case ModeDerived:
		payload, err = e.derived(frame, at)
	default:
		payload, err = e.raw(frame)
	}
	if err != nil {
		slog.Debug("features: frame treated as no face", "error", err)
		return noFace()
	}
	return event.KindData, payload
}

func noFace() (event.Kind, any) {
	return event.KindStatusUpdate, event.StatusPayload{Status: event.StatusNoFaceDetected}
}

func (e *Encoder) raw(frame Frame) (event.LandmarksPayload, error) {
	pts, err := collect(frame, e.Indices)
	if err != nil {
		return event.LandmarksPayload{}, err
	}
	out := make([]event.LandmarkPoint, len(pts))
	for i, p := range pts {
		out[i] = event.LandmarkPoint{
			Index: e.Indices[i],
			X:     Round(p.X, rawPrecision),
			Y:     Round(p.Y, rawPrecision),
			Z:     Round(p.Z, rawPrecision),
		}
	}
	return event.LandmarksPayload{Landmarks: out}, nil
}

func (e *Encoder) derived(frame Frame, at time.Time) (event.FeatureRecord, error) {
	left, err := EyeAspectRatio(frame, LeftEyeIndices)
	if err != nil {
		return event.FeatureRecord{}, fmt.Errorf("left eye: %w", err)
	}
	right, err := EyeAspectRatio(frame, RightEyeIndices)
	if err != nil {
		return event.FeatureRecord{}, fmt.Errorf("right eye: %w", err)
	}
	return event.FeatureRecord{
		Timestamp: event.FormatTime(at),
		EARLeft:   Round(left, derivedPrecision),
		EARRight:  Round(right, derivedPrecision),
	}, nil
}

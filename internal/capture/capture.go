// Package capture runs the client-side detection loop: frames are pulled
// from a source at a fixed rate, passed through a face-landmark detector,
// encoded and handed to a telemetry transport.
package capture

import (
	"context"

	"github.com/rjsadow/attentive/internal/features"
)

// Image is one captured video frame. The pipeline never inspects it.
type Image struct {
	Seq  int
	Data []byte
}

// FrameSource yields frames until it returns io.EOF.
type FrameSource interface {
	NextFrame(ctx context.Context) (Image, error)
}

// Detector finds face landmarks in a frame. It returns an empty frame
// when no face is present.
type Detector interface {
	Detect(ctx context.Context, img Image) (features.Frame, error)
}

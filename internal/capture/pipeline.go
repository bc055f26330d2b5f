package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/rjsadow/attentive/internal/event"
	"github.com/rjsadow/attentive/internal/features"
	"github.com/rjsadow/attentive/internal/session"
	"github.com/rjsadow/attentive/internal/telemetry"
)

// DefaultInterval throttles detection to about once per second.
const DefaultInterval = time.Second

// End reasons reported in the end event.
const (
	EndReasonTeardown        = "teardown"
	EndReasonSourceExhausted = "source_exhausted"
)

// Pipeline ties a frame source and detector to a session and transport.
type Pipeline struct {
	Source    FrameSource
	Detector  Detector
	Encoder   *features.Encoder
	Session   *session.Context
	Transport telemetry.Transport
	Interval  time.Duration
	Clock     clock.WithTicker
	// OnStatus reports face tracking changes and capture failures; the
	// transport reports its own.
	OnStatus telemetry.StatusFunc

	searching bool
}

// Run starts the session and runs the transport and the capture loop
// until ctx is done or the source is exhausted. One end event is sent
// before the transport is stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Clock == nil {
		p.Clock = clock.RealClock{}
	}

	p.Session.Start()
	slog.Info("capture: session started", "session_id", p.Session.ID(), "user_id", p.Session.UserID())

	// The transport outlives ctx long enough to deliver the end event.
	tctx, stopTransport := context.WithCancel(context.WithoutCancel(ctx))
	defer stopTransport()

	var g errgroup.Group
	g.Go(func() error {
		return p.Transport.Run(tctx)
	})
	g.Go(func() error {
		defer stopTransport()

		err := p.loop(ctx)
		reason := EndReasonTeardown
		switch {
		case errors.Is(err, io.EOF):
			reason, err = EndReasonSourceExhausted, nil
		case err != nil:
			slog.Error("capture: frame source failed", "error", err)
			p.notify(telemetry.StatusError, "capture stopped: "+err.Error())
			<-ctx.Done()
			err = fmt.Errorf("capture: %w", err)
		}
		p.end(reason)
		return err
	})
	return g.Wait()
}

func (p *Pipeline) loop(ctx context.Context) error {
	ticker := p.Clock.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := p.Step(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Step runs one detection. Paused sessions skip detection entirely. A
// detector failure sends nothing for that frame; only source errors are
// returned.
func (p *Pipeline) Step(ctx context.Context) error {
	if p.Session.State() != session.StateActive {
		return nil
	}

	img, err := p.Source.NextFrame(ctx)
	if err != nil {
		return err
	}

	landmarks, err := p.Detector.Detect(ctx, img)
	if err != nil {
		slog.Warn("capture: detection failed", "frame", img.Seq, "error", err)
		return nil
	}

	kind, payload := p.Encoder.Encode(landmarks, p.Session.Now())
	p.track(kind == event.KindData)
	p.send(kind, payload)
	return nil
}

// track reports when the face is lost and when it is found again.
func (p *Pipeline) track(face bool) {
	switch {
	case !face && !p.searching:
		p.searching = true
		p.notify(telemetry.StatusSearching, "searching for face")
	case face && p.searching:
		p.searching = false
		p.notify(telemetry.StatusTracking, "face detected")
	}
}

func (p *Pipeline) notify(status telemetry.Status, detail string) {
	if p.OnStatus != nil {
		p.OnStatus(status, detail)
	}
}

// TogglePause pauses an active session or resumes a paused one and
// reports the change.
func (p *Pipeline) TogglePause() {
	var status event.Status
	switch {
	case p.Session.Pause():
		status = event.StatusPaused
	case p.Session.Resume():
		status = event.StatusResumed
	default:
		return
	}
	slog.Info("capture: session "+string(status), "session_id", p.Session.ID())
	p.send(event.KindStatusUpdate, event.StatusPayload{Status: status})
}

func (p *Pipeline) end(reason string) {
	if !p.Session.End(reason) {
		return
	}
	slog.Info("capture: session ended", "session_id", p.Session.ID(), "reason", reason,
		"active", p.Session.ElapsedActive().Round(time.Second), "paused", p.Session.PausedAccumulated().Round(time.Second))
	p.send(event.KindEnd, event.EndPayload{Reason: reason})
}

func (p *Pipeline) send(kind event.Kind, payload any) {
	ev, err := event.New(p.Session.ID(), p.Session.UserID(), kind, p.Session.Now(), payload)
	if err != nil {
		slog.Warn("capture: encode event", "event_type", kind, "error", err)
		return
	}
	p.Transport.SendEvent(ev)
}

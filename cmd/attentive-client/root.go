package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjsadow/attentive/internal/capture"
	"github.com/rjsadow/attentive/internal/config"
	"github.com/rjsadow/attentive/internal/features"
	"github.com/rjsadow/attentive/internal/session"
	"github.com/rjsadow/attentive/internal/telemetry"
)

var clientFlags struct {
	url       string
	user      string
	frames    string
	loop      bool
	mode      string
	interval  time.Duration
	token     string
	userAgent string
	logLevel  string
}

var rootCmd = &cobra.Command{
	Use:           "attentive-client",
	Short:         "Send attention telemetry for a capture session",
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := config.ParseLogLevel(clientFlags.logLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&clientFlags.url, "url", "", "relay endpoint (ws:// for stream, http:// for batch)")
	pf.StringVar(&clientFlags.user, "user", "", "user id stamped on every event")
	pf.StringVar(&clientFlags.frames, "frames", "", "JSON-lines file of recorded detections")
	pf.BoolVar(&clientFlags.loop, "loop", false, "restart the frames file when it ends")
	pf.StringVar(&clientFlags.mode, "mode", string(features.ModeRaw), "encoding mode: raw or derived")
	pf.DurationVar(&clientFlags.interval, "interval", capture.DefaultInterval, "detection interval")
	pf.StringVar(&clientFlags.token, "token", os.Getenv("ATTENTIVE_TOKEN"), "bearer token for the relay")
	pf.StringVar(&clientFlags.userAgent, "user-agent", "attentive-client", "user agent reported in the start event")
	pf.StringVar(&clientFlags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

// transportFactory builds the transport for a session once its id exists.
type transportFactory func(sess *session.Context, out io.Writer, onStatus telemetry.StatusFunc) telemetry.Transport

// runSession wires the replay, encoder, session and transport together
// and runs until interrupted or the frames run out. SIGUSR1 toggles pause.
func runSession(cmd *cobra.Command, newTransport transportFactory) error {
	for name, v := range map[string]string{"url": clientFlags.url, "user": clientFlags.user, "frames": clientFlags.frames} {
		if v == "" {
			return fmt.Errorf("--%s is required", name)
		}
	}
	mode, err := features.ParseMode(clientFlags.mode)
	if err != nil {
		return err
	}

	replay, err := capture.OpenReplay(clientFlags.frames, clientFlags.loop)
	if err != nil {
		return err
	}
	defer replay.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := &lockedWriter{w: cmd.OutOrStdout()}
	onStatus := func(status telemetry.Status, detail string) {
		fmt.Fprintf(out, "[%s] %s\n", status, detail)
	}

	sess := session.New(clientFlags.user, nil)
	p := &capture.Pipeline{
		Source:    replay,
		Detector:  replay,
		Encoder:   features.NewEncoder(mode),
		Session:   sess,
		Transport: newTransport(sess, out, onStatus),
		Interval:  clientFlags.interval,
		OnStatus:  onStatus,
	}

	go handlePauseSignals(ctx, p)

	return p.Run(ctx)
}

func handlePauseSignals(ctx context.Context, p *capture.Pipeline) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			p.TogglePause()
		}
	}
}

// lockedWriter serializes writes from transport goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

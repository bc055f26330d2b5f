package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rjsadow/attentive/internal/session"
	"github.com/rjsadow/attentive/internal/telemetry"
)

func init() {
	rootCmd.AddCommand(streamCmd)
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream events over a WebSocket and print alerts from the relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd, func(sess *session.Context, out io.Writer, onStatus telemetry.StatusFunc) telemetry.Transport {
			return telemetry.NewStreamTransport(sess, telemetry.StreamOptions{
				URL:       clientFlags.url,
				Token:     clientFlags.token,
				UserAgent: clientFlags.userAgent,
				OnMessage: func(line string) {
					fmt.Fprintf(out, "alert: %s\n", line)
				},
				OnStatus: onStatus,
			})
		})
	},
}

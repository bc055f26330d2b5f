package main

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjsadow/attentive/internal/session"
	"github.com/rjsadow/attentive/internal/telemetry"
)

var batchInterval time.Duration

func init() {
	batchCmd.Flags().DurationVar(&batchInterval, "flush-interval", telemetry.FlushInterval, "how often buffered data is posted")
	rootCmd.AddCommand(batchCmd)
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Buffer data events and post them to the relay in batches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd, func(sess *session.Context, _ io.Writer, onStatus telemetry.StatusFunc) telemetry.Transport {
			return telemetry.NewBatchTransport(sess, telemetry.BatchOptions{
				URL:       clientFlags.url,
				Token:     clientFlags.token,
				UserAgent: clientFlags.userAgent,
				Interval:  batchInterval,
				OnStatus:  onStatus,
			})
		})
	},
}

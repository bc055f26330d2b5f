// Command attentive-client replays recorded face detections through the
// capture pipeline and streams or batches the resulting telemetry to a
// relay.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

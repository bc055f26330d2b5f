// Command migrate manages the schema of the relay's channel journal. The
// database defaults to the relay's own ATTENTIVE_DB_TYPE, ATTENTIVE_DB and
// ATTENTIVE_DB_DSN settings.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

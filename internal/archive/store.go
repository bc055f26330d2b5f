// Package archive writes the journaled messages of finished sessions to
// local disk or S3 as JSON lines.
package archive

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"
)

// Store abstracts session archive storage.
type Store interface {
	// Save writes the archive of sessionID and returns its storage path.
	Save(ctx context.Context, sessionID string, at time.Time, r io.Reader) (storagePath string, err error)

	// Get returns the archive at the given storage path.
	Get(ctx context.Context, storagePath string) (io.ReadCloser, error)

	// Delete removes the archive at the given storage path.
	Delete(ctx context.Context, storagePath string) error
}

const fileExt = ".jsonl"

// objectName lays archives out as {year}/{month}/{sessionID}.jsonl. The
// session ID is reduced to its last path element.
func objectName(sessionID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%d/%02d/%s%s", at.Year(), at.Month(), path.Base("/"+sessionID), fileExt)
}

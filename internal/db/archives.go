package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// SessionArchive records where a finished session was archived.
type SessionArchive struct {
	bun.BaseModel `bun:"table:session_archives"`

	SessionID   string    `json:"session_id" bun:"session_id,pk"`
	StoragePath string    `json:"storage_path" bun:"storage_path,notnull"`
	ArchivedAt  time.Time `json:"archived_at" bun:"archived_at,notnull"`
}

// UpsertArchive records an archive, replacing any earlier one for the
// same session.
func (db *DB) UpsertArchive(ctx context.Context, a *SessionArchive) error {
	_, err := db.bun.NewInsert().Model(a).
		On("CONFLICT (session_id) DO UPDATE").
		Set("storage_path = EXCLUDED.storage_path").
		Set("archived_at = EXCLUDED.archived_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("record archive for session %s: %w", a.SessionID, err)
	}
	return nil
}

// GetArchive returns the archive record of a session or ErrNotFound.
func (db *DB) GetArchive(ctx context.Context, sessionID string) (*SessionArchive, error) {
	a := new(SessionArchive)
	err := db.bun.NewSelect().Model(a).Where("session_id = ?", sessionID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get archive for session %s: %w", sessionID, err)
	}
	return a, nil
}

// ListArchivesBefore returns archives created before cutoff, oldest first.
func (db *DB) ListArchivesBefore(ctx context.Context, cutoff time.Time) ([]SessionArchive, error) {
	var archives []SessionArchive
	err := db.bun.NewSelect().Model(&archives).
		Where("archived_at < ?", cutoff).
		OrderExpr("archived_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	return archives, nil
}

// DeleteArchive removes the archive record of a session.
func (db *DB) DeleteArchive(ctx context.Context, sessionID string) error {
	_, err := db.bun.NewDelete().Model((*SessionArchive)(nil)).
		Where("session_id = ?", sessionID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete archive record for session %s: %w", sessionID, err)
	}
	return nil
}

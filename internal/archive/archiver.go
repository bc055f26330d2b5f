package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/rjsadow/attentive/internal/buffer"
	"github.com/rjsadow/attentive/internal/db"
	"github.com/rjsadow/attentive/internal/event"
	"github.com/rjsadow/attentive/internal/pubsub"
)

const finalDrainTimeout = 30 * time.Second

// Catalog is the journal the archiver reads sessions from and records
// archives in.
type Catalog interface {
	ListSessionMessages(ctx context.Context, sessionID string) ([]db.ChannelMessage, error)
	UpsertArchive(ctx context.Context, a *db.SessionArchive) error
	GetArchive(ctx context.Context, sessionID string) (*db.SessionArchive, error)
	ListArchivesBefore(ctx context.Context, cutoff time.Time) ([]db.SessionArchive, error)
	DeleteArchive(ctx context.Context, sessionID string) error
}

// Line is one line of an archive file.
type Line struct {
	Channel     string          `json:"channel"`
	PublishedAt string          `json:"publishedAt"`
	Message     json.RawMessage `json:"message"`
}

// Archiver is a pubsub.Publisher that watches for session end events and
// archives each ended session from the journal. Archiving happens in Run,
// off the publishing path.
type Archiver struct {
	source Catalog
	store  Store
	clock  clock.WithTicker

	pending *buffer.Buffer[string]
	notify  chan struct{}
}

// NewArchiver creates an archiver reading from source and writing to store.
func NewArchiver(source Catalog, store Store, clk clock.WithTicker) *Archiver {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Archiver{
		source:  source,
		store:   store,
		clock:   clk,
		pending: buffer.New[string](),
		notify:  make(chan struct{}, 1),
	}
}

// Publish implements pubsub.Publisher. Only end events on the session
// events channel are queued; everything else is ignored.
func (a *Archiver) Publish(_ context.Context, channel string, msg []byte) error {
	if channel != pubsub.ChannelSessionEvents {
		return nil
	}
	var lifecycle struct {
		SessionID string     `json:"sessionId"`
		EventType event.Kind `json:"eventType"`
	}
	if err := json.Unmarshal(msg, &lifecycle); err != nil {
		return fmt.Errorf("decode session event: %w", err)
	}
	if lifecycle.EventType != event.KindEnd || lifecycle.SessionID == "" {
		return nil
	}

	a.pending.Push(lifecycle.SessionID)
	select {
	case a.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run archives queued sessions until ctx is cancelled, then archives
// whatever is still queued.
func (a *Archiver) Run(ctx context.Context) {
	slog.Info("archive: archiver started")
	for {
		select {
		case <-a.notify:
			a.drain(ctx)
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), finalDrainTimeout)
			a.drain(finalCtx)
			cancel()
			slog.Info("archive: archiver stopped")
			return
		}
	}
}

func (a *Archiver) drain(ctx context.Context) {
	for _, sessionID := range a.pending.DrainAll() {
		storagePath, err := a.ArchiveSession(ctx, sessionID)
		if err != nil {
			slog.Error("archive: session archive failed", "session_id", sessionID, "error", err)
			continue
		}
		slog.Info("archive: session archived", "session_id", sessionID, "path", storagePath)
	}
}

// ArchiveSession writes the journal of sessionID to the store and returns
// the storage path.
func (a *Archiver) ArchiveSession(ctx context.Context, sessionID string) (string, error) {
	msgs, err := a.source.ListSessionMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("no journaled messages for session %s", sessionID)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		line := Line{
			Channel:     m.Channel,
			PublishedAt: event.FormatTime(m.PublishedAt),
			Message:     json.RawMessage(m.Body),
		}
		if !json.Valid(line.Message) {
			quoted, _ := json.Marshal(m.Body)
			line.Message = quoted
		}
		if err := enc.Encode(line); err != nil {
			return "", fmt.Errorf("encode archive line: %w", err)
		}
	}

	now := a.clock.Now().UTC()
	storagePath, err := a.store.Save(ctx, sessionID, now, &buf)
	if err != nil {
		return "", err
	}

	prev, err := a.source.GetArchive(ctx, sessionID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return "", err
	}
	if err := a.source.UpsertArchive(ctx, &db.SessionArchive{SessionID: sessionID, StoragePath: storagePath, ArchivedAt: now}); err != nil {
		return "", err
	}
	if prev != nil && prev.StoragePath != storagePath {
		if err := a.store.Delete(ctx, prev.StoragePath); err != nil {
			slog.Warn("archive: failed to delete replaced archive", "session_id", sessionID, "path", prev.StoragePath, "error", err)
		}
	}
	return storagePath, nil
}

// Open returns the archive of sessionID. It returns db.ErrNotFound when
// the session was never archived.
func (a *Archiver) Open(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	rec, err := a.source.GetArchive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return a.store.Get(ctx, rec.StoragePath)
}

// Prune deletes archives created more than maxAge ago and returns how
// many were removed. A failed delete leaves its record for the next run.
func (a *Archiver) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	expired, err := a.source.ListArchivesBefore(ctx, a.clock.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, rec := range expired {
		if err := a.store.Delete(ctx, rec.StoragePath); err != nil {
			slog.Warn("archive: delete failed", "session_id", rec.SessionID, "path", rec.StoragePath, "error", err)
			continue
		}
		if err := a.source.DeleteArchive(ctx, rec.SessionID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// RunRetention prunes archives every interval until ctx is done.
func (a *Archiver) RunRetention(ctx context.Context, maxAge, interval time.Duration) {
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			n, err := a.Prune(ctx, maxAge)
			if err != nil {
				slog.Error("archive: retention prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("archive: pruned archives", "deleted", n, "max_age", maxAge)
			}
		}
	}
}

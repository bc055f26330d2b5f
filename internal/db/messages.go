package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"k8s.io/utils/clock"

	"github.com/rjsadow/attentive/internal/pubsub"
)

// ChannelMessage is one message as it was published to a channel.
type ChannelMessage struct {
	bun.BaseModel `bun:"table:channel_messages"`

	ID          int64     `json:"id" bun:"id,pk,autoincrement"`
	Channel     string    `json:"channel" bun:"channel,notnull"`
	SessionID   string    `json:"session_id" bun:"session_id,notnull"`
	Body        string    `json:"body" bun:"body,notnull"`
	PublishedAt time.Time `json:"published_at" bun:"published_at,notnull"`
}

// InsertMessage stores msg and sets its ID.
func (db *DB) InsertMessage(ctx context.Context, msg *ChannelMessage) error {
	if _, err := db.bun.NewInsert().Model(msg).Exec(ctx); err != nil {
		return fmt.Errorf("insert channel message: %w", err)
	}
	return nil
}

// ListSessionMessages returns every journaled message of a session in
// publish order.
func (db *DB) ListSessionMessages(ctx context.Context, sessionID string) ([]ChannelMessage, error) {
	var msgs []ChannelMessage
	err := db.bun.NewSelect().Model(&msgs).
		Where("session_id = ?", sessionID).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list messages for session %s: %w", sessionID, err)
	}
	return msgs, nil
}

// CountMessages returns the number of journaled messages on channel, or on
// all channels when channel is empty.
func (db *DB) CountMessages(ctx context.Context, channel string) (int, error) {
	q := db.bun.NewSelect().Model((*ChannelMessage)(nil))
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	return q.Count(ctx)
}

// DeleteMessagesBefore removes messages published before cutoff and
// returns how many were deleted.
func (db *DB) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.bun.NewDelete().Model((*ChannelMessage)(nil)).
		Where("published_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}

// Journal is a pubsub.Publisher that records every message it receives.
type Journal struct {
	db    *DB
	clock clock.WithTicker
}

// NewJournal creates a journal writing to db.
func NewJournal(db *DB, clk clock.WithTicker) *Journal {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Journal{db: db, clock: clk}
}

// Publish implements pubsub.Publisher.
func (j *Journal) Publish(ctx context.Context, channel string, msg []byte) error {
	return j.db.InsertMessage(ctx, &ChannelMessage{
		Channel:     channel,
		SessionID:   pubsub.SessionID(msg),
		Body:        string(msg),
		PublishedAt: j.clock.Now().UTC(),
	})
}

// Ping implements pubsub.Pinger.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.Ping(ctx)
}

// Prune deletes messages published more than maxAge ago.
func (j *Journal) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	return j.db.DeleteMessagesBefore(ctx, j.clock.Now().UTC().Add(-maxAge))
}

// RunRetention prunes the journal every interval until ctx is done.
func (j *Journal) RunRetention(ctx context.Context, maxAge, interval time.Duration) {
	ticker := j.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			n, err := j.Prune(ctx, maxAge)
			if err != nil {
				slog.Error("journal: retention prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("journal: pruned messages", "deleted", n, "max_age", maxAge)
			}
		}
	}
}

package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StreamTracker receives live/offline edges detected by the synchronizer.
type StreamTracker interface {
	StreamOnline(ctx context.Context, channelID, streamID string, startedAt time.Time) error
	StreamOffline(ctx context.Context, channelID, streamID string) error
}

// NewDBTracker returns a StreamTracker recording sessions in stream_sessions.
func NewDBTracker(dbx *sql.DB) StreamTracker { return &dbTracker{db: dbx} }

type dbTracker struct{ db *sql.DB }

func (t *dbTracker) StreamOnline(ctx context.Context, channelID, streamID string, startedAt time.Time) error {
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO stream_sessions (channel_id, stream_id, started_at)
		 SELECT $1, $2, $3
		 WHERE NOT EXISTS (
			SELECT 1 FROM stream_sessions WHERE channel_id=$1 AND stream_id=$2 AND ended_at IS NULL
		 )`,
		channelID, streamID, startedAt)
	if err != nil {
		return fmt.Errorf("record stream online: %w", err)
	}
	return nil
}

func (t *dbTracker) StreamOffline(ctx context.Context, channelID, streamID string) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE stream_sessions SET ended_at=NOW() WHERE channel_id=$1 AND stream_id=$2 AND ended_at IS NULL`,
		channelID, streamID)
	if err != nil {
		return fmt.Errorf("record stream offline: %w", err)
	}
	return nil
}

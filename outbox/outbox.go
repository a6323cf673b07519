// Package outbox implements the outbound chat-message pipeline: callers
// enqueue messages and a dispatcher delivers them with bounded retries,
// rolling-window rate limits, and a short dedup window. Per-message mutual
// exclusion across workers is the storage-level conditional claim; no
// in-memory lock guards a message.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message statuses. Transitions are monotonic: pending -> processing ->
// sent|failed|pending (retry). sent and failed are terminal.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

// NotifyChannel is the Postgres NOTIFY channel new enqueues are announced on.
const NotifyChannel = "outbox_new"

// Message is a queued outbound chat message.
type Message struct {
	ID        int64
	ChannelID string
	Message   string
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Store persists outbox messages. Claim and RecordFailure must each be a
// single conditional statement so concurrent workers never double-send.
type Store interface {
	// Enqueue inserts a pending message and announces it on NotifyChannel.
	Enqueue(ctx context.Context, channelID, message string) (int64, error)
	// ListEligible returns up to limit messages that are pending, or
	// processing with a claim older than staleAfter, oldest first.
	ListEligible(ctx context.Context, limit int, staleAfter time.Duration) ([]Message, error)
	// Get returns a message by id.
	Get(ctx context.Context, id int64) (Message, error)
	// Claim attempts the conditional pending/stale-processing -> processing
	// transition. false means another worker already progressed the message.
	Claim(ctx context.Context, id int64, staleAfter time.Duration) (bool, error)
	// Release returns a claimed message to pending without counting an
	// attempt (rate-limit deferral).
	Release(ctx context.Context, id int64) error
	// MarkSent records successful delivery.
	MarkSent(ctx context.Context, id int64) error
	// RecordFailure increments attempts and moves the message to failed when
	// maxAttempts is reached, else back to pending. Returns the new status.
	RecordFailure(ctx context.Context, id int64, sendErr error, maxAttempts int) (string, error)
	// Notify re-announces a message id on NotifyChannel (retry re-wake).
	Notify(ctx context.Context, id int64) error
	// CountPending returns the current pending backlog.
	CountPending(ctx context.Context) (int, error)
}

// NewStore returns the Postgres-backed Store.
func NewStore(db *sql.DB) Store { return &dbStore{db: db} }

type dbStore struct{ db *sql.DB }

func (s *dbStore) Enqueue(ctx context.Context, channelID, message string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO outbox_messages (channel_id, message) VALUES ($1, $2) RETURNING id`,
		channelID, message).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox message: %w", err)
	}
	// Wake the queue backend. A missed notification is recovered by its
	// safety sweep, so this is best-effort.
	_ = s.Notify(ctx, id)
	return id, nil
}

func (s *dbStore) ListEligible(ctx context.Context, limit int, staleAfter time.Duration) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, message, status, attempts, created_at FROM outbox_messages
		 WHERE status=$1 OR (status=$2 AND processing_at < NOW() - make_interval(secs => $3))
		 ORDER BY created_at ASC LIMIT $4`,
		StatusPending, StatusProcessing, int(staleAfter.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.Message, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *dbStore) Get(ctx context.Context, id int64) (Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, message, status, attempts, created_at FROM outbox_messages WHERE id=$1`, id).
		Scan(&m.ID, &m.ChannelID, &m.Message, &m.Status, &m.Attempts, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("get outbox message %d: %w", id, err)
	}
	return m, nil
}

func (s *dbStore) Claim(ctx context.Context, id int64, staleAfter time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status=$1, processing_at=NOW()
		 WHERE id=$2 AND (status=$3 OR (status=$1 AND processing_at < NOW() - make_interval(secs => $4)))`,
		StatusProcessing, id, StatusPending, int(staleAfter.Seconds()))
	if err != nil {
		return false, fmt.Errorf("claim outbox message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *dbStore) Release(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status=$1, processing_at=NULL WHERE id=$2 AND status=$3`,
		StatusPending, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("release outbox message %d: %w", id, err)
	}
	return nil
}

func (s *dbStore) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status=$1, sent_at=NOW(), processing_at=NULL, last_error=NULL WHERE id=$2`,
		StatusSent, id)
	if err != nil {
		return fmt.Errorf("mark sent %d: %w", id, err)
	}
	return nil
}

func (s *dbStore) RecordFailure(ctx context.Context, id int64, sendErr error, maxAttempts int) (string, error) {
	var status string
	row := s.db.QueryRowContext(ctx,
		`UPDATE outbox_messages SET
			attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= $2 THEN $3 ELSE $4 END,
			failed_at = CASE WHEN attempts + 1 >= $2 THEN NOW() ELSE failed_at END,
			last_error = $5,
			processing_at = NULL
		 WHERE id=$1
		 RETURNING status`,
		id, maxAttempts, StatusFailed, StatusPending, sendErr.Error())
	if err := row.Scan(&status); err != nil {
		return "", fmt.Errorf("record failure %d: %w", id, err)
	}
	return status, nil
}

func (s *dbStore) Notify(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, fmt.Sprintf("%d", id))
	return err
}

func (s *dbStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM outbox_messages WHERE status=$1`, StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

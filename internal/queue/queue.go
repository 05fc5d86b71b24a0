// Package queue stores outbound relay messages that could not be delivered
// immediately, together with their delivery outcome.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/smsbridge/smsbridge/internal/protocol"
	"github.com/smsbridge/smsbridge/internal/tenant"
	"go.uber.org/zap"
)

// Status is the delivery state of a queued message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// ErrUnknownEntry is returned when marking an id that does not exist.
var ErrUnknownEntry = errors.New("queue entry not found")

// Entry is one pending message.
type Entry struct {
	ID        int64
	Message   protocol.Message
	CreatedAt time.Time
}

// Stats counts a tenant's messages per status.
type Stats struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// Queue is the offline message queue.
type Queue interface {
	Enqueue(ctx context.Context, id tenant.ID, msg protocol.Message) (int64, error)
	Pending(ctx context.Context, id tenant.ID) ([]Entry, error)
	MarkSent(ctx context.Context, entryID int64) error
	MarkFailed(ctx context.Context, entryID int64) error
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context, id tenant.ID) (Stats, error)
}

// Option customizes a SQLQueue.
type Option func(*SQLQueue)

// WithClock overrides the time source used for enqueue stamps and cleanup cutoffs.
func WithClock(now func() time.Time) Option {
	return func(q *SQLQueue) { q.nowFn = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(q *SQLQueue) { q.log = log }
}

// SQLQueue keeps the queue in the shared SQLite database.
type SQLQueue struct {
	db    *sql.DB
	nowFn func() time.Time
	log   *zap.Logger
}

// NewSQLQueue wraps an opened database.
func NewSQLQueue(db *sql.DB, opts ...Option) *SQLQueue {
	q := &SQLQueue{db: db, nowFn: time.Now, log: zap.NewNop()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores msg as pending and returns its id.
func (q *SQLQueue) Enqueue(ctx context.Context, id tenant.ID, msg protocol.Message) (int64, error) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("encode queued message: %w", err)
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO message_queue (tenant, message_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(id), string(msg.Type()), string(payload), q.nowFn().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("enqueue message: %w", err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue message: %w", err)
	}
	q.log.Debug("message queued",
		zap.String("tenant", id.String()),
		zap.String("type", string(msg.Type())),
		zap.Int64("entry_id", entryID))
	return entryID, nil
}

// Pending returns the tenant's pending messages, oldest first.
func (q *SQLQueue) Pending(ctx context.Context, id tenant.ID) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, payload, created_at FROM message_queue
		WHERE tenant = ? AND status = ?
		ORDER BY created_at, id`, string(id), string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("query pending messages: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			payload string
			created int64
		)
		if err := rows.Scan(&e.ID, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan pending message: %w", err)
		}
		msg, err := protocol.Decode([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode queued message %d: %w", e.ID, err)
		}
		e.Message = msg
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending messages: %w", err)
	}
	return out, nil
}

// MarkSent records a successful delivery.
func (q *SQLQueue) MarkSent(ctx context.Context, entryID int64) error {
	return q.mark(ctx, entryID, StatusSent)
}

// MarkFailed records a failed delivery.
func (q *SQLQueue) MarkFailed(ctx context.Context, entryID int64) error {
	return q.mark(ctx, entryID, StatusFailed)
}

func (q *SQLQueue) mark(ctx context.Context, entryID int64, status Status) error {
	res, err := q.db.ExecContext(ctx, `UPDATE message_queue SET status = ? WHERE id = ?`, string(status), entryID)
	if err != nil {
		return fmt.Errorf("mark message %d %s: %w", entryID, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark message %d %s: %w", entryID, status, err)
	}
	if n == 0 {
		return ErrUnknownEntry
	}
	return nil
}

// Cleanup deletes delivered or failed messages older than olderThan. Pending
// messages are never removed.
func (q *SQLQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := q.nowFn().Add(-olderThan).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM message_queue WHERE created_at < ? AND status != ?`, cutoff, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("cleanup queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup queue: %w", err)
	}
	return n, nil
}

// Stats counts the tenant's messages per status.
func (q *SQLQueue) Stats(ctx context.Context, id tenant.ID) (Stats, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM message_queue WHERE tenant = ? GROUP BY status`, string(id))
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan queue stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = count
		case StatusSent:
			st.Sent = count
		case StatusFailed:
			st.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate queue stats: %w", err)
	}
	return st, nil
}

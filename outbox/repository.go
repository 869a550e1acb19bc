package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, msg Message) error
	// ClaimPending locks up to limit pending messages for the lifetime of tx.
	// Rows locked by another relay are skipped.
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, reason string, at time.Time, dead bool) error
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, msg Message) error {
	const q = `INSERT INTO outbox (id, topic, key, payload, created_at) VALUES ($1, $2, $3, $4::jsonb, $5)`
	if _, err := tx.Exec(ctx, q, msg.ID, msg.Topic, msg.Key, msg.Payload, msg.CreatedAt); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

func (r *PGRepository) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const q = `
SELECT id, topic, key, payload, status, attempts, last_error, created_at, last_attempt
FROM outbox
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &m.Payload, &m.Status, &m.Attempts, &m.LastError, &m.CreatedAt, &m.LastAttempt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	const q = `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = $2 WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, at); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (r *PGRepository) MarkFailed(ctx context.Context, tx pgx.Tx, id string, reason string, at time.Time, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	const q = `UPDATE outbox SET status = $2, attempts = attempts + 1, last_error = $3, last_attempt = $4 WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, string(status), reason, at); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

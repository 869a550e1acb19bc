package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, event Event) (Event, error)
	ListByDispute(ctx context.Context, disputeID string) ([]Event, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, event Event) (Event, error) {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("timeline: marshal payload: %w", err)
	}

	var resolutionID any
	if event.ResolutionID != "" {
		resolutionID = event.ResolutionID
	}

	const insertSQL = `
INSERT INTO timeline_events (dispute_id, resolution_id, type, actor_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
RETURNING id
`
	if err := tx.QueryRow(ctx, insertSQL, event.DisputeID, resolutionID, string(event.Type), event.ActorID, body, event.CreatedAt).
		Scan(&event.ID); err != nil {
		return Event{}, fmt.Errorf("timeline: insert event: %w", err)
	}
	return event, nil
}

func (r *PGRepository) ListByDispute(ctx context.Context, disputeID string) ([]Event, error) {
	const query = `
SELECT id, dispute_id, COALESCE(resolution_id, ''), type, actor_id, payload, created_at
FROM timeline_events
WHERE dispute_id = $1
ORDER BY id
`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var (
			e    Event
			body []byte
		)
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.ResolutionID, &e.Type, &e.ActorID, &body, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("timeline: scan: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &e.Payload); err != nil {
				return nil, fmt.Errorf("timeline: unmarshal payload: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate: %w", err)
	}
	return out, nil
}

package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the storage port for the audit trail. It deliberately has no
// update or delete operation.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, entry Entry) (Entry, error)
	ListByDispute(ctx context.Context, disputeID string) ([]Entry, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, entry Entry) (Entry, error) {
	meta, err := EncodeMeta(entry.Meta)
	if err != nil {
		return Entry{}, err
	}

	const insertSQL = `
INSERT INTO audit_entries (dispute_id, actor_id, action, action_meta, created_at)
VALUES ($1, $2, $3, $4::jsonb, $5)
RETURNING id, created_at
`
	if err := tx.QueryRow(ctx, insertSQL, entry.DisputeID, entry.ActorID, string(entry.Action), meta, entry.CreatedAt).
		Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return Entry{}, fmt.Errorf("audit: insert entry: %w", err)
	}
	return entry, nil
}

func (r *PGRepository) ListByDispute(ctx context.Context, disputeID string) ([]Entry, error) {
	const query = `
SELECT id, dispute_id, actor_id, action, action_meta, created_at
FROM audit_entries
WHERE dispute_id = $1
ORDER BY id
`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		var (
			e    Entry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.ActorID, &e.Action, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if e.Meta, err = DecodeMeta(meta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}

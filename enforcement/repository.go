package enforcement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
)

// ErrAlreadyExecuted is returned when a second execute_end is appended.
var ErrAlreadyExecuted = errors.New("enforcement: resolution already executed")

// Repository is the append-only enforcement ledger.
type Repository interface {
	Append(ctx context.Context, tx pgx.Tx, a Action) (Action, error)
	ListByResolution(ctx context.Context, resolutionID string) ([]Action, error)
	ListByDispute(ctx context.Context, disputeID string) ([]Action, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Append(ctx context.Context, tx pgx.Tx, a Action) (Action, error) {
	details, err := encodeDetails(a.Details)
	if err != nil {
		return Action{}, err
	}
	const q = `
INSERT INTO enforcement_actions (id, resolution_id, dispute_id, action, details, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
RETURNING seq
`
	if err := tx.QueryRow(ctx, q, a.ID, a.ResolutionID, a.DisputeID, string(a.Kind), details, a.CreatedAt).Scan(&a.Seq); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Action{}, apperr.ConcurrencyConflict("%v: %s", ErrAlreadyExecuted, a.ResolutionID)
		}
		return Action{}, fmt.Errorf("enforcement: append: %w", err)
	}
	return a, nil
}

func (r *PGRepository) ListByResolution(ctx context.Context, resolutionID string) ([]Action, error) {
	return r.list(ctx, `WHERE resolution_id = $1`, resolutionID)
}

func (r *PGRepository) ListByDispute(ctx context.Context, disputeID string) ([]Action, error) {
	return r.list(ctx, `WHERE dispute_id = $1`, disputeID)
}

func (r *PGRepository) list(ctx context.Context, where string, arg string) ([]Action, error) {
	q := `SELECT id, resolution_id, dispute_id, action, details, seq, created_at FROM enforcement_actions ` + where + ` ORDER BY seq`
	rows, err := r.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("enforcement: list: %w", err)
	}
	defer rows.Close()

	out := make([]Action, 0, 8)
	for rows.Next() {
		var (
			a   Action
			raw []byte
		)
		if err := rows.Scan(&a.ID, &a.ResolutionID, &a.DisputeID, &a.Kind, &raw, &a.Seq, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("enforcement: scan: %w", err)
		}
		if a.Details, err = decodeDetails(a.Kind, raw); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enforcement: iterate: %w", err)
	}
	return out, nil
}

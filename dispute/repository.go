package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
)

// Repository is the storage port for dispute cases. Writes take the caller's
// transaction; GetForUpdate holds the row lock until that transaction ends.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, c Case) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error)
	Update(ctx context.Context, tx pgx.Tx, c Case) error
	Get(ctx context.Context, id string) (Case, error)
	// ListEscalationCandidates returns active cases whose response deadline
	// is at or before now.
	ListEscalationCandidates(ctx context.Context, now time.Time, limit int) ([]string, error)
	InsertEvidence(ctx context.Context, tx pgx.Tx, e Evidence) error
	ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const caseColumns = `
id, job_ref, client_id, professional_id, title, description, status, priority,
escalation_level, response_deadline, deadline_set_at, last_response_at, amount_disputed,
needs_attention, attention_reason, opened_by, created_at, updated_at, resolved_at, closed_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, c Case) error {
	const q = `
INSERT INTO disputes (` + caseColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
`
	if _, err := tx.Exec(ctx, q,
		c.ID, c.JobRef, c.ClientID, c.ProfessionalID, c.Title, c.Description, string(c.Status), string(c.Priority),
		c.EscalationLevel, c.ResponseDeadline, c.DeadlineSetAt, c.LastResponseAt, c.AmountDisputed,
		c.NeedsAttention, c.AttentionReason, c.OpenedBy, c.CreatedAt, c.UpdatedAt, c.ResolvedAt, c.ClosedAt,
	); err != nil {
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error) {
	q := `SELECT ` + caseColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`
	c, err := scanCase(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, apperr.NotFound("dispute: %s not found", id)
		}
		return Case{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return c, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, c Case) error {
	const q = `
UPDATE disputes
SET status = $2,
    priority = $3,
    escalation_level = $4,
    response_deadline = $5,
    deadline_set_at = $6,
    last_response_at = $7,
    needs_attention = $8,
    attention_reason = $9,
    updated_at = $10,
    resolved_at = $11,
    closed_at = $12
WHERE id = $1
`
	tag, err := tx.Exec(ctx, q,
		c.ID, string(c.Status), string(c.Priority), c.EscalationLevel, c.ResponseDeadline, c.DeadlineSetAt,
		c.LastResponseAt, c.NeedsAttention, c.AttentionReason, c.UpdatedAt, c.ResolvedAt, c.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("dispute: %s not found", c.ID)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Case, error) {
	q := `SELECT ` + caseColumns + ` FROM disputes WHERE id = $1`
	c, err := scanCase(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, apperr.NotFound("dispute: %s not found", id)
		}
		return Case{}, fmt.Errorf("dispute: get: %w", err)
	}
	return c, nil
}

func (r *PGRepository) ListEscalationCandidates(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const q = `
SELECT id
FROM disputes
WHERE status IN ('open', 'in_progress')
  AND response_deadline IS NOT NULL
  AND response_deadline <= $1
ORDER BY response_deadline
LIMIT $2
`
	rows, err := r.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list escalation candidates: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("dispute: scan escalation candidates: %w", err)
	}
	return ids, nil
}

func (r *PGRepository) InsertEvidence(ctx context.Context, tx pgx.Tx, e Evidence) error {
	const q = `
INSERT INTO dispute_evidence (id, dispute_id, uploaded_by, file_name, file_url, file_type, file_size, evidence_type, description, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	if _, err := tx.Exec(ctx, q, e.ID, e.DisputeID, e.UploadedBy, e.FileName, e.FileURL, e.FileType, e.FileSize,
		e.EvidenceType, e.Description, e.CreatedAt); err != nil {
		return fmt.Errorf("dispute: insert evidence: %w", err)
	}
	return nil
}

func (r *PGRepository) ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error) {
	const q = `
SELECT id, dispute_id, uploaded_by, file_name, file_url, file_type, file_size, evidence_type, description, created_at
FROM dispute_evidence
WHERE dispute_id = $1
ORDER BY created_at, id
`
	rows, err := r.pool.Query(ctx, q, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list evidence: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 8)
	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.UploadedBy, &e.FileName, &e.FileURL, &e.FileType, &e.FileSize,
			&e.EvidenceType, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	err := row.Scan(
		&c.ID, &c.JobRef, &c.ClientID, &c.ProfessionalID, &c.Title, &c.Description, &c.Status, &c.Priority,
		&c.EscalationLevel, &c.ResponseDeadline, &c.DeadlineSetAt, &c.LastResponseAt, &c.AmountDisputed,
		&c.NeedsAttention, &c.AttentionReason, &c.OpenedBy, &c.CreatedAt, &c.UpdatedAt, &c.ResolvedAt, &c.ClosedAt,
	)
	return c, err
}

package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
)

// Repository is the storage port for proposals and counter-proposals.
type Repository interface {
	// Insert fails with apperr.ErrConcurrencyConflict when the dispute
	// already has a live proposal.
	Insert(ctx context.Context, tx pgx.Tx, p Proposal) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Proposal, error)
	Update(ctx context.Context, tx pgx.Tx, p Proposal) error
	Get(ctx context.Context, id string) (Proposal, error)
	// LockLiveByDispute locks every non-terminal proposal of the dispute.
	LockLiveByDispute(ctx context.Context, tx pgx.Tx, disputeID string) ([]Proposal, error)
	ListByDispute(ctx context.Context, disputeID string) ([]Proposal, error)
	// ListDue returns agreed proposals past their execution date and
	// executing proposals whose retry or lease time has come.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	InsertCounter(ctx context.Context, tx pgx.Tx, c CounterProposal) error
	GetCounterForUpdate(ctx context.Context, tx pgx.Tx, id string) (CounterProposal, error)
	UpdateCounter(ctx context.Context, tx pgx.Tx, c CounterProposal) error
	GetCounter(ctx context.Context, id string) (CounterProposal, error)
	ListCounters(ctx context.Context, resolutionID string) ([]CounterProposal, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const proposalColumns = `
id, dispute_id, resolution_type, fault_percentage_client, fault_percentage_professional, amount, notes,
mediator_decision_reasoning, proposed_by, origin, COALESCE(counter_proposal_id, ''),
party_client_agreed, party_professional_agreed, auto_execute_date, appeal_deadline, status, version,
execution_attempts, next_attempt_at, failure_reason, COALESCE(superseded_by, ''), COALESCE(rejected_by, ''),
rejection_reason, agreed_at, executed_at, created_at, updated_at`

const activeIndex = "resolution_proposals_one_active"

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, p Proposal) error {
	const q = `
INSERT INTO resolution_proposals (
    id, dispute_id, resolution_type, fault_percentage_client, fault_percentage_professional, amount, notes,
    mediator_decision_reasoning, proposed_by, origin, counter_proposal_id,
    party_client_agreed, party_professional_agreed, auto_execute_date, appeal_deadline, status, version,
    execution_attempts, next_attempt_at, failure_reason, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
`
	_, err := tx.Exec(ctx, q,
		p.ID, p.DisputeID, string(p.Terms.Type), p.Terms.FaultClient, p.Terms.FaultProfessional, p.Terms.Amount, p.Terms.Notes,
		p.Reasoning, p.ProposedBy, string(p.Origin), nullable(p.CounterProposalID),
		p.ClientAgreed, p.ProfessionalAgreed, p.AutoExecuteDate, p.AppealDeadline, string(p.Status), p.Version,
		p.ExecutionAttempts, p.NextAttemptAt, p.FailureReason, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeIndex {
			return apperr.ConcurrencyConflict("resolution: dispute %s already has a live proposal", p.DisputeID)
		}
		return fmt.Errorf("resolution: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Proposal, error) {
	q := `SELECT ` + proposalColumns + ` FROM resolution_proposals WHERE id = $1 FOR UPDATE`
	p, err := scanProposal(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, apperr.NotFound("resolution: %s not found", id)
		}
		return Proposal{}, fmt.Errorf("resolution: lock: %w", err)
	}
	return p, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, p Proposal) error {
	const q = `
UPDATE resolution_proposals
SET party_client_agreed = $2,
    party_professional_agreed = $3,
    status = $4,
    version = $5,
    execution_attempts = $6,
    next_attempt_at = $7,
    failure_reason = $8,
    superseded_by = $9,
    rejected_by = $10,
    rejection_reason = $11,
    agreed_at = $12,
    executed_at = $13,
    updated_at = $14
WHERE id = $1
`
	tag, err := tx.Exec(ctx, q,
		p.ID, p.ClientAgreed, p.ProfessionalAgreed, string(p.Status), p.Version, p.ExecutionAttempts, p.NextAttemptAt,
		p.FailureReason, nullable(p.SupersededBy), nullable(p.RejectedBy), p.RejectionReason, p.AgreedAt, p.ExecutedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeIndex {
			return apperr.ConcurrencyConflict("resolution: dispute %s already has a live proposal", p.DisputeID)
		}
		return fmt.Errorf("resolution: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("resolution: %s not found", p.ID)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Proposal, error) {
	q := `SELECT ` + proposalColumns + ` FROM resolution_proposals WHERE id = $1`
	p, err := scanProposal(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, apperr.NotFound("resolution: %s not found", id)
		}
		return Proposal{}, fmt.Errorf("resolution: get: %w", err)
	}
	return p, nil
}

func (r *PGRepository) LockLiveByDispute(ctx context.Context, tx pgx.Tx, disputeID string) ([]Proposal, error) {
	q := `SELECT ` + proposalColumns + `
FROM resolution_proposals
WHERE dispute_id = $1 AND status IN ('proposed', 'agreed', 'executing')
ORDER BY created_at, id
FOR UPDATE`
	rows, err := tx.Query(ctx, q, disputeID)
	if err != nil {
		return nil, fmt.Errorf("resolution: lock live: %w", err)
	}
	return collectProposals(rows)
}

func (r *PGRepository) ListByDispute(ctx context.Context, disputeID string) ([]Proposal, error) {
	q := `SELECT ` + proposalColumns + ` FROM resolution_proposals WHERE dispute_id = $1 ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, q, disputeID)
	if err != nil {
		return nil, fmt.Errorf("resolution: list: %w", err)
	}
	return collectProposals(rows)
}

func (r *PGRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const q = `
SELECT id FROM (
    SELECT id, auto_execute_date AS due FROM resolution_proposals
    WHERE status = 'agreed' AND auto_execute_date <= $1
    UNION ALL
    SELECT id, next_attempt_at AS due FROM resolution_proposals
    WHERE status = 'executing' AND next_attempt_at <= $1
) due
ORDER BY due, id
LIMIT $2
`
	rows, err := r.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("resolution: list due: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("resolution: scan due: %w", err)
	}
	return ids, nil
}

const counterColumns = `
id, resolution_id, dispute_id, proposing_side, proposed_by, terms, note, status,
COALESCE(decided_by, ''), COALESCE(resulting_resolution_id, ''), created_at, updated_at`

func (r *PGRepository) InsertCounter(ctx context.Context, tx pgx.Tx, c CounterProposal) error {
	terms, err := json.Marshal(c.Terms)
	if err != nil {
		return fmt.Errorf("resolution: marshal counter terms: %w", err)
	}
	const q = `
INSERT INTO counter_proposals (id, resolution_id, dispute_id, proposing_side, proposed_by, terms, note, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)
`
	if _, err := tx.Exec(ctx, q, c.ID, c.ResolutionID, c.DisputeID, string(c.Side), c.ProposedBy, terms, c.Note,
		string(c.Status), c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("resolution: insert counter: %w", err)
	}
	return nil
}

func (r *PGRepository) GetCounterForUpdate(ctx context.Context, tx pgx.Tx, id string) (CounterProposal, error) {
	q := `SELECT ` + counterColumns + ` FROM counter_proposals WHERE id = $1 FOR UPDATE`
	c, err := scanCounter(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CounterProposal{}, apperr.NotFound("resolution: counter-proposal %s not found", id)
		}
		return CounterProposal{}, fmt.Errorf("resolution: lock counter: %w", err)
	}
	return c, nil
}

func (r *PGRepository) UpdateCounter(ctx context.Context, tx pgx.Tx, c CounterProposal) error {
	const q = `
UPDATE counter_proposals
SET status = $2, decided_by = $3, resulting_resolution_id = $4, updated_at = $5
WHERE id = $1
`
	tag, err := tx.Exec(ctx, q, c.ID, string(c.Status), nullable(c.DecidedBy), nullable(c.ResultingResolutionID), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("resolution: update counter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("resolution: counter-proposal %s not found", c.ID)
	}
	return nil
}

func (r *PGRepository) GetCounter(ctx context.Context, id string) (CounterProposal, error) {
	q := `SELECT ` + counterColumns + ` FROM counter_proposals WHERE id = $1`
	c, err := scanCounter(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CounterProposal{}, apperr.NotFound("resolution: counter-proposal %s not found", id)
		}
		return CounterProposal{}, fmt.Errorf("resolution: get counter: %w", err)
	}
	return c, nil
}

func (r *PGRepository) ListCounters(ctx context.Context, resolutionID string) ([]CounterProposal, error) {
	q := `SELECT ` + counterColumns + ` FROM counter_proposals WHERE resolution_id = $1 ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, q, resolutionID)
	if err != nil {
		return nil, fmt.Errorf("resolution: list counters: %w", err)
	}
	defer rows.Close()

	out := make([]CounterProposal, 0, 4)
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, fmt.Errorf("resolution: scan counter: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolution: iterate counters: %w", err)
	}
	return out, nil
}

func collectProposals(rows pgx.Rows) ([]Proposal, error) {
	defer rows.Close()
	out := make([]Proposal, 0, 4)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("resolution: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolution: iterate: %w", err)
	}
	return out, nil
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var p Proposal
	err := row.Scan(
		&p.ID, &p.DisputeID, &p.Terms.Type, &p.Terms.FaultClient, &p.Terms.FaultProfessional, &p.Terms.Amount, &p.Terms.Notes,
		&p.Reasoning, &p.ProposedBy, &p.Origin, &p.CounterProposalID,
		&p.ClientAgreed, &p.ProfessionalAgreed, &p.AutoExecuteDate, &p.AppealDeadline, &p.Status, &p.Version,
		&p.ExecutionAttempts, &p.NextAttemptAt, &p.FailureReason, &p.SupersededBy, &p.RejectedBy,
		&p.RejectionReason, &p.AgreedAt, &p.ExecutedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func scanCounter(row pgx.Row) (CounterProposal, error) {
	var (
		c     CounterProposal
		terms []byte
	)
	if err := row.Scan(&c.ID, &c.ResolutionID, &c.DisputeID, &c.Side, &c.ProposedBy, &terms, &c.Note, &c.Status,
		&c.DecidedBy, &c.ResultingResolutionID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return CounterProposal{}, err
	}
	if err := json.Unmarshal(terms, &c.Terms); err != nil {
		return CounterProposal{}, fmt.Errorf("resolution: unmarshal counter terms: %w", err)
	}
	return c, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

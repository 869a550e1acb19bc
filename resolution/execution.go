package resolution

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/outbox"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/timeline"
)

// ListDue returns the ids the scheduler should try to claim at now.
func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.repo.ListDue(ctx, now, limit)
}

// ClaimDue is the scheduler's compare-and-set. An agreed proposal past its
// execution date, or an executing one whose retry time has come, moves to
// executing with a fresh lease. Anything else is reported as a lost race.
func (s *Service) ClaimDue(ctx context.Context, resolutionID string, lease time.Duration) (Proposal, error) {
	var out Proposal
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.repo.GetForUpdate(ctx, tx, resolutionID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		switch {
		case p.Status == StatusAgreed && !p.AutoExecuteDate.After(now):
		case p.Status == StatusExecuting && p.NextAttemptAt != nil && !p.NextAttemptAt.After(now):
		default:
			return apperr.ConcurrencyConflict("resolution: %s is not due (status %s)", p.ID, p.Status)
		}

		from := p.Status
		leaseUntil := now.Add(lease)
		p.Status = StatusExecuting
		p.ExecutionAttempts++
		p.NextAttemptAt = &leaseUntil
		p.Version++
		p.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, p); err != nil {
			return err
		}
		if from == StatusAgreed {
			if err := s.auditStatus(ctx, tx, p, "", from, "auto-execution date reached"); err != nil {
				return err
			}
			if err := s.appendTimeline(ctx, tx, p, timeline.EventProposalExecuting, "", map[string]any{
				"attempt": p.ExecutionAttempts,
			}); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("resolution: claim: %w", err)
	}
	return out, nil
}

// ExecutionOutcome is what the commit hooks below hand back to the caller.
type ExecutionOutcome struct {
	Proposal Proposal
	Dispute  dispute.Case
}

// MarkExecutedWithin commits a successful execution inside tx. attempt must
// match the claim that ran the executor; a newer claim means this run lost
// its lease.
func (s *Service) MarkExecutedWithin(ctx context.Context, tx pgx.Tx, disputeID, resolutionID string, attempt int) (ExecutionOutcome, error) {
	c, p, err := s.lockExecuting(ctx, tx, disputeID, resolutionID, attempt)
	if err != nil {
		return ExecutionOutcome{}, err
	}

	now := s.now().UTC()
	p.Status = StatusExecuted
	p.ExecutedAt = &now
	p.NextAttemptAt = nil
	p.FailureReason = ""
	p.Version++
	p.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, p); err != nil {
		return ExecutionOutcome{}, err
	}
	if err := s.auditStatus(ctx, tx, p, "", StatusExecuting, "enforcement completed"); err != nil {
		return ExecutionOutcome{}, err
	}
	if err := s.appendTimeline(ctx, tx, p, timeline.EventProposalExecuted, "", map[string]any{
		"attempt": attempt,
	}); err != nil {
		return ExecutionOutcome{}, err
	}
	if err := s.enqueue(ctx, tx, outbox.TopicProposalExecuted, p, nil); err != nil {
		return ExecutionOutcome{}, err
	}

	c, err = s.disputes.ResolveWithin(ctx, tx, c, "resolution "+p.ID+" executed")
	if err != nil {
		return ExecutionOutcome{}, err
	}
	return ExecutionOutcome{Proposal: p, Dispute: c}, nil
}

type FailureParams struct {
	Attempt int
	Reason  string
	// Terminal parks the proposal in execution_failed and flags the dispute.
	Terminal bool
	// RetryAt is when the scheduler may claim the proposal again. Ignored
	// when Terminal is set.
	RetryAt time.Time
}

// RecordFailureWithin commits a failed execution attempt inside tx.
func (s *Service) RecordFailureWithin(ctx context.Context, tx pgx.Tx, disputeID, resolutionID string, params FailureParams) (ExecutionOutcome, error) {
	c, p, err := s.lockExecuting(ctx, tx, disputeID, resolutionID, params.Attempt)
	if err != nil {
		return ExecutionOutcome{}, err
	}

	now := s.now().UTC()
	p.FailureReason = params.Reason
	p.Version++
	p.UpdatedAt = now
	if params.Terminal {
		p.Status = StatusExecutionFailed
		p.NextAttemptAt = nil
	} else {
		retryAt := params.RetryAt.UTC()
		p.NextAttemptAt = &retryAt
	}
	if err := s.repo.Update(ctx, tx, p); err != nil {
		return ExecutionOutcome{}, err
	}
	if err := s.audit.Append(ctx, tx, p.DisputeID, "", audit.ActionExecutionFailed, audit.ExecutionFailed{
		ResolutionID: p.ID,
		Attempt:      params.Attempt,
		Error:        params.Reason,
		Terminal:     params.Terminal,
	}); err != nil {
		return ExecutionOutcome{}, err
	}

	if params.Terminal {
		if err := s.auditStatus(ctx, tx, p, "", StatusExecuting, params.Reason); err != nil {
			return ExecutionOutcome{}, err
		}
		if err := s.appendTimeline(ctx, tx, p, timeline.EventExecutionFailed, "", map[string]any{
			"attempt": params.Attempt,
			"reason":  params.Reason,
		}); err != nil {
			return ExecutionOutcome{}, err
		}
		if err := s.enqueue(ctx, tx, outbox.TopicProposalExecutionFailed, p, map[string]any{"reason": params.Reason}); err != nil {
			return ExecutionOutcome{}, err
		}
		c, err = s.disputes.FlagAttentionWithin(ctx, tx, c, fmt.Sprintf("resolution %s failed: %s", p.ID, params.Reason))
		if err != nil {
			return ExecutionOutcome{}, err
		}
	}
	return ExecutionOutcome{Proposal: p, Dispute: c}, nil
}

func (s *Service) lockExecuting(ctx context.Context, tx pgx.Tx, disputeID, resolutionID string, attempt int) (dispute.Case, Proposal, error) {
	c, err := s.disputes.Lock(ctx, tx, disputeID)
	if err != nil {
		return dispute.Case{}, Proposal{}, err
	}
	p, err := s.repo.GetForUpdate(ctx, tx, resolutionID)
	if err != nil {
		return dispute.Case{}, Proposal{}, err
	}
	if p.DisputeID != c.ID {
		return dispute.Case{}, Proposal{}, apperr.Validation("resolution: %s does not belong to dispute %s", p.ID, c.ID)
	}
	if p.Status != StatusExecuting || p.ExecutionAttempts != attempt {
		return dispute.Case{}, Proposal{}, apperr.ConcurrencyConflict(
			"resolution: %s moved on (status %s, attempt %d, expected %d)", p.ID, p.Status, p.ExecutionAttempts, attempt)
	}
	return c, p, nil
}

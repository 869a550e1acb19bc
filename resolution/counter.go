package resolution

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/outbox"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/timeline"
)

// CounterService negotiates alternate terms against a pending proposal.
type CounterService struct {
	*Service
}

func NewCounterService(s *Service) *CounterService {
	return &CounterService{Service: s}
}

type SubmitParams struct {
	ResolutionID string
	Side         Side
	Terms        Terms
	Note         string
}

// Submit records alternate terms. The parent proposal is left untouched.
func (s *CounterService) Submit(ctx context.Context, actor auth.Principal, params SubmitParams) (CounterProposal, error) {
	if !params.Side.Valid() {
		return CounterProposal{}, apperr.Validation("resolution: unknown side %q", params.Side)
	}
	if err := ValidateTerms(params.Terms); err != nil {
		return CounterProposal{}, fmt.Errorf("resolution: submit counter: %w", err)
	}

	seen, err := s.repo.Get(ctx, params.ResolutionID)
	if err != nil {
		return CounterProposal{}, fmt.Errorf("resolution: submit counter: %w", err)
	}

	var out CounterProposal
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		// The counter row references the dispute, so the dispute is locked
		// before the proposal, in the same order Propose and Accept use.
		if _, err := s.disputes.Lock(ctx, tx, seen.DisputeID); err != nil {
			return err
		}
		parent, err := s.repo.GetForUpdate(ctx, tx, params.ResolutionID)
		if err != nil {
			return err
		}
		if err := s.authorizeSide(ctx, actor, parent.DisputeID, params.Side); err != nil {
			return err
		}
		if parent.Status != StatusProposed {
			return apperr.InvalidTransition("resolution: counter-proposals need %s to be proposed, it is %s", parent.ID, parent.Status)
		}

		now := s.now().UTC()
		terms := params.Terms
		if terms.Amount.Valid {
			terms.Amount.Decimal = terms.Amount.Decimal.Round(2)
		}
		cp := CounterProposal{
			ID:           s.idGenerator(),
			ResolutionID: parent.ID,
			DisputeID:    parent.DisputeID,
			Side:         params.Side,
			ProposedBy:   actor.ID,
			Terms:        terms,
			Note:         params.Note,
			Status:       CounterPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.repo.InsertCounter(ctx, tx, cp); err != nil {
			return err
		}
		if err := s.auditCounter(ctx, tx, cp, actor.ID, audit.ActionCounterSubmitted); err != nil {
			return err
		}
		if err := s.appendTimeline(ctx, tx, parent, timeline.EventCounterSubmitted, actor.ID, map[string]any{
			"counter_id": cp.ID,
			"side":       string(cp.Side),
		}); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, outbox.TopicCounterSubmitted, parent, map[string]any{"counter_id": cp.ID}); err != nil {
			return err
		}
		out = cp
		return nil
	})
	if err != nil {
		return CounterProposal{}, fmt.Errorf("resolution: submit counter: %w", err)
	}
	return out, nil
}

// Accept turns a pending counter into a fresh proposal with a new clock. The
// parent is superseded in the same transaction.
func (s *CounterService) Accept(ctx context.Context, actor auth.Principal, counterID string) (CounterProposal, Proposal, error) {
	seen, err := s.repo.GetCounter(ctx, counterID)
	if err != nil {
		return CounterProposal{}, Proposal{}, fmt.Errorf("resolution: accept counter: %w", err)
	}

	var (
		outCounter  CounterProposal
		outProposal Proposal
	)
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.disputes.LockForProposal(ctx, tx, seen.DisputeID)
		if err != nil {
			return err
		}
		parent, err := s.repo.GetForUpdate(ctx, tx, seen.ResolutionID)
		if err != nil {
			return err
		}
		cp, err := s.repo.GetCounterForUpdate(ctx, tx, counterID)
		if err != nil {
			return err
		}
		if err := authorizeDecision(c, actor, cp); err != nil {
			return err
		}
		if cp.Status != CounterPending {
			return apperr.InvalidTransition("resolution: counter-proposal %s is %s", cp.ID, cp.Status)
		}
		if parent.Status != StatusProposed && parent.Status != StatusAgreed {
			return apperr.InvalidTransition("resolution: cannot accept counter on %s in status %s", parent.ID, parent.Status)
		}

		reasoning := strings.TrimSpace(cp.Note)
		if reasoning == "" {
			reasoning = "accepted counter-proposal " + cp.ID
		}
		next, err := s.proposeWithin(ctx, tx, c, draft{
			terms:      cp.Terms,
			reasoning:  reasoning,
			proposedBy: actor.ID,
			origin:     OriginCounter,
			counterID:  cp.ID,
		})
		if err != nil {
			return err
		}

		cp.Status = CounterAccepted
		cp.DecidedBy = actor.ID
		cp.ResultingResolutionID = next.ID
		cp.UpdatedAt = s.now().UTC()
		if err := s.repo.UpdateCounter(ctx, tx, cp); err != nil {
			return err
		}
		if err := s.auditCounter(ctx, tx, cp, actor.ID, audit.ActionCounterAccepted); err != nil {
			return err
		}
		if err := s.appendTimeline(ctx, tx, next, timeline.EventCounterDecided, actor.ID, map[string]any{
			"counter_id": cp.ID,
			"status":     string(cp.Status),
		}); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, outbox.TopicCounterAccepted, next, map[string]any{
			"counter_id":        cp.ID,
			"parent_resolution": parent.ID,
		}); err != nil {
			return err
		}
		outCounter, outProposal = cp, next
		return nil
	})
	if err != nil {
		return CounterProposal{}, Proposal{}, fmt.Errorf("resolution: accept counter: %w", err)
	}
	return outCounter, outProposal, nil
}

// Reject declines a pending counter. The parent proposal is not affected.
func (s *CounterService) Reject(ctx context.Context, actor auth.Principal, counterID string) (CounterProposal, error) {
	return s.close(ctx, counterID, CounterRejected, audit.ActionCounterRejected, actor, func(c dispute.Case, cp CounterProposal) error {
		return authorizeDecision(c, actor, cp)
	})
}

// Withdraw lets the proposing side retract its own pending counter.
func (s *CounterService) Withdraw(ctx context.Context, actor auth.Principal, counterID string, side Side) (CounterProposal, error) {
	if !side.Valid() {
		return CounterProposal{}, apperr.Validation("resolution: unknown side %q", side)
	}
	return s.close(ctx, counterID, CounterWithdrawn, audit.ActionCounterWithdrawn, actor, func(c dispute.Case, cp CounterProposal) error {
		if cp.Side != side {
			return apperr.Forbidden("resolution: counter-proposal %s was submitted by the %s", cp.ID, cp.Side)
		}
		return authorizeSideOf(c, actor, side)
	})
}

func (s *CounterService) close(ctx context.Context, counterID string, next CounterStatus, action audit.Action, actor auth.Principal, authorize func(dispute.Case, CounterProposal) error) (CounterProposal, error) {
	seen, err := s.repo.GetCounter(ctx, counterID)
	if err != nil {
		return CounterProposal{}, fmt.Errorf("resolution: %s counter: %w", next, err)
	}

	var out CounterProposal
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.disputes.Lock(ctx, tx, seen.DisputeID)
		if err != nil {
			return err
		}
		cp, err := s.repo.GetCounterForUpdate(ctx, tx, counterID)
		if err != nil {
			return err
		}
		if err := authorize(c, cp); err != nil {
			return err
		}
		if cp.Status != CounterPending {
			return apperr.InvalidTransition("resolution: counter-proposal %s is %s", cp.ID, cp.Status)
		}
		cp.Status = next
		cp.DecidedBy = actor.ID
		cp.UpdatedAt = s.now().UTC()
		if err := s.repo.UpdateCounter(ctx, tx, cp); err != nil {
			return err
		}
		if err := s.auditCounter(ctx, tx, cp, actor.ID, action); err != nil {
			return err
		}
		if s.timeline != nil {
			if err := s.timeline.Append(ctx, tx, cp.DisputeID, cp.ResolutionID, timeline.EventCounterDecided, actor.ID, map[string]any{
				"counter_id": cp.ID,
				"status":     string(cp.Status),
			}); err != nil {
				return err
			}
		}
		out = cp
		return nil
	})
	if err != nil {
		return CounterProposal{}, fmt.Errorf("resolution: %s counter: %w", next, err)
	}
	return out, nil
}

func (s *CounterService) GetCounter(ctx context.Context, id string) (CounterProposal, error) {
	return s.repo.GetCounter(ctx, id)
}

// authorizeDecision allows the side opposite the proposer, or staff.
func authorizeDecision(c dispute.Case, actor auth.Principal, cp CounterProposal) error {
	if actor.Staff() {
		return nil
	}
	return authorizeSideOf(c, actor, cp.Side.Opposite())
}

func (s *CounterService) auditCounter(ctx context.Context, tx pgx.Tx, cp CounterProposal, actorID string, action audit.Action) error {
	return s.audit.Append(ctx, tx, cp.DisputeID, actorID, action, audit.CounterChanged{
		CounterID:    cp.ID,
		ResolutionID: cp.ResolutionID,
		Side:         string(cp.Side),
		Status:       string(cp.Status),
		Note:         cp.Note,
	})
}

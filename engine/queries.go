package engine

import (
	"context"
	"fmt"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/timeline"
)

// DisputeView is a case with its evidence references.
type DisputeView struct {
	dispute.Case
	Evidence []dispute.Evidence
}

// GetDispute returns the case if actor is one of its parties or staff.
func (e *Engine) GetDispute(ctx context.Context, actor auth.Principal, id string) (DisputeView, error) {
	c, err := e.authorizeRead(ctx, actor, id)
	if err != nil {
		return DisputeView{}, err
	}
	evidence, err := e.stores.Disputes.ListEvidence(ctx, id)
	if err != nil {
		return DisputeView{}, fmt.Errorf("engine: list evidence: %w", err)
	}
	return DisputeView{Case: c, Evidence: evidence}, nil
}

func (e *Engine) ListTimeline(ctx context.Context, actor auth.Principal, disputeID string) ([]timeline.Event, error) {
	if _, err := e.authorizeRead(ctx, actor, disputeID); err != nil {
		return nil, err
	}
	return e.stores.Timeline.ListByDispute(ctx, disputeID)
}

func (e *Engine) ListResolutions(ctx context.Context, actor auth.Principal, disputeID string) ([]resolution.Proposal, error) {
	if _, err := e.authorizeRead(ctx, actor, disputeID); err != nil {
		return nil, err
	}
	return e.stores.Resolutions.ListByDispute(ctx, disputeID)
}

func (e *Engine) ListCounterProposals(ctx context.Context, actor auth.Principal, resolutionID string) ([]resolution.CounterProposal, error) {
	p, err := e.stores.Resolutions.Get(ctx, resolutionID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorizeRead(ctx, actor, p.DisputeID); err != nil {
		return nil, err
	}
	return e.stores.Resolutions.ListCounters(ctx, resolutionID)
}

func (e *Engine) ListEnforcementLog(ctx context.Context, actor auth.Principal, disputeID string) ([]enforcement.Action, error) {
	if _, err := e.authorizeRead(ctx, actor, disputeID); err != nil {
		return nil, err
	}
	return e.stores.Ledger.ListByDispute(ctx, disputeID)
}

func (e *Engine) ListAudit(ctx context.Context, actor auth.Principal, disputeID string) ([]audit.Entry, error) {
	if _, err := e.authorizeRead(ctx, actor, disputeID); err != nil {
		return nil, err
	}
	return e.stores.Audit.ListByDispute(ctx, disputeID)
}

func (e *Engine) authorizeRead(ctx context.Context, actor auth.Principal, disputeID string) (dispute.Case, error) {
	c, err := e.stores.Disputes.Get(ctx, disputeID)
	if err != nil {
		return dispute.Case{}, err
	}
	if actor.Staff() || c.IsParty(actor.ID) {
		return c, nil
	}
	return dispute.Case{}, apperr.Forbidden("engine: %s may not read dispute %s", actor.ID, disputeID)
}

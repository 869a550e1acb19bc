package resolution_test

import (
	"errors"
	"testing"
	"time"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/engine/enginetest"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
)

func TestProposeRequiresMediator(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	_, err := h.Engine.Resolutions.Propose(h.Ctx, enginetest.Client, resolution.ProposeParams{
		DisputeID: c.ID,
		Terms:     enginetest.Compromise("10"),
		Reasoning: enginetest.LongReasoning,
	})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestProposeSupersedesLiveProposal(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	first := h.Propose(c.ID, enginetest.Compromise("10"))
	second := h.Propose(c.ID, enginetest.Compromise("20"))

	if got := h.Proposal(first.ID); got.Status != resolution.StatusSuperseded || got.SupersededBy != second.ID {
		t.Fatalf("expected first superseded by second, got %+v", got)
	}
}

func TestProposeOnResolvedDisputeFails(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	if _, err := h.Engine.Disputes.MarkResolved(h.Ctx, enginetest.Mediator, c.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err := h.Engine.Resolutions.Propose(h.Ctx, enginetest.Mediator, resolution.ProposeParams{
		DisputeID: c.ID,
		Terms:     enginetest.Compromise("10"),
		Reasoning: enginetest.LongReasoning,
	})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestAgreeChecksSideAndVersion(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	p := h.Propose(c.ID, enginetest.Compromise("10"))

	_, err := h.Engine.Resolutions.Agree(h.Ctx, enginetest.Client, resolution.AgreeParams{ResolutionID: p.ID, Side: resolution.SideProfessional})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected client acting as professional to be forbidden, got %v", err)
	}
	_, err = h.Engine.Resolutions.Agree(h.Ctx, enginetest.Client, resolution.AgreeParams{ResolutionID: p.ID, Side: resolution.SideClient, ExpectedVersion: p.Version + 1})
	if !errors.Is(err, apperr.ErrConcurrencyConflict) {
		t.Fatalf("expected stale version conflict, got %v", err)
	}
	got, err := h.Engine.Resolutions.Agree(h.Ctx, enginetest.Client, resolution.AgreeParams{ResolutionID: p.ID, Side: resolution.SideClient, ExpectedVersion: p.Version})
	if err != nil {
		t.Fatalf("agree: %v", err)
	}
	if !got.ClientAgreed || got.Status != resolution.StatusProposed {
		t.Fatalf("expected one-sided agreement, got %+v", got)
	}
}

func TestAgreeAfterRejectFails(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	p := h.Propose(c.ID, enginetest.Compromise("10"))
	if _, err := h.Engine.Resolutions.Reject(h.Ctx, enginetest.Client, resolution.RejectParams{ResolutionID: p.ID, Reason: "no"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	_, err := h.Engine.Resolutions.Agree(h.Ctx, enginetest.Professional, resolution.AgreeParams{ResolutionID: p.ID, Side: resolution.SideProfessional})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := h.Engine.Resolutions.Reject(h.Ctx, enginetest.Stranger, resolution.RejectParams{ResolutionID: p.ID}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected stranger reject to be forbidden, got %v", err)
	}
}

func TestRepeatAgreeAfterRejectFails(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	p := h.Propose(c.ID, enginetest.Compromise("10"))
	if _, err := h.Engine.Resolutions.Agree(h.Ctx, enginetest.Client, resolution.AgreeParams{ResolutionID: p.ID, Side: resolution.SideClient}); err != nil {
		t.Fatalf("client agree: %v", err)
	}
	if _, err := h.Engine.Resolutions.Reject(h.Ctx, enginetest.Professional, resolution.RejectParams{ResolutionID: p.ID, Reason: "too low"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	_, err := h.Engine.Resolutions.Agree(h.Ctx, enginetest.Client, resolution.AgreeParams{ResolutionID: p.ID, Side: resolution.SideClient})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for a repeat agree on a rejected proposal, got %v", err)
	}
	if got := h.Proposal(p.ID); got.Status != resolution.StatusRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
}

func TestAppealReopensAgreedProposal(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	p := h.Propose(c.ID, enginetest.Compromise("10"))
	agreed := h.AgreeBoth(p.ID)

	appealed, err := h.Engine.Resolutions.Appeal(h.Ctx, enginetest.Professional, resolution.AppealParams{
		ResolutionID: p.ID,
		Side:         resolution.SideProfessional,
		Reason:       "new evidence",
	})
	if err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if appealed.Status != resolution.StatusProposed || appealed.ClientAgreed || appealed.ProfessionalAgreed {
		t.Fatalf("expected reopened proposal, got %+v", appealed)
	}
	if !appealed.AutoExecuteDate.Equal(agreed.AutoExecuteDate) || !appealed.AppealDeadline.Equal(agreed.AppealDeadline) {
		t.Fatalf("appeal must keep the original dates")
	}

	entries, _ := h.Store.Audit().ListByDispute(h.Ctx, c.ID)
	last := entries[len(entries)-1]
	meta, ok := last.Meta.(audit.StatusChanged)
	if !ok || meta.From != string(resolution.StatusAgreed) || meta.To != string(resolution.StatusProposed) || meta.Reason != "appeal: new evidence" {
		t.Fatalf("unexpected appeal audit entry %+v", last)
	}
}

func TestAppealAfterDeadlineFails(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	p := h.Propose(c.ID, enginetest.Compromise("10"))
	h.AgreeBoth(p.ID)

	h.Clock.Advance(7*24*time.Hour + time.Second)
	_, err := h.Engine.Resolutions.Appeal(h.Ctx, enginetest.Client, resolution.AppealParams{ResolutionID: p.ID, Side: resolution.SideClient})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected closed appeal window, got %v", err)
	}
}

func TestCounterLifecycle(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	p := h.Propose(c.ID, enginetest.Compromise("10"))

	cp, err := h.Engine.Counters.Submit(h.Ctx, enginetest.Professional, resolution.SubmitParams{
		ResolutionID: p.ID,
		Side:         resolution.SideProfessional,
		Terms:        enginetest.Compromise("5"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := h.Engine.Counters.Reject(h.Ctx, enginetest.Professional, cp.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("proposer must not decide their own counter, got %v", err)
	}
	if _, err := h.Engine.Counters.Withdraw(h.Ctx, enginetest.Client, cp.ID, resolution.SideClient); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("only the proposing side may withdraw, got %v", err)
	}
	withdrawn, err := h.Engine.Counters.Withdraw(h.Ctx, enginetest.Professional, cp.ID, resolution.SideProfessional)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Status != resolution.CounterWithdrawn {
		t.Fatalf("expected withdrawn, got %s", withdrawn.Status)
	}
	if _, _, err := h.Engine.Counters.Accept(h.Ctx, enginetest.Client, cp.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected withdrawn counter to be final, got %v", err)
	}
	if got := h.Proposal(p.ID); got.Status != resolution.StatusProposed {
		t.Fatalf("parent must be untouched, got %s", got.Status)
	}

	second, err := h.Engine.Counters.Submit(h.Ctx, enginetest.Client, resolution.SubmitParams{
		ResolutionID: p.ID,
		Side:         resolution.SideClient,
		Terms:        enginetest.Compromise("8"),
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	rejected, err := h.Engine.Counters.Reject(h.Ctx, enginetest.Mediator, second.ID)
	if err != nil {
		t.Fatalf("mediator reject: %v", err)
	}
	if rejected.Status != resolution.CounterRejected || rejected.DecidedBy != enginetest.Mediator.ID {
		t.Fatalf("unexpected rejected counter %+v", rejected)
	}

	counters, _ := h.Engine.Resolutions.ListCounters(h.Ctx, p.ID)
	if len(counters) != 2 {
		t.Fatalf("expected 2 counters, got %d", len(counters))
	}
}

func TestCounterNeedsProposedParent(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	p := h.Propose(c.ID, enginetest.Compromise("10"))
	h.AgreeBoth(p.ID)

	_, err := h.Engine.Counters.Submit(h.Ctx, enginetest.Client, resolution.SubmitParams{
		ResolutionID: p.ID,
		Side:         resolution.SideClient,
		Terms:        enginetest.Compromise("5"),
	})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

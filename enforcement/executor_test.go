package enforcement_test

import (
	"errors"
	"testing"
	"time"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/engine/enginetest"
)

func TestExecuteRefusesProposalThatIsNotExecuting(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	p := h.Propose(c.ID, enginetest.Compromise("100.00"))

	_, err := h.Engine.Executor.Execute(h.Ctx, p.ID)
	if !errors.Is(err, apperr.ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if len(h.Payments.Moves()) != 0 || len(h.Ledger(p.ID)) != 0 {
		t.Fatalf("nothing should have been recorded")
	}
}

func TestExecuteResumesAfterPartialRun(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	p := h.Propose(c.ID, enginetest.Compromise("100.00"))
	h.AgreeBoth(p.ID)
	h.Clock.Advance(24 * time.Hour)
	if _, err := h.Engine.Resolutions.ClaimDue(h.Ctx, p.ID, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	h.Payments.Fail = func(step enforcement.StepKind, _ int) error {
		if step == enforcement.StepSettle {
			return errors.New("timeout")
		}
		return nil
	}
	performed, err := h.Engine.Executor.Execute(h.Ctx, p.ID)
	if !errors.Is(err, apperr.ErrTransient) {
		t.Fatalf("expected unclassified failure to be transient, got %v", err)
	}
	if n := enginetest.CountKind(performed, enforcement.ActionRefundIssued) + enginetest.CountKind(performed, enforcement.ActionFundsReleased); n != 2 {
		t.Fatalf("expected refund and release recorded before the failure, got %+v", performed)
	}

	h.Payments.Fail = nil
	performed, err = h.Engine.Executor.Execute(h.Ctx, p.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if n := enginetest.CountKind(performed, enforcement.ActionEscrowSettled); n != 1 || len(performed) != 2 {
		t.Fatalf("expected begin and settle only, got %+v", performed)
	}
	if h.Payments.Attempts(enforcement.StepRefund) != 1 || h.Payments.Attempts(enforcement.StepRelease) != 1 {
		t.Fatalf("completed steps were called again")
	}
}

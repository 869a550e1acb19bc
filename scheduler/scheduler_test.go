package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/engine/enginetest"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/scheduler"
)

func newScheduler(h *enginetest.Harness, cfg scheduler.Config, opts ...scheduler.Option) (*scheduler.Scheduler, *scheduler.Metrics) {
	m := scheduler.NewMetrics(prometheus.NewRegistry())
	opts = append([]scheduler.Option{scheduler.WithMetrics(m), scheduler.WithClock(h.Clock.Now)}, opts...)
	return scheduler.New(h.Store, h.Engine.Resolutions, h.Engine.Executor, nil, cfg, opts...), m
}

func dueProposal(h *enginetest.Harness) resolution.Proposal {
	c := h.OpenDispute()
	p := h.Propose(c.ID, enginetest.Compromise("100.00"))
	h.AgreeBoth(p.ID)
	h.Clock.Advance(24 * time.Hour)
	return p
}

func TestTransientFailureIsRetriedWithoutRepeatingSteps(t *testing.T) {
	h := enginetest.New(t)
	h.Payments.Fail = func(step enforcement.StepKind, attempt int) error {
		if step == enforcement.StepRelease && attempt == 1 {
			return apperr.Transient(errors.New("escrow unavailable"), "release")
		}
		return nil
	}
	s, m := newScheduler(h, scheduler.DefaultConfig())
	p := dueProposal(h)

	res, err := s.Tick(h.Ctx)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if res.Outcomes[p.ID] != scheduler.OutcomeRetry {
		t.Fatalf("expected retry, got %v", res.Outcomes)
	}
	got := h.Proposal(p.ID)
	if got.Status != resolution.StatusExecuting || got.ExecutionAttempts != 1 {
		t.Fatalf("expected executing after one attempt, got %s/%d", got.Status, got.ExecutionAttempts)
	}
	if want := h.Clock.Now().Add(30 * time.Second); got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(want) {
		t.Fatalf("expected retry at %s, got %v", want, got.NextAttemptAt)
	}

	res, _ = s.Tick(h.Ctx)
	if len(res.Outcomes) != 0 {
		t.Fatalf("retry ran before its backoff elapsed: %v", res.Outcomes)
	}

	h.Clock.Advance(30 * time.Second)
	res, err = s.Tick(h.Ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if res.Outcomes[p.ID] != scheduler.OutcomeExecuted {
		t.Fatalf("expected executed on retry, got %v", res.Outcomes)
	}
	if n := h.Payments.Attempts(enforcement.StepRefund); n != 1 {
		t.Fatalf("refund was repeated: %d calls", n)
	}
	ledger := h.Ledger(p.ID)
	if n := enginetest.CountKind(ledger, enforcement.ActionFailed); n != 1 {
		t.Fatalf("expected one failed action, got %d", n)
	}
	if n := enginetest.CountKind(ledger, enforcement.ActionExecuteEnd); n != 1 {
		t.Fatalf("expected one execute_end, got %d", n)
	}
	if v := testutil.ToFloat64(m.Retries); v != 1 {
		t.Fatalf("expected 1 retry counted, got %v", v)
	}
	if v := testutil.ToFloat64(m.Executions.WithLabelValues("executed")); v != 1 {
		t.Fatalf("expected 1 execution counted, got %v", v)
	}
}

func TestTerminalFailureFlagsDispute(t *testing.T) {
	h := enginetest.New(t)
	h.Payments.Fail = func(step enforcement.StepKind, _ int) error {
		if step == enforcement.StepRefund {
			return apperr.Terminal(errors.New("contract closed"), "refund")
		}
		return nil
	}
	s, _ := newScheduler(h, scheduler.DefaultConfig())
	p := dueProposal(h)

	res, err := s.Tick(h.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Outcomes[p.ID] != scheduler.OutcomeFailed {
		t.Fatalf("expected failed, got %v", res.Outcomes)
	}
	got := h.Proposal(p.ID)
	if got.Status != resolution.StatusExecutionFailed || got.FailureReason == "" {
		t.Fatalf("expected execution_failed with a reason, got %+v", got)
	}
	d := h.Dispute(p.DisputeID)
	if !d.NeedsAttention {
		t.Fatalf("expected dispute flagged for attention")
	}

	entries, _ := h.Store.Audit().ListByDispute(h.Ctx, p.DisputeID)
	var failure *audit.ExecutionFailed
	for _, e := range entries {
		if f, ok := e.Meta.(audit.ExecutionFailed); ok {
			failure = &f
		}
	}
	if failure == nil || !failure.Terminal {
		t.Fatalf("expected a terminal execution.failed entry, got %+v", failure)
	}

	h.Clock.Advance(time.Hour)
	res, _ = s.Tick(h.Ctx)
	if len(res.Outcomes) != 0 {
		t.Fatalf("failed proposal was picked up again: %v", res.Outcomes)
	}
}

func TestRetriesAreBounded(t *testing.T) {
	h := enginetest.New(t)
	h.Payments.Fail = func(enforcement.StepKind, int) error {
		return errors.New("connection reset")
	}
	cfg := scheduler.DefaultConfig()
	cfg.MaxAttempts = 2
	s, _ := newScheduler(h, cfg)
	p := dueProposal(h)

	res, _ := s.Tick(h.Ctx)
	if res.Outcomes[p.ID] != scheduler.OutcomeRetry {
		t.Fatalf("expected first failure to retry, got %v", res.Outcomes)
	}
	h.Clock.Advance(cfg.BaseBackoff)
	res, _ = s.Tick(h.Ctx)
	if res.Outcomes[p.ID] != scheduler.OutcomeFailed {
		t.Fatalf("expected second failure to give up, got %v", res.Outcomes)
	}
	if got := h.Proposal(p.ID); got.Status != resolution.StatusExecutionFailed || got.ExecutionAttempts != 2 {
		t.Fatalf("expected execution_failed after 2 attempts, got %s/%d", got.Status, got.ExecutionAttempts)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	h := enginetest.New(t)
	s, _ := newScheduler(h, scheduler.DefaultConfig())
	p := dueProposal(h)

	// A claim whose executor never reported back.
	if _, err := h.Engine.Resolutions.ClaimDue(h.Ctx, p.ID, 5*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, _ := s.Tick(h.Ctx)
	if len(res.Outcomes) != 0 {
		t.Fatalf("claimed proposal ran inside its lease: %v", res.Outcomes)
	}

	h.Clock.Advance(5 * time.Minute)
	res, err := s.Tick(h.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Outcomes[p.ID] != scheduler.OutcomeExecuted {
		t.Fatalf("expected reclaimed execution, got %v", res.Outcomes)
	}
	if got := h.Proposal(p.ID); got.ExecutionAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.ExecutionAttempts)
	}
}

func TestAdminOverrideRunsOnNextTick(t *testing.T) {
	h := enginetest.New(t)
	s, _ := newScheduler(h, scheduler.DefaultConfig())
	c := h.OpenDispute()
	p := h.Propose(c.ID, enginetest.Compromise("100.00"))

	if _, err := h.Engine.Resolutions.AdminOverrideExecute(h.Ctx, enginetest.Mediator, p.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected mediator override to be forbidden, got %v", err)
	}
	if _, err := h.Engine.Resolutions.AdminOverrideExecute(h.Ctx, enginetest.Admin, p.ID); err != nil {
		t.Fatalf("override: %v", err)
	}
	res, err := s.Tick(h.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Outcomes[p.ID] != scheduler.OutcomeExecuted {
		t.Fatalf("expected override to execute immediately, got %v", res.Outcomes)
	}
}

type heldLease struct{ released bool }

func (l *heldLease) Acquire(context.Context, time.Duration) (bool, error) { return false, nil }

func (l *heldLease) Release(context.Context) error {
	l.released = true
	return nil
}

func TestTickSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	h := enginetest.New(t)
	lease := &heldLease{}
	s, _ := newScheduler(h, scheduler.DefaultConfig(), scheduler.WithLease(lease))
	dueProposal(h)

	res, err := s.Tick(h.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !res.Skipped || len(res.Outcomes) != 0 {
		t.Fatalf("expected skipped tick, got %+v", res)
	}
	if lease.released {
		t.Fatalf("a lease that was not acquired must not be released")
	}
}

func TestBackoff(t *testing.T) {
	base, max := 30*time.Second, 30*time.Minute
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 16 * time.Minute},
		{7, 30 * time.Minute},
		{40, 30 * time.Minute},
	}
	for _, tc := range cases {
		if got := scheduler.Backoff(base, max, tc.attempt); got != tc.want {
			t.Errorf("Backoff(attempt=%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

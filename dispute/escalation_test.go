package dispute_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/dispute"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/engine/enginetest"
)

func TestMissedDeadlineEscalates(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	deadline := enginetest.Epoch.Add(time.Hour)
	if _, err := h.Engine.Disputes.SetResponseDeadline(h.Ctx, enginetest.Mediator, c.ID, deadline); err != nil {
		t.Fatalf("set deadline: %v", err)
	}

	h.Clock.Advance(2 * time.Hour)
	res, err := h.Engine.Escalation.Tick(h.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Escalated != 1 {
		t.Fatalf("expected one escalation, got %+v", res)
	}
	got := h.Dispute(c.ID)
	if got.EscalationLevel != 2 || got.Priority != dispute.PriorityHigh {
		t.Fatalf("expected level 2 high, got %d %s", got.EscalationLevel, got.Priority)
	}
	if want := deadline.Add(48 * time.Hour); got.ResponseDeadline == nil || !got.ResponseDeadline.Equal(want) {
		t.Fatalf("expected deadline rolled to %s, got %v", want, got.ResponseDeadline)
	}

	// The same missed window must not count twice.
	res, _ = h.Engine.Escalation.Tick(h.Ctx)
	if res.Escalated != 0 {
		t.Fatalf("escalated twice for one window")
	}

	h.Clock.Advance(48 * time.Hour)
	if _, err := h.Engine.Escalation.Tick(h.Ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got = h.Dispute(c.ID)
	if got.EscalationLevel != 3 || got.Priority != dispute.PriorityUrgent {
		t.Fatalf("expected level 3 urgent, got %d %s", got.EscalationLevel, got.Priority)
	}
}

func TestPartyResponseSatisfiesDeadline(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	if _, err := h.Engine.Disputes.SetResponseDeadline(h.Ctx, enginetest.Mediator, c.ID, enginetest.Epoch.Add(time.Hour)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	h.Clock.Advance(10 * time.Minute)
	if err := h.Engine.Disputes.RecordMessage(h.Ctx, enginetest.Professional, c.ID, "msg-1"); err != nil {
		t.Fatalf("record message: %v", err)
	}

	h.Clock.Advance(2 * time.Hour)
	res, err := h.Engine.Escalation.Tick(h.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Satisfied != 1 || res.Escalated != 0 {
		t.Fatalf("expected satisfied deadline, got %+v", res)
	}
	got := h.Dispute(c.ID)
	if got.EscalationLevel != 1 || got.ResponseDeadline != nil {
		t.Fatalf("expected level 1 and no deadline, got %d %v", got.EscalationLevel, got.ResponseDeadline)
	}
}

func TestStaffActivityDoesNotSatisfyDeadline(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	if _, err := h.Engine.Disputes.SetResponseDeadline(h.Ctx, enginetest.Mediator, c.ID, enginetest.Epoch.Add(time.Hour)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if err := h.Engine.Disputes.RecordMessage(h.Ctx, enginetest.Mediator, c.ID, "reminder"); err != nil {
		t.Fatalf("record message: %v", err)
	}
	h.Clock.Advance(2 * time.Hour)
	res, _ := h.Engine.Escalation.Tick(h.Ctx)
	if res.Escalated != 1 {
		t.Fatalf("expected escalation despite mediator message, got %+v", res)
	}
}

func TestEscalationLevelNeverDecreases(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	last := h.Dispute(c.ID).EscalationLevel

	check := func(step string) {
		t.Helper()
		level := h.Dispute(c.ID).EscalationLevel
		if level < last {
			t.Fatalf("%s: escalation level went from %d to %d", step, last, level)
		}
		last = level
	}

	for i := 0; i < 4; i++ {
		if _, err := h.Engine.Disputes.SetResponseDeadline(h.Ctx, enginetest.Mediator, c.ID, h.Clock.Now().Add(time.Hour)); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		check("set deadline")
		h.Clock.Advance(3 * time.Hour)
		_, _ = h.Engine.Escalation.Tick(h.Ctx)
		check("tick")
		if i%2 == 0 {
			_ = h.Engine.Disputes.RecordMessage(h.Ctx, enginetest.Client, c.ID, "still here")
			check("message")
		}
		p := h.Propose(c.ID, enginetest.Compromise("50.00"))
		check("propose")
		_, _ = h.Engine.Resolutions.Reject(h.Ctx, enginetest.Client, resolutionReject(p.ID))
		check("reject")
	}
	if last < 2 {
		t.Fatalf("expected at least one escalation, level is %d", last)
	}
}

func TestClosedDisputeIsNotEscalated(t *testing.T) {
	h := enginetest.New(t)
	c := h.OpenDispute()
	if _, err := h.Engine.Disputes.SetResponseDeadline(h.Ctx, enginetest.Mediator, c.ID, enginetest.Epoch.Add(time.Hour)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if _, err := h.Engine.Disputes.MarkResolved(h.Ctx, enginetest.Mediator, c.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.Clock.Advance(2 * time.Hour)
	res, _ := h.Engine.Escalation.Tick(h.Ctx)
	if res.Escalated != 0 {
		t.Fatalf("resolved dispute was escalated")
	}
}

func TestEscalationCounter(t *testing.T) {
	h := enginetest.New(t)
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_escalations_total"})
	clock := dispute.NewEscalationClock(h.Engine.Disputes, nil, dispute.WithEscalationCounter(counter), dispute.WithResponseWindow(time.Hour))
	c := h.OpenDispute()
	if _, err := h.Engine.Disputes.SetResponseDeadline(h.Ctx, enginetest.Mediator, c.ID, enginetest.Epoch.Add(time.Minute)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	h.Clock.Advance(2*time.Hour + time.Minute)
	// Two windows have passed; each tick counts only the oldest one.
	for i := 0; i < 2; i++ {
		if _, err := clock.Tick(h.Ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if v := testutil.ToFloat64(counter); v != 2 {
		t.Fatalf("expected 2 escalations counted, got %v", v)
	}
}

func TestRaisePriority(t *testing.T) {
	cases := []struct {
		current dispute.Priority
		level   int
		want    dispute.Priority
	}{
		{dispute.PriorityLow, 1, dispute.PriorityLow},
		{dispute.PriorityLow, 2, dispute.PriorityHigh},
		{dispute.PriorityMedium, 3, dispute.PriorityUrgent},
		{dispute.PriorityUrgent, 2, dispute.PriorityUrgent},
		{dispute.PriorityHigh, 7, dispute.PriorityUrgent},
	}
	for _, tc := range cases {
		if got := dispute.RaisePriority(tc.current, tc.level); got != tc.want {
			t.Errorf("RaisePriority(%s, %d) = %s, want %s", tc.current, tc.level, got, tc.want)
		}
	}
}

package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/audit"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/outbox"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/timeline"
)

const (
	defaultResponseWindow = 48 * time.Hour
	defaultEscalationScan = 200
)

// EscalationClock raises escalation_level on cases whose response deadline
// passed without party activity. The level only ever goes up.
type EscalationClock struct {
	service   *Service
	log       *zap.Logger
	window    time.Duration
	batchSize int
	counter   prometheus.Counter
}

type EscalationOption func(*EscalationClock)

// WithResponseWindow sets how far a missed deadline is rolled forward.
func WithResponseWindow(d time.Duration) EscalationOption {
	return func(c *EscalationClock) {
		if d > 0 {
			c.window = d
		}
	}
}

func WithScanLimit(n int) EscalationOption {
	return func(c *EscalationClock) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

func WithEscalationCounter(counter prometheus.Counter) EscalationOption {
	return func(c *EscalationClock) { c.counter = counter }
}

func NewEscalationClock(service *Service, log *zap.Logger, opts ...EscalationOption) *EscalationClock {
	if log == nil {
		log = zap.NewNop()
	}
	c := &EscalationClock{
		service:   service,
		log:       log,
		window:    defaultResponseWindow,
		batchSize: defaultEscalationScan,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TickResult summarises one pass of the clock.
type TickResult struct {
	Escalated int
	Satisfied int
}

// Tick evaluates every overdue case once. Failures on one case are logged
// and do not stop the pass.
func (c *EscalationClock) Tick(ctx context.Context) (TickResult, error) {
	now := c.service.now().UTC()
	ids, err := c.service.repo.ListEscalationCandidates(ctx, now, c.batchSize)
	if err != nil {
		return TickResult{}, fmt.Errorf("dispute: escalation scan: %w", err)
	}

	var res TickResult
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		outcome, err := c.evaluate(ctx, id)
		if err != nil {
			c.log.Warn("escalation evaluate failed", zap.String("dispute_id", id), zap.Error(err))
			continue
		}
		switch outcome {
		case outcomeEscalated:
			res.Escalated++
		case outcomeSatisfied:
			res.Satisfied++
		}
	}
	return res, nil
}

// Run adapts Tick to a cron job.
func (c *EscalationClock) Run(ctx context.Context) {
	res, err := c.Tick(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error("escalation tick", zap.Error(err))
		return
	}
	if res.Escalated > 0 || res.Satisfied > 0 {
		c.log.Info("escalation tick", zap.Int("escalated", res.Escalated), zap.Int("satisfied", res.Satisfied))
	}
}

var errNotDue = errors.New("dispute: deadline not due")

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSatisfied
	outcomeEscalated
)

func (c *EscalationClock) evaluate(ctx context.Context, id string) (outcome, error) {
	s := c.service
	result := outcomeSkipped
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		cs, err := s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if !cs.Status.Active() || cs.ResponseDeadline == nil || cs.ResponseDeadline.After(now) {
			return errNotDue
		}

		if responded(cs) {
			deadline := *cs.ResponseDeadline
			cs.ResponseDeadline = nil
			cs.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, cs); err != nil {
				return err
			}
			result = outcomeSatisfied
			return s.audit.Append(ctx, tx, cs.ID, "", audit.ActionDeadlineMet, audit.DeadlineSet{Deadline: deadline})
		}

		result = outcomeEscalated
		return c.escalate(ctx, tx, cs, now)
	})
	if errors.Is(err, errNotDue) || apperr.Kind(err) == apperr.ErrNotFound {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	if result == outcomeEscalated && c.counter != nil {
		c.counter.Inc()
	}
	return result, nil
}

func (c *EscalationClock) escalate(ctx context.Context, tx pgx.Tx, cs Case, now time.Time) error {
	s := c.service
	from := cs.EscalationLevel
	missed := *cs.ResponseDeadline
	next := missed.Add(c.window)

	cs.EscalationLevel = from + 1
	cs.Priority = RaisePriority(cs.Priority, cs.EscalationLevel)
	cs.DeadlineSetAt = &missed
	cs.ResponseDeadline = &next
	cs.UpdatedAt = now

	if err := s.repo.Update(ctx, tx, cs); err != nil {
		return err
	}
	if err := s.audit.Append(ctx, tx, cs.ID, "", audit.ActionEscalationIncreased, audit.Escalation{
		From:     from,
		To:       cs.EscalationLevel,
		Priority: string(cs.Priority),
	}); err != nil {
		return err
	}
	if err := s.appendTimeline(ctx, tx, cs.ID, timeline.EventDeadlineWarning, "", map[string]any{
		"escalation_level":  cs.EscalationLevel,
		"missed_deadline":   missed,
		"response_deadline": next,
	}); err != nil {
		return err
	}
	return s.enqueue(ctx, tx, outbox.TopicEscalationIncreased, cs.ID, map[string]any{
		"dispute_id":       cs.ID,
		"escalation_level": cs.EscalationLevel,
		"priority":         string(cs.Priority),
	})
}

// responded reports whether a party acted after the current window opened.
func responded(c Case) bool {
	if c.LastResponseAt == nil {
		return false
	}
	if c.DeadlineSetAt == nil {
		return true
	}
	return c.LastResponseAt.After(*c.DeadlineSetAt)
}

// RaisePriority maps an escalation level to a priority floor. The result is
// never lower than current.
func RaisePriority(current Priority, level int) Priority {
	floor := current
	switch {
	case level >= 3:
		floor = PriorityUrgent
	case level == 2:
		floor = PriorityHigh
	}
	if floor.rank() > current.rank() {
		return floor
	}
	return current
}
